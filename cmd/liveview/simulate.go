package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

// simulatedSymbols mixes tickers of one to four letters.
var simulatedSymbols = []string{
	"AAPL", "ABT", "AMD", "AMZN", "BAC", "CAT", "CVX", "DIS", "GE", "GM",
	"GOOG", "HD", "IBM", "INTC", "JPM", "KO", "MCD", "META", "MMM", "MSFT",
	"NKE", "NVDA", "ORCL", "PEP", "PFE", "QCOM", "SBUX", "T", "TSLA", "UPS",
	"V", "VZ", "WMT", "XOM", "CVS", "AIG", "AXP", "BA", "C", "CSCO",
	"DOW", "F", "GS", "HON", "JNJ", "LLY", "LOW", "MRK", "MS", "NFLX",
	"PG", "RTX", "TGT", "TXN", "UNH", "USB", "WFC", "ADP", "AMT", "BLK",
	"BMY", "CME", "COP", "DE", "DHR", "ECL", "EMR", "FDX", "GIS", "ICE",
}

// simulator publishes a random walk of quotes for simulatedSymbols.
type simulator struct {
	publish  publishFunc
	topic    string
	interval time.Duration
	logger   *slog.Logger
	rnd      *rand.Rand

	mids map[string]float64
}

func newSimulator(publish publishFunc, topic string, interval time.Duration, logger *slog.Logger) *simulator {
	seed := uint64(time.Now().UnixNano())
	return &simulator{
		publish:  publish,
		topic:    topic,
		interval: interval,
		logger:   logger,
		rnd:      rand.New(rand.NewPCG(seed, seed>>1)),
		mids:     make(map[string]float64, len(simulatedSymbols)),
	}
}

// run publishes an opening quote for every symbol and then one quote per
// interval until ctx is done.
func (s *simulator) run(ctx context.Context) error {
	for _, symbol := range simulatedSymbols {
		if err := s.publishQuote(ctx, symbol); err != nil {
			return err
		}
	}
	s.logger.Info("market data simulation started",
		slog.String("topic", s.topic),
		slog.Int("symbols", len(simulatedSymbols)),
		slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			symbol := simulatedSymbols[s.rnd.IntN(len(simulatedSymbols))]
			if err := s.publishQuote(ctx, symbol); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// a failed quote is retried on a later tick
				s.logger.Warn("failed to publish quote",
					slog.String("symbol", symbol),
					slog.Any("error", err))
			}
		}
	}
}

func (s *simulator) publishQuote(ctx context.Context, symbol string) error {
	return s.publish(ctx, s.topic, s.quote(symbol))
}

// quote moves the mid price of symbol and returns a bid/ask row around it.
func (s *simulator) quote(symbol string) liveview.Row {
	mid, ok := s.mids[symbol]
	if !ok {
		mid = 10 + s.rnd.Float64()*990
	} else {
		mid *= 1 + (s.rnd.Float64()-0.5)/50
	}
	mid = math.Max(mid, 1)
	s.mids[symbol] = mid

	spread := mid * (0.0005 + s.rnd.Float64()*0.002)
	return liveview.NewRow(symbol, map[string]any{
		"symbol": symbol,
		"bid":    round2(mid - spread/2),
		"ask":    round2(mid + spread/2),
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
