package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/filter"
	"github.com/shogotsuneto/go-simple-liveview/internal/config"
	"github.com/shogotsuneto/go-simple-liveview/ws"
)

const (
	demoTopic  = "market_data"
	demoFilter = "LENGTH(/symbol) = 3"

	clearScreen = "\033[H\033[2J"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render live views of a liveview server; type a filter and press enter to change it",
	Long: `Render live views of a liveview server.

Each line read from stdin replaces the filter of every view. Prefix the line
with a view number to target a single view, e.g. "2: /ask < 100". An empty
line clears the filter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, cfg, slog.Default(), os.Stdin, os.Stdout)
	},
}

// viewSpec describes one rendered view.
type viewSpec struct {
	Title   string
	Query   liveview.Query
	Columns []column
}

var quoteColumns = []column{
	{Header: "Symbol", Field: "symbol"},
	{Header: "Bid", Field: "bid", Currency: true},
	{Header: "Ask", Field: "ask", Currency: true},
}

func viewSpecs(cfg *config.Config) []viewSpec {
	if cfg.Demo {
		f := cfg.Filter
		if f == "" {
			f = demoFilter
		}
		return []viewSpec{
			{
				Title: "Top 20 Symbols by BID",
				Query: liveview.Query{
					Topic:   demoTopic,
					OrderBy: "/bid DESC",
					Options: "oof,conflation=1000ms,top_n=20,skip_n=0",
					Filter:  f,
				},
				Columns: quoteColumns,
			},
			{
				Title: "Top 50 Symbols by ASK",
				Query: liveview.Query{
					Topic:   demoTopic,
					OrderBy: "/ask ASC",
					Options: "oof,conflation=500ms,top_n=50,skip_n=10",
					Filter:  f,
				},
				Columns: quoteColumns,
			},
		}
	}

	title := cfg.Title
	if title == "" {
		title = cfg.Topic
	}
	return []viewSpec{{
		Title: title,
		Query: liveview.Query{
			Topic:   cfg.Topic,
			OrderBy: cfg.OrderBy,
			Options: cfg.Options,
			Filter:  cfg.Filter,
		},
	}}
}

// parseFilterLine splits an input line into a target view and a filter.
// The target is -1 when the line applies to every view; views are numbered
// from 1.
func parseFilterLine(line string, views int) (int, string) {
	line = strings.TrimSpace(line)
	prefix, rest, ok := strings.Cut(line, ":")
	if !ok {
		return -1, line
	}
	n, err := strconv.Atoi(strings.TrimSpace(prefix))
	if err != nil || n < 1 || n > views {
		return -1, line
	}
	return n - 1, strings.TrimSpace(rest)
}

// boardView is one controller with its render settings.
type boardView struct {
	spec       viewSpec
	ordering   filter.Ordering
	controller *liveview.Controller
}

// board renders the views of several controllers to one terminal.
type board struct {
	out        io.Writer
	refreshMin time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	views []*boardView
	dirty chan struct{}
}

func newBoard(out io.Writer, refreshMin time.Duration, logger *slog.Logger) *board {
	return &board{
		out:        out,
		refreshMin: refreshMin,
		logger:     logger,
		dirty:      make(chan struct{}, 1),
	}
}

func (b *board) add(v *boardView) {
	b.mu.Lock()
	b.views = append(b.views, v)
	b.mu.Unlock()
	v.controller.AddViewListener(func(liveview.View) { b.markDirty() })
}

func (b *board) snapshot() []*boardView {
	b.mu.Lock()
	defer b.mu.Unlock()
	views := make([]*boardView, len(b.views))
	copy(views, b.views)
	return views
}

func (b *board) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// reportError shows a transport error on every view.
func (b *board) reportError(err error) {
	for _, v := range b.snapshot() {
		v.controller.ReportError(err)
	}
}

// subscribeAll issues every view's query with its current filter.
func (b *board) subscribeAll(ctx context.Context) {
	for _, v := range b.snapshot() {
		if err := v.controller.Subscribe(ctx); err != nil {
			b.logger.Debug("subscribe failed", slog.String("view", v.spec.Title), slog.Any("error", err))
		}
	}
}

// applyFilter replaces the filter of the target view, or of every view when
// target is negative.
func (b *board) applyFilter(ctx context.Context, target int, f string) {
	for i, v := range b.snapshot() {
		if target >= 0 && i != target {
			continue
		}
		if err := v.controller.SubscribeWithFilter(ctx, f); err != nil {
			b.logger.Debug("filter rejected", slog.String("view", v.spec.Title), slog.Any("error", err))
		}
	}
}

// draw renders every view into one frame.
func (b *board) draw() {
	var buf bytes.Buffer
	buf.WriteString(clearScreen)
	for _, v := range b.snapshot() {
		renderView(&buf, v.controller.View(), v.ordering, v.spec.Columns)
	}
	b.out.Write(buf.Bytes())
}

// run redraws on changes, at most once per refreshMin, until ctx is done.
func (b *board) run(ctx context.Context) {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.dirty:
		}
		if wait := b.refreshMin - time.Since(last); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		last = time.Now()
		b.draw()
	}
}

func (b *board) close() {
	for _, v := range b.snapshot() {
		v.controller.Close()
	}
}

func watch(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	registry := prometheus.NewRegistry()
	metrics := liveview.NewMetrics(registry)
	b := newBoard(out, cfg.RefreshMin, logger)

	settings := ws.DefaultClientSettings()
	settings.Logger = logger
	settings.Metrics = metrics
	settings.ErrorHandler = b.reportError
	client := ws.NewClient(ctx, cfg.ServerURL, settings)
	defer client.Close()

	for _, spec := range viewSpecs(cfg) {
		ordering, err := filter.ParseOrderBy(spec.Query.OrderBy)
		if err != nil {
			b.close()
			return err
		}
		controller, err := liveview.NewController(client, liveview.Config{
			Name:    spec.Title,
			Query:   spec.Query,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			b.close()
			return err
		}
		b.add(&boardView{spec: spec, ordering: ordering, controller: controller})
	}
	defer b.close()

	// streams do not survive a reconnect, so every view resubscribes
	// whenever the client reports Connected
	listener := client.AddConnectionListener(func(state liveview.ConnectionState) {
		if state == liveview.Connected {
			go b.subscribeAll(ctx)
		}
	})
	defer client.RemoveConnectionListener(listener)

	if cfg.WatchMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.WatchMetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer metricsServer.Close()
	}

	go readFilters(ctx, in, b)

	b.markDirty()
	b.run(ctx)
	return nil
}

// readFilters applies every line of in as a filter until in is exhausted.
func readFilters(ctx context.Context, in io.Reader, b *board) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		target, f := parseFilterLine(scanner.Text(), len(b.snapshot()))
		b.applyFilter(ctx, target, f)
	}
}
