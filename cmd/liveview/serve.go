package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	liveview "github.com/shogotsuneto/go-simple-liveview"
	"github.com/shogotsuneto/go-simple-liveview/internal/config"
	"github.com/shogotsuneto/go-simple-liveview/memory"
	"github.com/shogotsuneto/go-simple-liveview/postgres"
	"github.com/shogotsuneto/go-simple-liveview/ws"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a data source to websocket clients, optionally publishing simulated market data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

// publishFunc stores one row of a topic in the served source.
type publishFunc func(ctx context.Context, topic string, row liveview.Row) error

// servedSource is the data source behind the server and the way to feed it.
type servedSource struct {
	liveview.DataSource
	publish publishFunc
	close   func() error
}

func openSource(cfg *config.Config, logger *slog.Logger) (*servedSource, error) {
	switch cfg.Source {
	case "memory":
		src := memory.NewSource(memory.Config{Logger: logger})
		return &servedSource{
			DataSource: src,
			publish: func(_ context.Context, topic string, row liveview.Row) error {
				return src.Publish(topic, row)
			},
			close: src.Close,
		}, nil

	case "postgres":
		pgConfig := postgres.Config{
			ConnectionString: cfg.DatabaseURL,
			TableName:        cfg.TableName,
			Channel:          cfg.Channel,
			Logger:           logger,
		}
		store, err := postgres.NewStore(pgConfig)
		if err != nil {
			return nil, err
		}
		if cfg.InitSchema {
			if err := store.InitSchema(); err != nil {
				store.Close()
				return nil, err
			}
		}
		src, err := postgres.NewSource(pgConfig)
		if err != nil {
			store.Close()
			return nil, err
		}
		return &servedSource{
			DataSource: src,
			publish: func(ctx context.Context, topic string, row liveview.Row) error {
				_, err := store.Upsert(ctx, topic, row)
				return err
			},
			close: func() error {
				return errors.Join(src.Close(), store.Close())
			},
		}, nil

	default:
		return nil, errors.New("unknown source '" + cfg.Source + "'")
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	src, err := openSource(cfg, logger)
	if err != nil {
		return err
	}

	server := ws.NewServer(src, nil, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	if cfg.MetricsPath != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "liveview",
				Name:      "server_sessions",
				Help:      "Websocket clients currently connected.",
			}, func() float64 { return float64(server.Sessions()) }),
		)
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("liveview server listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("source", cfg.Source))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// hijacked websocket connections are not closed by Shutdown
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Simulate {
		sim := newSimulator(src.publish, cfg.Topic, cfg.SimulateInterval, logger)
		g.Go(func() error {
			return sim.run(ctx)
		})
	}

	err = g.Wait()
	logger.Info("liveview server stopped")
	return errors.Join(err, src.close())
}
