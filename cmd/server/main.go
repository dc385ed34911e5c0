// Package main implements the twinlogy server, which ingests sensor
// readings, stores them, serves filtered queries and CSV exports and pushes
// new readings to live subscribers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              twinlogy-server            │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    POST /ingest     - Store a reading   │
//	│    GET  /data       - Query             │
//	│    GET  /export.csv - CSV export        │
//	│    GET  /events     - Live feed (SSE)   │
//	│    GET  /health     - Health check      │
//	│    GET  /metrics    - Prometheus        │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    storage.Log      - Record log        │
//	│    ingest           - Write path        │
//	│    sink.Dispatcher  - Ledger/web3/ai    │
//	│    broadcast.Hub    - Live subscribers  │
//	└─────────────────────────────────────────┘
//
// Configuration comes from defaults, an optional YAML file, .env and TWIN_*
// environment variables, then flags. Run with --help for the flag list.
//
// Example usage:
//
//	# Start with a SQLite store
//	TWIN_STORE=sqlite TWIN_STORE_PATH=twin.db ./twinlogy-server
//
//	# Query the ten newest readings within 50 km of Jakarta
//	curl 'localhost:3000/data?limit=10&centerLat=-6.2&centerLon=106.8&radius=50'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dreamware/twinlogy/internal/broadcast"
	"github.com/dreamware/twinlogy/internal/config"
	"github.com/dreamware/twinlogy/internal/digest"
	"github.com/dreamware/twinlogy/internal/httpapi"
	"github.com/dreamware/twinlogy/internal/ingest"
	"github.com/dreamware/twinlogy/internal/logging"
	"github.com/dreamware/twinlogy/internal/metrics"
	"github.com/dreamware/twinlogy/internal/query"
	"github.com/dreamware/twinlogy/internal/sink"
	"github.com/dreamware/twinlogy/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "twinlogy-server",
		Short:         "Sensor telemetry ingest, query and live feed server",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			cfg, err := config.Load(cmd.Flags(), nil)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return run(cmd.Context(), cfg, logger, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// app holds the wired components.
type app struct {
	log        *storage.Log
	hub        *broadcast.Hub
	dispatcher *sink.Dispatcher
	coord      *ingest.Coordinator
	api        *httpapi.Server
	logger     *slog.Logger
}

// openPersister returns the persister for the configured backend.
func openPersister(ctx context.Context, cfg config.StoreConfig) (storage.Persister, error) {
	switch cfg.Backend {
	case config.BackendJSON:
		return storage.NewJSONFile(cfg.Path), nil
	case config.BackendSQLite:
		return storage.OpenSQLite(ctx, cfg.Path)
	case config.BackendMemory:
		return storage.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildSinks returns the ledger, web3 and analysis sinks, using a webhook
// for each one that has a URL.
func buildSinks(cfg config.SinkConfig, logger *slog.Logger) []sink.Sink {
	pick := func(name, url string, stub sink.Sink) sink.Sink {
		if url != "" {
			logger.Info("sink webhook configured", "sink", name, "url", url)
			return sink.NewWebhook(name, url, nil)
		}
		return stub
	}
	return []sink.Sink{
		pick(sink.NameLedger, cfg.LedgerURL, sink.Ledger(logger)),
		pick(sink.NameWeb3, cfg.Web3URL, sink.Web3(logger)),
		pick(sink.NameAnalysis, cfg.AnalysisURL, sink.Analysis(logger)),
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	hasher, err := digest.New(cfg.Store.Hash)
	if err != nil {
		return nil, err
	}
	policy, err := broadcast.ParsePolicy(cfg.Broadcast.Policy)
	if err != nil {
		return nil, err
	}
	persister, err := openPersister(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	m := metrics.New(reg, func() int {
		if a.log == nil {
			return 0
		}
		return a.log.Len()
	})

	a.log, err = storage.Open(ctx, storage.Options{
		Persister: persister,
		Hasher:    hasher,
		Logger:    logger.With("component", "storage"),
		Observer:  m,
	})
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	a.hub = broadcast.NewHub(broadcast.Options{
		Buffer:   cfg.Broadcast.Buffer,
		Policy:   policy,
		Logger:   logger.With("component", "broadcast"),
		Observer: m,
	})

	a.dispatcher, err = sink.NewDispatcher(sink.Options{
		QueueSize:   cfg.Sinks.QueueSize,
		Timeout:     cfg.Sinks.Timeout,
		MaxFailures: cfg.Sinks.MaxFailures,
		Logger:      logger.With("component", "sink"),
		Observer:    m,
	}, buildSinks(cfg.Sinks, logger.With("component", "sink"))...)
	if err != nil {
		_ = a.log.Close()
		return nil, err
	}
	a.dispatcher.Health().SetOnUnhealthy(m.ObserveSinkUnhealthy)

	a.coord = ingest.New(ingest.Options{
		Store:    a.log,
		Sinks:    a.dispatcher,
		Hub:      a.hub,
		Logger:   logger.With("component", "ingest"),
		Observer: m,
	})

	a.api = httpapi.New(httpapi.Options{
		Ingester:    a.coord,
		Query:       query.NewService(a.log, m),
		Hub:         a.hub,
		Records:     a.log,
		Sinks:       a.dispatcher.Health(),
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger.With("component", "http"),
		BodyLimit:   cfg.BodyLimit,
		Heartbeat:   cfg.Broadcast.Heartbeat,
		IngestLimit: httpapi.RateLimit(cfg.RateLimit.Ingest),
		DataLimit:   httpapi.RateLimit(cfg.RateLimit.Data),
		CORSOrigins: cfg.Origins(),
	})

	logger.Info("store ready",
		"backend", cfg.Store.Backend, "path", cfg.Store.Path,
		"hash", hasher.Algorithm(), "records", a.log.Len(),
		"broadcast_policy", a.hub.Policy().String(), "sinks", a.dispatcher.Sinks())
	return a, nil
}

// close drains the write path and releases the store.
func (a *app) close(ctx context.Context) {
	a.hub.Close()
	a.coord.Close()
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("sink queues not drained", "error", err)
	}
	if err := a.log.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

// run serves until ctx is cancelled. ln may be nil, in which case cfg.Addr
// is used.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := build(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(a.api.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	// Live feeds never go idle on their own.
	httpSrv.RegisterOnShutdown(a.hub.Close)

	if ln == nil {
		ln, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			a.close(context.Background())
			return fmt.Errorf("listen: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled() {
			logger.Info("listening", "addr", ln.Addr().String(), "tls", true)
			err = httpSrv.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.Info("listening", "addr", ln.Addr().String(), "tls", false)
			err = httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	a.close(shutdownCtx)
	logger.Info("server stopped")
	return serveErr
}
