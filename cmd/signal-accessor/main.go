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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/machinedata/signal-accessor/internal/api"
	"github.com/machinedata/signal-accessor/internal/archive"
	"github.com/machinedata/signal-accessor/internal/config"
	"github.com/machinedata/signal-accessor/internal/db"
	"github.com/machinedata/signal-accessor/internal/metrics"
	"github.com/machinedata/signal-accessor/internal/signals"
)

const usage = `usage:
  signal-accessor [serve]           serve the HTTP API
  signal-accessor export [type...]  upload a Parquet snapshot per signal type and exit`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	mode, rest, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := interruptContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connect, err := db.Connector(cfg.DatabaseURL())
	if err != nil {
		slog.Error("invalid database settings", "err", err)
		return 1
	}
	pool, err := db.NewPool(connect, cfg.MaxConns, db.WithAcquireTimeout(cfg.AcquireTimeout))
	if err != nil {
		slog.Error("create connection pool", "err", err)
		return 1
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metrics.RegisterPool(reg, pool.Stat)

	switch mode {
	case "export":
		return runExport(ctx, cfg, pool, m, rest)
	default:
		return serve(ctx, cfg, pool, m, reg)
	}
}

func parseArgs(args []string) (mode string, rest []string, err error) {
	if len(args) == 0 {
		return "serve", nil, nil
	}
	switch args[0] {
	case "serve":
		if len(args) > 1 {
			return "", nil, fmt.Errorf("serve takes no arguments, got %q", strings.Join(args[1:], " "))
		}
		return "serve", nil, nil
	case "export":
		return "export", args[1:], nil
	}
	return "", nil, fmt.Errorf("unknown command %q", args[0])
}

func serve(ctx context.Context, cfg *config.Config, pool *db.Pool, m *metrics.Metrics, reg *prometheus.Registry) int {
	svc := signals.NewService(pool,
		signals.WithQueryTimeout(cfg.QueryTimeout),
		signals.WithObserver(m),
	)
	router := api.NewHandler(svc, reg, slog.Default()).Routes()

	slog.Info("starting signal accessor",
		"listen", cfg.ListenAddr(),
		"database", cfg.RedactedDatabaseURL(),
		"max_conns", cfg.MaxConns,
		"acquire_timeout", cfg.AcquireTimeout,
		"query_timeout", cfg.QueryTimeout,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		slog.Error("bind listener", "addr", cfg.ListenAddr(), "err", err)
		return 1
	}

	code := serveListener(ctx, ln, router)
	slog.Info("server stopped, closing connections", "open", pool.Stat().Total)
	return code
}

// serveListener serves handler on ln until ctx is done, then waits for
// in-flight requests without a deadline. A listener that fails on its own
// also ends serving normally.
func serveListener(ctx context.Context, ln net.Listener, handler http.Handler) int {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown", "err", err)
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("listener stopped", "err", err)
		}
	}
	return 0
}

// interruptContext is done on the first of sigs. Signal capture is released
// right after, so a second interrupt during a slow drain gets the default
// handling and ends the process.
func interruptContext(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, sigs...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

func runExport(ctx context.Context, cfg *config.Config, pool *db.Pool, m *metrics.Metrics, signalTypes []string) int {
	if len(signalTypes) == 0 {
		signalTypes = cfg.Export.SignalTypes
	}

	svc := signals.NewService(pool,
		signals.WithLimit(cfg.Export.Limit),
		signals.WithQueryTimeout(cfg.QueryTimeout),
		signals.WithObserver(m),
	)

	var store archive.ObjectStore
	if client := archive.NewR2Client(cfg.Export); client != nil {
		store = client
	}
	exporter := archive.NewExporter(svc, store, cfg.Export.Bucket, archive.WithObserver(m))

	slog.Info("running export", "types", signalTypes, "bucket", cfg.Export.Bucket, "limit", cfg.Export.Limit)
	if _, err := exporter.Export(ctx, signalTypes); err != nil {
		slog.Error("export failed", "err", err)
		return 1
	}
	return 0
}
