package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/recall-proxy/recall/internal/config"
	"github.com/recall-proxy/recall/internal/engine"
	"github.com/recall-proxy/recall/internal/journal"
	"github.com/recall-proxy/recall/internal/server"
	"github.com/recall-proxy/recall/internal/storage/sqlite"
	"github.com/recall-proxy/recall/internal/store"
	"github.com/recall-proxy/recall/internal/telemetry"
	"github.com/recall-proxy/recall/internal/upstream"
	"github.com/recall-proxy/recall/internal/worker"
)

func run(cfg *config.Config, quiet bool) error {
	setupLogging(cfg.Verbose, quiet)

	slog.Info("starting recall", "version", version,
		"addr", cfg.Server.Addr(), "upstream", cfg.Upstream.URL)

	// Cache directory and journal
	cacheDir, err := resolveCacheDir(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	if cfg.Cache.Fresh {
		if err := journal.Remove(cacheDir); err != nil {
			return err
		}
		slog.Info("discarded existing cache", "dir", cacheDir)
	}

	jl, err := journal.Open(cacheDir)
	if err != nil {
		return err
	}

	st := store.New()
	eng := engine.New(st, jl)

	if err := journal.Load(cacheDir, eng.Load); err != nil {
		return err
	}
	slog.Info("cache loaded", "keys", st.Keys(), "completions", st.Total(), "file", jl.Path())

	// Telemetry
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}

	// Optional usage log
	var usageDB *sqlite.Store
	var recorder *worker.UsageRecorder
	if cfg.Usage.DSN != "" {
		usageDB, err = sqlite.New(cfg.Usage.DSN)
		if err != nil {
			return err
		}
		defer usageDB.Close()
		var queue worker.Gauge
		if metrics != nil {
			queue = metrics.UsageQueueLength
		}
		recorder = worker.NewUsageRecorder(usageDB, queue)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Upstream client with a preflight probe. An unreachable engine at
	// startup is worth a warning, not a refusal: it may come up later.
	resolver := &dnscache.Resolver{}
	client := upstream.New(cfg.Upstream.URL, cfg.Upstream.Timeout, resolver)
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Health(probeCtx); err != nil {
		slog.Warn("upstream not reachable yet", "url", cfg.Upstream.URL, "error", err)
	}
	cancelProbe()

	// HTTP server
	handler := server.New(server.Deps{
		Engine:   eng,
		Upstream: client,
		CacheDir: cacheDir,
		Usage:    usageRecorder(recorder),
		UsageDB:  usageQuerier(usageDB),
		Metrics:  metrics,
		MetricsG: gatherer,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers: journal writer, plus the usage recorder when
	// the usage log is enabled.
	workers := []worker.Worker{jl}
	if recorder != nil {
		workers = append(workers, recorder)
	}
	runner := worker.NewRunner(workers...)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("recall ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		cancelWorkers()
		<-workerDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown failed", "error", err)
	}

	// Stop the workers after the listener drains so in-flight requests
	// can still enqueue journal records; the journal flushes its queue
	// before exiting.
	cancelWorkers()
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("recall stopped")
	return nil
}

func setupLogging(verbose, quiet bool) {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelWarn
	case verbose:
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// resolveCacheDir defaults an empty dir to ~/.recall_cache.
func resolveCacheDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".recall_cache"), nil
}

// usageRecorder converts a possibly-nil concrete recorder into the
// server's interface without producing a non-nil interface holding a
// nil pointer.
func usageRecorder(r *worker.UsageRecorder) server.UsageRecorder {
	if r == nil {
		return nil
	}
	return r
}

func usageQuerier(db *sqlite.Store) server.UsageQuerier {
	if db == nil {
		return nil
	}
	return db
}
