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

	api "latency-correlations/internal/api"
	"latency-correlations/internal/archive"
	"latency-correlations/internal/backend"
	"latency-correlations/internal/config"
	"latency-correlations/internal/logger"
	"latency-correlations/internal/mirror"
	"latency-correlations/internal/ratelimit"
	"latency-correlations/internal/session"
	"latency-correlations/internal/store"
	"latency-correlations/internal/telemetry"
	"latency-correlations/internal/worker"
)

func main() {
	cfg := config.Load()
	log, closeLog := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closeLog()

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TraceStdout {
		shutdown, err := telemetry.InitTracing(ctx, "correlations-api", os.Stdout)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	opts := session.Options{
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
		StaleAfter:    cfg.SessionStaleAfter,
		Auditor:       st,
	}

	redisClient := mirror.NewClient(cfg)
	defer redisClient.Close()
	if cfg.MirrorEnabled {
		opts.Mirror = mirror.NewRedisMirror(redisClient, cfg.MirrorPrefix, cfg.SessionIdleTimeout)
	}
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	arch, err := archive.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if arch != nil {
		opts.Archiver = arch
	}

	registry := session.NewRegistry(st, worker.Options{
		Policy: backend.ExclusionPolicy{
			Exclude:         cfg.FieldExclude,
			ExcludePrefixes: cfg.FieldExcludePrefixes,
			Include:         cfg.FieldInclude,
			SampleSize:      cfg.FieldCandidateSampleSize,
		},
		TopK:            cfg.FieldValuesTopK,
		HistogramSteps:  cfg.HistogramSteps,
		PairConcurrency: cfg.PairConcurrency,
	}, opts, log)
	go registry.Run(ctx)

	server := api.New(registry, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Warn("jobs still running at shutdown", "error", err)
	}
	return nil
}
