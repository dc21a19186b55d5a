// Package main is the entry point for the relaymux routing engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaymux/relaymux/internal/api"
	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/bus"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/forwarder"
	"github.com/relaymux/relaymux/internal/health"
	"github.com/relaymux/relaymux/internal/lock"
	"github.com/relaymux/relaymux/internal/observability"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/selector"
	"github.com/relaymux/relaymux/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootstrapLogger := observability.NewLogger(observability.LoggerConfig{JSONFormat: true})
	slog.SetDefault(bootstrapLogger)

	cfgManager, err := config.NewManager(*configPath, bootstrapLogger)
	if err != nil {
		bootstrapLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)
	logger.Info("starting relaymux", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Shared cache. The engine keeps running in degraded mode when it is
	// unreachable, so a failed ping is a warning, not a startup failure.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("shared cache unreachable at startup, running degraded", "error", err)
	}

	st, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	invalidations := bus.NewRedisBus(rdb, bus.DefaultChannel, logger)
	defer func() { _ = invalidations.Close() }()
	providers := store.NewCachedProviderStore(st, time.Minute, invalidations)

	breakers := breaker.NewRegistry(cfg.Breaker.Enabled, cfg.Breaker.Defaults(), logger)
	sel := selector.New(st, breakers)

	var limiter *ratelimit.CostLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewCostLimiter(rdb, st, cfg.RateLimit.Windows, logger,
			ratelimit.WithLocalFallback(cfg.RateLimit.LocalFallbackRPS, cfg.RateLimit.LocalFallbackBurst))
	}

	if cfg.Scheduler.Enabled {
		locks := lock.NewClient(rdb, logger)
		prober := health.NewHTTPProber(cfg.Scheduler.ProbeTimeout, logger)
		scheduler := health.NewSchedulerService(cfg.Scheduler, locks, st, prober, breakers, logger)
		scheduler.Start(ctx)
	}

	fwd := forwarder.New(cfg.Forward, providers, st, sel, breakers, limiter, logger)
	handler := api.NewHandler(fwd, st, cfg.RateLimit.KeyLimits, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", handler.Health)
	mux.HandleFunc("GET /health/ready", handler.Health)
	mux.HandleFunc("POST /v1/relay", handler.Relay)
	mux.HandleFunc("GET /v1/requests/{id}/attempts", handler.Chain)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	_ = cfgManager.Close()
	logger.Info("stopped")
}

// engineStore is the full persistence surface the daemon wires together.
type engineStore interface {
	store.ProviderStore
	store.EndpointStore
	store.AttemptStore
	store.RateEventStore
}

// openStore connects to Postgres when configured, falling back to process
// memory for single-instance deployments.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engineStore, func()) {
	if cfg.Postgres.Host == "" {
		logger.Info("no durable storage configured, using in-memory store")
		return store.NewMemoryStore(), func() {}
	}

	pg, err := store.NewPostgresStore(&store.PostgresConfig{
		Host:         cfg.Postgres.Host,
		Port:         cfg.Postgres.Port,
		User:         cfg.Postgres.User,
		Password:     cfg.Postgres.Password,
		Database:     cfg.Postgres.Database,
		SSLMode:      cfg.Postgres.SSLMode,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
		ConnLifetime: cfg.Postgres.ConnLifetime,
	})
	if err != nil {
		logger.Error("durable storage unavailable", "error", err)
		os.Exit(1)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}
	return pg, func() { _ = pg.Close() }
}
