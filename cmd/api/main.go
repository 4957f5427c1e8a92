package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NawfalRAZOUK7/apm-observability/internal/app/migrate"
	httpx "github.com/NawfalRAZOUK7/apm-observability/internal/http"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository/postgres"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/analytics"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
	"github.com/NawfalRAZOUK7/apm-observability/internal/ws"
	"github.com/NawfalRAZOUK7/apm-observability/pkg/config"
	"github.com/NawfalRAZOUK7/apm-observability/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("apm-api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	repo := postgres.New(pool)

	probeCtx, cancelProbe := context.WithTimeout(ctx, cfg.ProbeTimeout)
	caps, err := repo.ProbeCapabilities(probeCtx)
	cancelProbe()
	if err != nil {
		// optimistic: per-query fallback still covers missing rollups
		log.Warn("capability probe failed", "error", err)
		caps = repository.Capabilities{Percentile: true}
	}
	log.Info("store capabilities",
		"server_version", caps.ServerVersion,
		"timescale", caps.Timescale,
		"hourly_rollup", caps.HourlyRollup,
		"daily_rollup", caps.DailyRollup,
		"percentile", caps.Percentile,
	)

	var hub *ws.Hub
	if cfg.LiveFeedEnabled {
		hub = ws.NewHub()
		defer hub.Close()
	}

	analyticsSvc := analytics.New(repo, caps, log, analytics.Config{
		HourlyMaxRange: cfg.AutoHourlyMaxRange,
		QueryTimeout:   cfg.QueryTimeout,
	})
	ingestSvc := ingest.New(repo, hub, log, ingest.Limits{
		MaxEvents: cfg.IngestMaxEvents,
		MaxErrors: cfg.IngestMaxErrors,
		BatchSize: cfg.IngestBatchSize,
	}, cfg.IngestTimeout)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(httpx.RedisOptions{
			Addr:     addr,
			Password: cfg.RateLimitRedisPass,
			DB:       cfg.RateLimitRedisDB,
			Prefix:   cfg.RateLimitPrefix,
		}, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, analyticsSvc, ingestSvc, hub, limiter, repo.Ping, httpx.Config{
		MaxBodyBytes: cfg.IngestMaxBodyBytes,
		RateLimits: httpx.RateLimits{
			Ingest: httpx.RateRule{Limit: cfg.RateLimitIngest, Window: time.Minute},
			Query:  httpx.RateRule{Limit: cfg.RateLimitQuery, Window: time.Minute},
			Stream: httpx.RateRule{Limit: cfg.RateLimitStream, Window: 30 * time.Second},
		},
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
