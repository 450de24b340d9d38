package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pulsestream/backend/internal/api"
	"github.com/pulsestream/backend/internal/auth"
	"github.com/pulsestream/backend/internal/config"
	"github.com/pulsestream/backend/internal/database"
	"github.com/pulsestream/backend/internal/ingestion"
	"github.com/pulsestream/backend/internal/multitenancy"
	"github.com/pulsestream/backend/internal/query"
	"github.com/pulsestream/backend/internal/ratelimit"
)

func main() {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := database.Migrate(cfg.Database.URL); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	cache := redis.NewClient(redisOpts)
	defer cache.Close()
	if err := cache.Ping(ctx).Err(); err != nil {
		// The service starts anyway; the limiter degrades and the
		// queue sweeper catches up once the cache returns.
		slog.Warn("redis unreachable at startup", "error", err)
	}

	registry := multitenancy.NewRegistry(store, cfg.TenantCacheTTL())
	limiter := ratelimit.NewRedisLimiter(cache, cfg.RateLimit.FailOpen)
	queue := ingestion.NewRedisQueue(cache)
	validator := ingestion.NewValidator(cfg.Ingestion.MaxPayloadBytes, cfg.ClockSkew(), cfg.RetentionHorizon())
	ingestionSvc := ingestion.NewService(store, limiter, queue, validator, cfg.Ingestion.MaxBatchSize)
	querySvc := query.NewService(store, queue)
	issuer := auth.NewIssuer(cfg.Auth.SecretKey,
		time.Duration(cfg.Auth.AccessTokenExpireMinutes)*time.Minute,
		time.Duration(cfg.Auth.RefreshTokenExpireDays)*24*time.Hour)
	authSvc := auth.NewService(store, issuer)

	server := api.NewServer(cfg, store, cache, registry, ingestionSvc, querySvc, authSvc).HTTPServer()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("pulsestream api starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
