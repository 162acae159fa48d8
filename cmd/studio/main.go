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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marqly/studio/internal/app/migrate"
	httpx "github.com/marqly/studio/internal/http"
	"github.com/marqly/studio/internal/repository/postgres"
	"github.com/marqly/studio/internal/service/deploy"
	"github.com/marqly/studio/internal/service/files"
	"github.com/marqly/studio/internal/service/suggest"
	"github.com/marqly/studio/internal/ws"
	"github.com/marqly/studio/pkg/config"
	"github.com/marqly/studio/pkg/logger"
)

func main() {
	cfg := config.LoadStudioConfig()

	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("studio-api", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.StudioConfig, log *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return err
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if err := runner.Ensure(ctx); err != nil {
		return err
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	filesSvc := files.New(repo, log)
	deploySvc := deploy.New(repo, hub, log, cfg)
	suggestSvc := suggest.New(cfg, log)

	var limiter httpx.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
			limiter = httpx.NewMemoryRateLimiter()
		}
	} else {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, filesSvc, deploySvc, suggestSvc, hub, limiter, cfg.JWTSecret, cfg.BuilderAuthToken, runner.Ping)
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("workspace api listening", "addr", cfg.Addr, "env", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
