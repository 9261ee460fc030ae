package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "prototype-queue/internal/api"
	"prototype-queue/internal/audit"
	"prototype-queue/internal/config"
	"prototype-queue/internal/queue"
	"prototype-queue/internal/ratelimit"
	"prototype-queue/internal/store"
	"prototype-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := store.New(cfg)
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	opts := []queue.Option{queue.WithLogger(logger)}
	if cfg.PostgresDSN != "" {
		pg, err := audit.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		opts = append(opts, queue.WithRecorder(pg))
	}
	mgr := queue.NewManager(st, cfg, opts...)

	limiter := ratelimit.NewTokenBucket(st.Client(), cfg.KeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(mgr, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", slog.String("addr", httpServer.Addr), slog.String("queue", mgr.QueueName()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
