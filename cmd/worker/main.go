package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"prototype-queue/internal/audit"
	"prototype-queue/internal/config"
	"prototype-queue/internal/generator"
	"prototype-queue/internal/queue"
	"prototype-queue/internal/store"
	"prototype-queue/internal/telemetry"
	workerproc "prototype-queue/internal/worker"
)

func main() {
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel, "worker")

	ctx, cancel := context.WithCancel(context.Background())
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

	publisher, err := generator.NewPublisher(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact publisher: %v", err)
	}
	w := workerproc.New(cfg, mgr, generator.NewScaffold(publisher),
		workerproc.WithLogger(logger),
		workerproc.WithID(workerID),
	)

	// The first signal lets the in-flight job finish its bookkeeping; cancel
	// unblocks the dequeue wait and the generator.
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		w.Stop()
		cancel()
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	janitor := queue.NewJanitor(mgr, cfg.CleanupInterval, logger)
	go func() {
		_ = janitor.Run(ctx)
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.String("error", err.Error()))
	}
}
