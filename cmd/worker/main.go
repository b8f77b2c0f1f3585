// cmd/worker runs a standalone Dispatcher + Worker Pool process with no
// HTTP surface, for horizontal scaling: spec.md's Non-goals note that
// scaling execution capacity is achieved by running more of these
// processes against the same Postgres/Redis backends, rather than by
// any dynamic work-stealing protocol between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rezkam/jobqueue/internal/config"
	"github.com/rezkam/jobqueue/internal/deadletter"
	"github.com/rezkam/jobqueue/internal/dependency"
	"github.com/rezkam/jobqueue/internal/dispatcher"
	"github.com/rezkam/jobqueue/internal/eventbus"
	"github.com/rezkam/jobqueue/internal/handlers"
	"github.com/rezkam/jobqueue/internal/queue"
	"github.com/rezkam/jobqueue/internal/store/postgres"
	"github.com/rezkam/jobqueue/internal/workerpool"
	"github.com/rezkam/jobqueue/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("jobqueue-worker-%s-%d", hostname, os.Getpid())
	}

	slog.InfoContext(ctx, "starting jobqueue worker", "worker_id", workerID)

	st, err := postgres.NewStore(ctx, postgres.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	q := queue.New(rdb)
	if err := q.InitLedger(ctx, cfg.Queue.MaxCPUUnits, cfg.Queue.MaxMemoryMB); err != nil {
		return fmt.Errorf("failed to init resource ledger: %w", err)
	}

	dlq := deadletter.New(rdb)
	bus := eventbus.New()

	registry := workerpool.NewRegistry(handlers.Generic)
	handlers.Register(registry)
	pool := workerpool.New(registry, cfg.Queue.MaxConcurrentJobs, workerID, logger)

	resolver := dependency.New(st, q)

	d := dispatcher.New(st, q, resolver, pool, dlq, bus, cfg.Queue.MaxConcurrentJobs, logger)
	if err := d.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile orphaned jobs: %w", err)
	}

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	slog.InfoContext(ctx, "shutdown signal received, waiting for dispatcher loop to exit")

	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		slog.WarnContext(ctx, "shutdown timed out before dispatcher loop exited")
	}

	return nil
}
