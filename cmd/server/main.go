package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpapi "github.com/rezkam/jobqueue/internal/api/http"
	"github.com/rezkam/jobqueue/internal/api/http/handler"
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
	cfg, err := config.LoadServerConfig()
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

	tp, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting jobqueue server", "env", cfg.Environment)

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
	slog.InfoContext(ctx, "storage initialized", "url", maskPassword(cfg.Database.URL))

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
	pool := workerpool.New(registry, cfg.Queue.MaxConcurrentJobs, "jobqueue-server", logger)

	resolver := dependency.New(st, q)

	d := dispatcher.New(st, q, resolver, pool, dlq, bus, cfg.Queue.MaxConcurrentJobs, logger)
	if err := d.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile orphaned jobs: %w", err)
	}
	go d.Run(ctx)

	jobsHandler := handler.NewJobHandler(st, q, resolver, dlq, bus, logger)
	adminHandler := handler.NewAdminHandler(st, q, dlq, logger)
	wsHandler := eventbus.NewWebSocketHandler(bus, logger)

	server := httpapi.NewServer(jobsHandler, adminHandler, wsHandler, httpapi.ServerConfig{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
	})

	errResult := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errResult <- fmt.Errorf("failed to serve HTTP: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := newShutdownContext(cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "HTTP server shutdown error", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// newShutdownContext creates a fresh context with timeout for graceful
// shutdown operations. Uses Background() since the main context is
// already cancelled at shutdown time.
func newShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			username := u.User.Username()
			u.User = url.UserPassword(username, "xxxxxx")
		}
	}
	return u.String()
}
