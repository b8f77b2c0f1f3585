// Package http wires the Admission API and admin surface into a
// chi.Router and net/http.Server, adapted from the teacher's
// internal/infrastructure/http/server.go. The teacher mounts its API
// behind an auth.Authenticator middleware; this spec defines no
// authentication requirement (confirmed absent from spec.md/SPEC_FULL.md),
// so that middleware is dropped entirely rather than carried forward
// speculatively.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rezkam/jobqueue/internal/api/http/handler"
	mw "github.com/rezkam/jobqueue/internal/api/http/middleware"
	"github.com/rezkam/jobqueue/internal/eventbus"
)

const (
	DefaultHost              = ""
	DefaultPort              = "8080"
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultMaxBodyBytes      = 1 << 20
)

// ServerConfig holds configuration for the HTTP server and router.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Server wraps the HTTP server with its router and all HTTP concerns.
type Server struct {
	server *http.Server
}

// NewServer builds the full router (Admission API, admin surface,
// real-time stream) and wraps it in an http.Server.
func NewServer(jobs *handler.JobHandler, admin *handler.AdminHandler, ws *eventbus.WebSocketHandler, cfg ServerConfig) *Server {
	cfg.applyDefaults()

	router := setupRouter(jobs, admin, ws, cfg)
	httpServer := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	return &Server{server: httpServer}
}

func setupRouter(jobs *handler.JobHandler, admin *handler.AdminHandler, ws *eventbus.WebSocketHandler, cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(mw.MaxBodyBytes(cfg.MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.ErrorContext(r.Context(), "failed to write health check response", "error", err)
		}
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", jobs.Create)
		r.Get("/", jobs.List)
		r.Get("/stream", ws.ServeHTTP)
		r.Get("/{id}", jobs.Get)
		r.Patch("/{id}/cancel", jobs.Cancel)
		r.Get("/{id}/logs", jobs.Logs)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", admin.Health)
		r.Get("/metrics", admin.Metrics)
		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", admin.ListDeadLetters)
			r.Get("/recent", admin.RecentDeadLetters)
			r.Get("/stats", admin.DeadLetterStats)
			r.Delete("/", admin.ClearDeadLetters)
			r.Post("/{jobId}/retry", admin.RetryDeadLetter)
		})
	})

	return r
}

func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
