// Package config loads process configuration from environment variables
// using the reflection-based loader in internal/env, applying the
// defaults named in spec.md §6 for any field left unset.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/jobqueue/internal/env"
)

// DatabaseConfig configures the Postgres connection pool backing the
// State Store.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"`
}

func (c *DatabaseConfig) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

func (c *DatabaseConfig) Validate() error {
	c.applyDefaults()
	if c.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

// RedisConfig configures the shared in-memory store backing the Ready
// Queue, Resource Ledger, and Dead-Letter Sink (spec §6 "redis_url").
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	return nil
}

// QueueConfig holds the Resource Ledger maxima and dispatcher
// concurrency bound, spec §6's max_concurrent_jobs / max_cpu_units /
// max_memory_mb.
type QueueConfig struct {
	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS"`
	MaxCPUUnits       int `env:"MAX_CPU_UNITS"`
	MaxMemoryMB       int `env:"MAX_MEMORY_MB"`
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 10
	}
	if c.MaxCPUUnits <= 0 {
		c.MaxCPUUnits = 8
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 4096
	}
}

func (c *QueueConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// RetryConfig loads the default job timeout and retry policy settings.
// cmd/server and cmd/worker do not read these values: a JobSpec that
// omits them gets the fixed defaults of domain.JobSpec.Normalize (3600s,
// 3 attempts, multiplier 2.0), whatever these variables are set to.
type RetryConfig struct {
	DefaultJobTimeout      time.Duration `env:"DEFAULT_JOB_TIMEOUT"`
	MaxRetryAttempts       int           `env:"MAX_RETRY_ATTEMPTS"`
	RetryBackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER"`
}

func (c *RetryConfig) applyDefaults() {
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = 3600 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBackoffMultiplier <= 0 {
		c.RetryBackoffMultiplier = 2.0
	}
}

func (c *RetryConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// ObservabilityConfig toggles OpenTelemetry export. When OTelEnabled is
// false, pkg/observability falls back to a no-op provider and a plain
// stdout JSON logger.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"OTEL_ENABLED"`
	ServiceName string `env:"OTEL_SERVICE_NAME"`
}

func (c *ObservabilityConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "jobqueue"
	}
}

func (c *ObservabilityConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// HTTPConfig configures the admission/admin API and event stream server.
type HTTPConfig struct {
	Host              string        `env:"HTTP_HOST"`
	Port              string        `env:"HTTP_PORT"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT"`
	MaxBodyBytes      int64         `env:"HTTP_MAX_BODY_BYTES"`
}

func (c *HTTPConfig) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

func (c *HTTPConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// ServerConfig is the top-level configuration for cmd/server: it runs
// the Dispatcher, Worker Pool, and the HTTP/WS surface in one process.
type ServerConfig struct {
	Environment     string `env:"ENVIRONMENT"`
	Debug           bool   `env:"DEBUG"`
	LogLevel        string `env:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`

	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Retry         RetryConfig
	HTTP          HTTPConfig
	Observability ObservabilityConfig
}

func (c *ServerConfig) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// LoadServerConfig loads and validates configuration for cmd/server.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	return cfg, nil
}

// WorkerConfig is the top-level configuration for cmd/worker: a
// process without the HTTP/WS surface that runs its own Dispatcher and
// Worker Pool against the shared Postgres/Redis, popping from the same
// Ready Queue as cmd/server, for horizontal scaling (spec §9 Non-goals:
// "horizontal scaling is via multiple worker processes").
type WorkerConfig struct {
	LogLevel        string `env:"LOG_LEVEL"`
	WorkerID        string `env:"WORKER_ID"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`

	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Retry         RetryConfig
	Observability ObservabilityConfig
}

func (c *WorkerConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *WorkerConfig) Validate() error {
	c.applyDefaults()
	return nil
}

// LoadWorkerConfig loads and validates configuration for cmd/worker.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}
	return cfg, nil
}
