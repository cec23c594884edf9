// Package config provides the runtime configuration schema and loader for
// toolmesh, plus a decoder for the mcpServers wire file used to describe
// tool servers.
package config

import "time"

// RuntimeConfig is the root configuration structure for the toolmesh host.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type RuntimeConfig struct {
	Server HostConfig  `yaml:"server"`
	Pool   PoolConfig  `yaml:"pool"`
	Queue  QueueConfig `yaml:"queue"`
	Retry  RetryConfig `yaml:"retry"`
}

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// HostConfig holds process-wide settings for the toolmesh host.
type HostConfig struct {
	// ListenAddr is the TCP address the health/metrics HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// PoolConfig holds the per-server connection pool settings. One PoolConfig
// applies to every server; there is no per-server override.
type PoolConfig struct {
	// MinConnections is the number of connections eagerly created for each
	// registered server. Default: 1.
	MinConnections int `yaml:"min_connections"`

	// MaxConnections bounds how many connections a single server's pool may
	// grow to. Default: 4.
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout is how long an idle connection above MinConnections may sit
	// before being closed. Default: 5m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ConnectionTimeout bounds how long Acquire will wait for a connection to
	// become available before failing. Default: 30s.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// HealthCheckInterval is the period between liveness probes of idle
	// connections. Default: 30s.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MaxHealthCheckFailures is how many consecutive failed probes evict a
	// connection. Default: 3.
	MaxHealthCheckFailures int `yaml:"max_health_check_failures"`
}

// QueueConfig configures the inbound [queue.MessageQueue].
type QueueConfig struct {
	// MaxQueueSize rejects further enqueues once reached. Default: 1000.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MinWorkers is the worker pool floor. Default: 2.
	MinWorkers int `yaml:"min_workers"`

	// MaxWorkers is the worker pool ceiling. Default: 16.
	MaxWorkers int `yaml:"max_workers"`

	// WorkerIdleTimeout is how long an idle worker above MinWorkers survives
	// before exiting. Default: 1m.
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout"`

	// DeadLetterMaxRetries is the number of failed processing attempts after
	// which a message is dead-lettered. Default: 3.
	DeadLetterMaxRetries int `yaml:"dead_letter_max_retries"`
}

// RetryConfig configures [toolmanager.Manager]'s single tool-call retry
// policy.
type RetryConfig struct {
	// MaxAttempts including the initial attempt. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first retry's backoff. Default: 100ms.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff. Default: 2s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// JitterFraction adds up to ± this fraction of randomness to each delay.
	// Default: 0.2 (±20%).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// Defaults returns a [RuntimeConfig] with every field the spec names a
// default for, filled in.
func Defaults() RuntimeConfig {
	return RuntimeConfig{
		Server: HostConfig{
			ListenAddr: ":8090",
			LogLevel:   LogLevelInfo,
		},
		Pool: PoolConfig{
			MinConnections:         1,
			MaxConnections:         4,
			IdleTimeout:            5 * time.Minute,
			ConnectionTimeout:      30 * time.Second,
			HealthCheckInterval:    30 * time.Second,
			MaxHealthCheckFailures: 3,
		},
		Queue: QueueConfig{
			MaxQueueSize:         1000,
			MinWorkers:           2,
			MaxWorkers:           16,
			WorkerIdleTimeout:    time.Minute,
			DeadLetterMaxRetries: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      100 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			JitterFraction: 0.2,
		},
	}
}

// applyDefaults fills zero-valued fields of cfg with [Defaults].
func applyDefaults(cfg *RuntimeConfig) {
	d := Defaults()

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = d.Server.LogLevel
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = d.Server.ListenAddr
	}
	if cfg.Pool.MinConnections <= 0 {
		cfg.Pool.MinConnections = d.Pool.MinConnections
	}
	if cfg.Pool.MaxConnections <= 0 {
		cfg.Pool.MaxConnections = d.Pool.MaxConnections
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = d.Pool.IdleTimeout
	}
	if cfg.Pool.ConnectionTimeout <= 0 {
		cfg.Pool.ConnectionTimeout = d.Pool.ConnectionTimeout
	}
	if cfg.Pool.HealthCheckInterval <= 0 {
		cfg.Pool.HealthCheckInterval = d.Pool.HealthCheckInterval
	}
	if cfg.Pool.MaxHealthCheckFailures <= 0 {
		cfg.Pool.MaxHealthCheckFailures = d.Pool.MaxHealthCheckFailures
	}
	if cfg.Queue.MaxQueueSize <= 0 {
		cfg.Queue.MaxQueueSize = d.Queue.MaxQueueSize
	}
	if cfg.Queue.MinWorkers <= 0 {
		cfg.Queue.MinWorkers = d.Queue.MinWorkers
	}
	if cfg.Queue.MaxWorkers <= 0 {
		cfg.Queue.MaxWorkers = d.Queue.MaxWorkers
	}
	if cfg.Queue.WorkerIdleTimeout <= 0 {
		cfg.Queue.WorkerIdleTimeout = d.Queue.WorkerIdleTimeout
	}
	if cfg.Queue.DeadLetterMaxRetries <= 0 {
		cfg.Queue.DeadLetterMaxRetries = d.Queue.DeadLetterMaxRetries
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if cfg.Retry.JitterFraction <= 0 {
		cfg.Retry.JitterFraction = d.Retry.JitterFraction
	}
}
