package config

import (
	"time"
)

// Config represents the complete application configuration.
// Values are layered: built-in defaults, the user config file, environment
// variables ({PREFIX}{NAME}), then runtime overrides.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Store     StoreConfig               `mapstructure:"store"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Health    HealthConfig              `mapstructure:"health"`
	Debug     DebugConfig               `mapstructure:"debug"`
	Governor  GovernorConfig            `mapstructure:"governor"`
	Queue     QueueConfig               `mapstructure:"queue"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Driver    DriverConfig              `mapstructure:"driver"`
	Cron      CronConfig                `mapstructure:"cron"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Governor state backends.
const (
	BackendMemory = "memory"
	BackendStore  = "store"
	BackendRedis  = "redis"
)

// GovernorConfig selects where per-platform quota state lives.
type GovernorConfig struct {
	// Backend is memory (process-local), store (libsql rate_limits table)
	// or redis (shared across instances).
	Backend string `mapstructure:"backend"`

	// FallbackWindow is assumed when a platform rejects a call without a
	// retry hint.
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
}

// QueueConfig tunes replay of deferred operations.
type QueueConfig struct {
	// ReplayRate caps replayed operations per second per process; 0 disables pacing.
	ReplayRate  float64 `mapstructure:"replay_rate"`
	ReplayBurst int     `mapstructure:"replay_burst"`
}

// SchedulerConfig configures the advisory scheduler and built-in trigger.
type SchedulerConfig struct {
	// Interval runs the publish driver periodically inside serve; 0 disables it.
	Interval    time.Duration `mapstructure:"interval"`
	RetryBuffer time.Duration `mapstructure:"retry_buffer"`
}

// DriverConfig configures the scheduled publish driver.
type DriverConfig struct {
	DeferredWait    time.Duration `mapstructure:"deferred_wait"`
	InteractiveWait time.Duration `mapstructure:"interactive_wait"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BatchLimit      int           `mapstructure:"batch_limit"`
}

// CronConfig guards the externally triggered publish endpoint.
type CronConfig struct {
	Secret string `mapstructure:"secret"`
}

// RedisConfig configures the shared governor state backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// PlatformConfig configures one platform publisher. Header names left empty
// fall back to the platform's known layout.
type PlatformConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	Path            string        `mapstructure:"path"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RemainingHeader string        `mapstructure:"remaining_header"`
	LimitHeader     string        `mapstructure:"limit_header"`
	ResetHeader     string        `mapstructure:"reset_header"`
	ResetStyle      string        `mapstructure:"reset_style"`
	UsageHeader     string        `mapstructure:"usage_header"`
}
