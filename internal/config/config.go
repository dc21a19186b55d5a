// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymux/relaymux/pkg/types"
)

// Config represents the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Forward   ForwardConfig   `yaml:"forward"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig contains shared-cache connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// PostgresConfig contains durable storage connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// SchedulerConfig controls the endpoint health prober.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// BaseInterval is the normal per-endpoint probe interval.
	BaseInterval time.Duration `yaml:"base_interval"`
	// TimeoutOverrideInterval is the short interval used while an endpoint's
	// last probe failed with a timeout and it is not healthy.
	TimeoutOverrideInterval time.Duration `yaml:"timeout_override_interval"`
	// SingleCandidateInterval is the long interval used when a vendor+type
	// has exactly one enabled endpoint.
	SingleCandidateInterval time.Duration `yaml:"single_candidate_interval"`
	// IdlePollCeiling bounds how long an idle scheduler may sleep before
	// re-checking the health store.
	IdlePollCeiling time.Duration `yaml:"idle_poll_ceiling"`

	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	JitterMax        time.Duration `yaml:"jitter_max"`

	LockKey string        `yaml:"lock_key"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// BreakerConfig holds the engine-wide circuit breaker defaults.
// Individual providers may override thresholds in their own settings.
type BreakerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenSuccessCount int           `yaml:"half_open_success_count"`
}

// Defaults returns the breaker settings as provider-level settings.
func (b BreakerConfig) Defaults() types.BreakerSettings {
	return types.BreakerSettings{
		FailureThreshold:     b.FailureThreshold,
		OpenDuration:         b.OpenDuration,
		HalfOpenSuccessCount: b.HalfOpenSuccessCount,
	}
}

// RateLimitConfig defines cost window accounting parameters.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Windows lists the windows checked for every subject with limits.
	Windows []types.Window `yaml:"windows"`
	// KeyLimits are the spend ceilings applied to every tenant key.
	KeyLimits []types.CostLimit `yaml:"key_limits"`
	// LocalFallbackRPS paces requests per subject while the shared cache is
	// unreachable and only advisory local state remains.
	LocalFallbackRPS   float64 `yaml:"local_fallback_rps"`
	LocalFallbackBurst int     `yaml:"local_fallback_burst"`
}

// ForwardConfig contains request dispatch settings.
type ForwardConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	StreamFirstByte  time.Duration `yaml:"stream_first_byte_timeout"`
	StreamIdle       time.Duration `yaml:"stream_idle_timeout"`
	StreamTotal      time.Duration `yaml:"stream_total_timeout"`
	MaxInspectedBody int64         `yaml:"max_inspected_body_bytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
		},
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "relaymux",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			BaseInterval:            60 * time.Second,
			TimeoutOverrideInterval: 10 * time.Second,
			SingleCandidateInterval: 10 * time.Minute,
			IdlePollCeiling:         5 * time.Minute,
			ProbeTimeout:            10 * time.Second,
			ProbeConcurrency:        8,
			JitterMax:               3 * time.Second,
			LockKey:                 "locks:endpoint-probe-scheduler",
			LockTTL:                 30 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:              true,
			FailureThreshold:     5,
			OpenDuration:         30 * time.Second,
			HalfOpenSuccessCount: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Windows: []types.Window{
				{Kind: types.WindowFiveHour, Mode: types.ResetRolling},
				{Kind: types.WindowDaily, Mode: types.ResetFixed},
			},
			LocalFallbackRPS:   10,
			LocalFallbackBurst: 20,
		},
		Forward: ForwardConfig{
			MaxRetries:       3,
			RequestTimeout:   120 * time.Second,
			StreamFirstByte:  30 * time.Second,
			StreamIdle:       60 * time.Second,
			StreamTotal:      10 * time.Minute,
			MaxInspectedBody: 10 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	s := c.Scheduler
	if s.BaseInterval <= 0 {
		return fmt.Errorf("scheduler.base_interval must be positive")
	}
	if s.TimeoutOverrideInterval <= 0 {
		return fmt.Errorf("scheduler.timeout_override_interval must be positive")
	}
	if s.SingleCandidateInterval < s.BaseInterval {
		return fmt.Errorf("scheduler.single_candidate_interval must not be shorter than base_interval")
	}
	if s.ProbeConcurrency <= 0 {
		return fmt.Errorf("scheduler.probe_concurrency must be positive")
	}
	if s.JitterMax < 0 {
		return fmt.Errorf("scheduler.jitter_max cannot be negative")
	}
	if s.LockTTL <= 0 {
		return fmt.Errorf("scheduler.lock_ttl must be positive")
	}
	if s.LockKey == "" {
		return fmt.Errorf("scheduler.lock_key is required")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("breaker.failure_threshold must be positive")
		}
		if c.Breaker.OpenDuration <= 0 {
			return fmt.Errorf("breaker.open_duration must be positive")
		}
		if c.Breaker.HalfOpenSuccessCount <= 0 {
			return fmt.Errorf("breaker.half_open_success_count must be positive")
		}
	}

	for i, w := range c.RateLimit.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("rate_limit.windows[%d]: %w", i, err)
		}
	}
	for i, kl := range c.RateLimit.KeyLimits {
		if err := kl.Window.Validate(); err != nil {
			return fmt.Errorf("rate_limit.key_limits[%d]: %w", i, err)
		}
		if kl.Limit <= 0 {
			return fmt.Errorf("rate_limit.key_limits[%d]: limit must be positive", i)
		}
	}

	if c.Forward.MaxRetries < 0 {
		return fmt.Errorf("forward.max_retries cannot be negative")
	}

	return nil
}
