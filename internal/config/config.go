// Package config loads bulkmail's runtime configuration from a YAML file
// layered with environment variable overrides, the way the teacher's
// config package does for its own (much larger) settings surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting bulkmail's server and worker processes need.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
}

// ServerConfig holds the HTTP façade's listen settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// PostgresConfig holds the durable store's connection settings.
type PostgresConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MigrationsPath  string `yaml:"migrations_path"`
}

// RedisConfig holds the KV/queue/rate-limiter backend's connection settings.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig holds outbound mail relay settings (component B, spec.md §4.B).
type SMTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	AuthProtocol  string `yaml:"auth_protocol"` // plain|login|cram
	TLSType       string `yaml:"tls_type"`      // none|TLS|STARTTLS
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
	MaxConns      int    `yaml:"max_conns"`
}

// RateLimitConfig holds the rolling-hour limiter's operating mode.
type RateLimitConfig struct {
	Strict bool `yaml:"strict"`
}

// QueueConfig holds the delayed-job queue's retry policy.
type QueueConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	LeaseSeconds         int           `yaml:"lease_seconds"`
	BackoffBaseSeconds   int           `yaml:"backoff_base_seconds"`
	BackoffCapSeconds    int           `yaml:"backoff_cap_seconds"`
	RecoverySweepSeconds int           `yaml:"recovery_sweep_seconds"`
}

// LeaseDuration returns LeaseSeconds as a time.Duration.
func (c QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// BackoffBase returns BackoffBaseSeconds as a time.Duration.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns BackoffCapSeconds as a time.Duration.
func (c QueueConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// RecoverySweepInterval returns RecoverySweepSeconds as a time.Duration.
func (c QueueConfig) RecoverySweepInterval() time.Duration {
	return time.Duration(c.RecoverySweepSeconds) * time.Second
}

// WorkerConfig holds the send pool's concurrency tunables.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AggregatorConfig holds the coalescing window for campaign recompute.
type AggregatorConfig struct {
	WindowMillis int `yaml:"window_millis"`
}

// Window returns WindowMillis as a time.Duration.
func (c AggregatorConfig) Window() time.Duration {
	return time.Duration(c.WindowMillis) * time.Millisecond
}

// Load reads a YAML config file from path and applies defaults for any
// zero-valued field bulkmail needs to boot safely.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "migrations"
	}
	if cfg.SMTP.AuthProtocol == "" {
		cfg.SMTP.AuthProtocol = "plain"
	}
	if cfg.SMTP.TLSType == "" {
		cfg.SMTP.TLSType = "STARTTLS"
	}
	if cfg.SMTP.MaxConns == 0 {
		cfg.SMTP.MaxConns = 10
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.LeaseSeconds == 0 {
		cfg.Queue.LeaseSeconds = 60
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 2
	}
	if cfg.Queue.BackoffCapSeconds == 0 {
		cfg.Queue.BackoffCapSeconds = 900
	}
	if cfg.Queue.RecoverySweepSeconds == 0 {
		cfg.Queue.RecoverySweepSeconds = 30
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Aggregator.WindowMillis == 0 {
		cfg.Aggregator.WindowMillis = 250
	}
}

// envOverrides carries the settings most likely to differ between a
// developer's laptop and a deployed environment (credentials and URLs).
// Only fields actually set in the environment are copied onto Config,
// so an unset variable never clobbers a value the YAML file supplied.
type envOverrides struct {
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	Port         int    `env:"PORT"`
}

// LoadFromEnv loads the YAML file at path, then layers environment
// variable overrides on top via struct tags, the way the teacher's own
// config package does for its larger settings surface. It loads a .env
// file first (no error if missing), matching the teacher's
// local-secrets convention.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("config: parse env overrides: %w", err)
	}

	if overrides.DatabaseURL != "" {
		cfg.Postgres.URL = overrides.DatabaseURL
	}
	if overrides.RedisURL != "" {
		cfg.Redis.URL = overrides.RedisURL
	}
	if overrides.SMTPHost != "" {
		cfg.SMTP.Host = overrides.SMTPHost
	}
	if overrides.SMTPPort != 0 {
		cfg.SMTP.Port = overrides.SMTPPort
	}
	if overrides.SMTPUsername != "" {
		cfg.SMTP.Username = overrides.SMTPUsername
	}
	if overrides.SMTPPassword != "" {
		cfg.SMTP.Password = overrides.SMTPPassword
	}
	if overrides.Port != 0 {
		cfg.Server.Port = overrides.Port
	}

	return cfg, nil
}
