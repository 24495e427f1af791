// Package config handles tag engine service configuration loading and
// validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (TAGENGINE_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	backend: memory
//
//	postgres:
//	  dsn: postgres://localhost:5432/allezon?sslmode=disable
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	ingest:
//	  rate_limit_per_sec: 5000
//
//	secrets:
//	  backend: auto
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects which engine.Engine implementation the service runs.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	Backend  Backend        `yaml:"backend"`
	HTTPAddr string         `yaml:"http_addr"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// PostgresConfig configures the pgengine backend.
type PostgresConfig struct {
	DSN               string `yaml:"dsn"`
	ReplicationFactor int    `yaml:"replication_factor,omitempty"`
}

// RedisConfig configures the ingestbuf write buffer.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// IngestConfig bounds ingestion behavior.
type IngestConfig struct {
	RateLimitPerSec int           `yaml:"rate_limit_per_sec"`
	FlushInterval   time.Duration `yaml:"flush_interval,omitempty"`
	FlushBatchSize  int           `yaml:"flush_batch_size,omitempty"`
}

// SecretsConfig selects how connection secrets (Postgres DSN, Redis URL)
// are resolved. See internal/secretsconfig.
type SecretsConfig struct {
	Backend          string `yaml:"backend"`
	OnePasswordToken string `yaml:"onepassword_token,omitempty"`
	OnePasswordVault string `yaml:"onepassword_vault,omitempty"`
}

// DefaultConfig returns a config with sensible defaults: in-memory
// backend, ingest rate limited to 5000/s, a 2s flush interval.
func DefaultConfig() *Config {
	return &Config{
		Backend:  BackendMemory,
		HTTPAddr: ":8080",
		Postgres: PostgresConfig{
			DSN:               "postgres://localhost:5432/allezon?sslmode=disable",
			ReplicationFactor: 3,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Ingest: IngestConfig{
			RateLimitPerSec: 5000,
			FlushInterval:   2 * time.Second,
			FlushBatchSize:  2000,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unspecified fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required when backend=postgres")
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when backend=postgres")
		}
	default:
		return fmt.Errorf("unknown backend %q, want %q or %q", c.Backend, BackendMemory, BackendPostgres)
	}
	if c.Ingest.RateLimitPerSec <= 0 {
		return fmt.Errorf("ingest.rate_limit_per_sec must be positive")
	}
	return nil
}

// ApplyEnvOverrides applies TAGENGINE_*-prefixed environment variable
// overrides, following the teacher's ICMPMON_*-prefix convention.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TAGENGINE_BACKEND"); v != "" {
		c.Backend = Backend(v)
	}
	if v := os.Getenv("TAGENGINE_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("TAGENGINE_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("TAGENGINE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("TAGENGINE_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
}
