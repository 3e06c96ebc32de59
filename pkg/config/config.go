// Package config provides the unified configuration system for Kaspero.
// A single Config structure is constructed once at process start and
// passed by reference into each component's constructor — there is no
// hidden global state.
//
// The configuration is organized into logical sections:
//   - Storage: relational store connection and behavior
//   - RateLimit: per-source admission control and backoff
//   - Drift: schema-drift detection thresholds
//   - Sources: the three extraction channels
//   - Orchestrator: sequencing and failure policy
//   - Logging: structured log output
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for the ingestion pipeline.
type Config struct {
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	Drift        DriftConfig        `yaml:"drift" json:"drift"`
	Sources      SourcesConfig      `yaml:"sources" json:"sources"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// StorageConfig configures the backing relational store.
type StorageConfig struct {
	// Driver selects the store implementation: "postgres" or "memory"
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the Postgres connection string (supports ${ENV} substitution)
	DSN string `yaml:"dsn" json:"dsn"`
	// MaxConns caps each extractor's dedicated pool
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`
	// ConnectTimeout bounds initial connection establishment
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// RateLimitConfig configures the per-source rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sliding 60-second window budget
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// MaxRetries is the failure budget before RateLimit errors surface
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// BackoffBase is the exponent base for backoff_base^retry_count
	BackoffBase float64 `yaml:"backoff_base" json:"backoff_base"`
}

// DriftConfig configures schema-drift detection.
type DriftConfig struct {
	// Enabled toggles detection during extraction
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ConfidenceThreshold is the fuzzy-match cutoff separating renames
	// from genuinely new/missing fields. Heuristic, deliberately
	// configurable.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	// SampleValueLimit truncates stored sample values
	SampleValueLimit int `yaml:"sample_value_limit" json:"sample_value_limit"`
}

// SourcesConfig holds the per-channel source settings.
type SourcesConfig struct {
	API  APISourceConfig  `yaml:"api" json:"api"`
	File FileSourceConfig `yaml:"file" json:"file"`
	Feed FeedSourceConfig `yaml:"feed" json:"feed"`
}

// APISourceConfig configures the paginated REST API source.
type APISourceConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	// MaxEntries caps how many ranked entries get detail fetches
	MaxEntries int      `yaml:"max_entries" json:"max_entries"`
	Timeout    Duration `yaml:"timeout" json:"timeout"`
}

// FileSourceConfig configures the flat-file source.
type FileSourceConfig struct {
	// Paths lists the CSV files to ingest
	Paths []string `yaml:"paths" json:"paths"`
}

// FeedSourceConfig configures the syndication feed source.
type FeedSourceConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// OrchestratorConfig configures extractor sequencing.
type OrchestratorConfig struct {
	// Parallel runs extractors on a bounded worker pool
	Parallel bool `yaml:"parallel" json:"parallel"`
	// MaxWorkers bounds the pool in parallel mode
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	// FailOnError propagates the first extractor failure instead of
	// recording a structured failure result
	FailOnError bool `yaml:"fail_on_error" json:"fail_on_error"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// New returns a Config populated with defaults. Callers override
// fields and then Validate.
func New() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:         "postgres",
			MaxConns:       4,
			ConnectTimeout: Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			MaxRetries:        5,
			BackoffBase:       2.0,
		},
		Drift: DriftConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.8,
			SampleValueLimit:    200,
		},
		Sources: SourcesConfig{
			API: APISourceConfig{
				BaseURL:    "https://api.coinpaprika.com/v1",
				MaxEntries: 100,
				Timeout:    Duration(30 * time.Second),
			},
			Feed: FeedSourceConfig{
				Timeout: Duration(30 * time.Second),
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxWorkers: 3,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}
	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("rate_limit.max_retries must not be negative")
	}
	if c.RateLimit.BackoffBase <= 1.0 {
		return fmt.Errorf("rate_limit.backoff_base must be greater than 1.0")
	}

	if c.Drift.ConfidenceThreshold < 0 || c.Drift.ConfidenceThreshold > 1 {
		return fmt.Errorf("drift.confidence_threshold must be in [0, 1]")
	}
	if c.Drift.SampleValueLimit <= 0 {
		return fmt.Errorf("drift.sample_value_limit must be positive")
	}

	if c.Orchestrator.Parallel && c.Orchestrator.MaxWorkers <= 0 {
		return fmt.Errorf("orchestrator.max_workers must be positive in parallel mode")
	}

	return nil
}
