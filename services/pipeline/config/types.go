// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Personal Pipeline YAML
// configuration.
//
// The configuration tree mirrors the service layout: a server block, a
// cache block, circuit breaker defaults, and one SourceConfig per
// documentation backend. Credentials never live in the file itself;
// sources reference environment variables and the loader seals the
// resolved values in locked memory (see credentials.go).
//
// # Precedence
//
// Values resolve in this order, later wins:
//  1. compiled defaults (Default)
//  2. the YAML file
//  3. environment overrides (LOG_LEVEL, REDIS_URL)
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate is the validator instance for configuration types.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// =============================================================================
// Duration
// =============================================================================

// Duration wraps time.Duration so YAML can express values as "30s" or
// "5m". Bare integers are accepted as seconds for compatibility with
// configs that predate the string form.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the canonical duration text, e.g. "1m30s".
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML decodes either a duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or an integer second count")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML emits the string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// =============================================================================
// Top-level Configuration
// =============================================================================

// Config is the root of the configuration tree.
type Config struct {
	// SchemaVersion is the config schema version. The loader accepts any
	// version with the same major component as the binary.
	SchemaVersion string `yaml:"schema_version" validate:"required"`

	Server         ServerConfig        `yaml:"server"`
	Cache          CacheConfig         `yaml:"cache"`
	CircuitBreaker BreakerConfig       `yaml:"circuit_breaker"`
	Sources        []SourceConfig      `yaml:"sources" validate:"dive"`
	Semantic       SemanticConfig      `yaml:"semantic"`
	Feedback       FeedbackConfig      `yaml:"feedback"`
	Analytics      AnalyticsConfig     `yaml:"analytics"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the HTTP listener and global request limits.
type ServerConfig struct {
	// Host is the bind address. Default: 0.0.0.0.
	Host string `yaml:"host"`

	// Port is the HTTP server port. Default: 12250.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// LogLevel is one of debug, info, warn, error. LOG_LEVEL overrides it.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogDir, when set, enables a daily JSON log file in addition to stderr.
	LogDir string `yaml:"log_dir"`

	// GinMode sets the HTTP framework mode: debug, release, or test.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// MaxConcurrentRequests bounds in-flight external queries globally.
	// Requests beyond the bound fail fast with Overloaded. Default: 64.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" validate:"gte=1"`

	// RequestTimeout is the outer bound on any single request. Default: 30s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// HealthCheckInterval drives the background health poller. Default: 30s.
	HealthCheckInterval Duration `yaml:"health_check_interval"`

	// ShutdownGrace is how long in-flight requests get to finish once a
	// termination signal arrives. Default: 10s.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// CORSOrigins lists the origins allowed to call the API from a
	// browser. Empty means no CORS headers are emitted.
	CORSOrigins []string `yaml:"cors_origins"`
}

// =============================================================================
// Cache Configuration
// =============================================================================

// CacheConfig controls the two-tier cache.
type CacheConfig struct {
	// Enabled turns caching off entirely when false.
	Enabled bool `yaml:"enabled"`

	// Strategy selects the tier arrangement.
	Strategy string `yaml:"strategy" validate:"oneof=memory_only distributed_only hybrid"`

	Memory      MemoryCacheConfig      `yaml:"memory"`
	Distributed DistributedCacheConfig `yaml:"distributed"`

	// ContentTypes maps a content type (runbooks, procedures,
	// decision_trees, knowledge_base, web_response) to its TTL policy.
	// Absent types use the memory tier's default TTL.
	ContentTypes map[string]ContentTypePolicy `yaml:"content_types"`

	// WarmupDelay is how long after startup the cache warmers run.
	// Default: 5s.
	WarmupDelay Duration `yaml:"warmup_delay"`
}

// MemoryCacheConfig tunes the in-process L1 tier.
type MemoryCacheConfig struct {
	// MaxKeys caps L1 entries; least recently used entries evict first.
	// Default: 1000.
	MaxKeys int `yaml:"max_keys" validate:"gte=1"`

	// TTL is the default entry lifetime. Default: 1h.
	TTL Duration `yaml:"ttl"`

	// CheckPeriod is how often expired entries are swept. Default: 10m.
	CheckPeriod Duration `yaml:"check_period"`
}

// DistributedCacheConfig tunes the L2 tier (Redis).
type DistributedCacheConfig struct {
	// Enabled gates the tier independently from the strategy so that a
	// hybrid deployment can run memory-only while Redis is provisioned.
	Enabled bool `yaml:"enabled"`

	// URL is the Redis connection URL. REDIS_URL overrides it.
	URL string `yaml:"url"`

	// TTL is the default entry lifetime in L2. Default: 2h.
	TTL Duration `yaml:"ttl"`

	// KeyPrefix namespaces this deployment's keys. Default: "pp:cache:".
	KeyPrefix string `yaml:"key_prefix"`

	// ConnectionTimeout bounds dial and per-command time. Default: 5s.
	ConnectionTimeout Duration `yaml:"connection_timeout"`

	// RetryAttempts, RetryDelay, MaxRetryDelay and BackoffMultiplier
	// shape the reconnect loop after a lost connection.
	RetryAttempts        int      `yaml:"retry_attempts" validate:"gte=0,lte=10"`
	RetryDelay           Duration `yaml:"retry_delay"`
	MaxRetryDelay        Duration `yaml:"max_retry_delay"`
	BackoffMultiplier    float64  `yaml:"backoff_multiplier" validate:"gte=1"`
	ConnectionRetryLimit int      `yaml:"connection_retry_limit" validate:"gte=0"`
}

// ContentTypePolicy is the per-content-type cache policy.
type ContentTypePolicy struct {
	TTL    Duration `yaml:"ttl"`
	Warmup bool     `yaml:"warmup"`
}

// =============================================================================
// Circuit Breaker Defaults
// =============================================================================

// BreakerConfig holds the process-wide circuit breaker defaults. Values
// follow the resilience tuning shipped with the service; most
// deployments never change them.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	MonitoringWindow Duration `yaml:"monitoring_window"`
	SuccessThreshold int      `yaml:"success_threshold" validate:"gte=1"`
	OperationTimeout Duration `yaml:"operation_timeout"`
}

// =============================================================================
// Source Configuration
// =============================================================================

// SourceConfig declares one documentation backend.
//
// # Fields
//
// Name is unique across the process and immutable after the adapter is
// created. Kind selects the adapter factory. Priority orders sources in
// ranking tie-breaks: lower value wins. Settings carries the
// kind-specific block, decoded by the adapter via DecodeSettings.
type SourceConfig struct {
	Name            string     `yaml:"name" validate:"required,max=128"`
	Kind            string     `yaml:"kind" validate:"required,oneof=file git_host wiki database web"`
	Priority        int        `yaml:"priority" validate:"gte=0"`
	Enabled         bool       `yaml:"enabled"`
	RefreshInterval Duration   `yaml:"refresh_interval"`
	Timeout         Duration   `yaml:"timeout"`
	MaxRetries      int        `yaml:"max_retries" validate:"gte=0,lte=10"`
	Auth            AuthConfig `yaml:"auth"`

	// Settings holds the raw kind-specific YAML block.
	Settings yaml.Node `yaml:"settings" validate:"-"`
}

// DecodeSettings decodes the kind-specific settings block into out.
//
// # Example
//
//	var fs config.FileSettings
//	if err := src.DecodeSettings(&fs); err != nil { ... }
func (s *SourceConfig) DecodeSettings(out any) error {
	if s.Settings.IsZero() {
		return nil
	}
	return s.Settings.Decode(out)
}

// =============================================================================
// Optional Subsystems
// =============================================================================

// SemanticConfig enables the optional vector search layer. When disabled
// the ranker scores documents on match strength alone.
type SemanticConfig struct {
	Enabled   bool     `yaml:"enabled"`
	URL       string   `yaml:"url"`
	ClassName string   `yaml:"class_name"`
	Timeout   Duration `yaml:"timeout"`
}

// FeedbackConfig controls resolution feedback storage.
type FeedbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the on-disk store location. Default: ./data/feedback.
	Dir string `yaml:"dir"`

	// SnapshotBucket, when set, enables periodic feedback snapshots to the
	// named object-storage bucket.
	SnapshotBucket string `yaml:"snapshot_bucket"`

	// SnapshotInterval is how often snapshots upload. Default: 6h.
	SnapshotInterval Duration `yaml:"snapshot_interval"`
}

// AnalyticsConfig controls the optional time-series usage exporter.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`

	// URL is the InfluxDB endpoint, e.g. http://localhost:8086.
	URL string `yaml:"url"`

	// TokenEnv names the environment variable holding the write token.
	TokenEnv string `yaml:"token_env"`

	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// ObservabilityConfig controls tracing and metrics exposure.
type ObservabilityConfig struct {
	// OTelEndpoint is the OpenTelemetry collector gRPC endpoint.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics exposes Prometheus metrics on /metrics. Default: true.
	EnableMetrics bool `yaml:"enable_metrics"`

	// EnableTracing turns on OTLP span export. Default: false; most
	// single-node deployments have no collector running.
	EnableTracing bool `yaml:"enable_tracing"`

	// ServiceName is the resource attribute on exported spans.
	ServiceName string `yaml:"service_name"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the compiled-in configuration. Load decodes the YAML
// file over this value, so absent keys keep these settings.
func Default() *Config {
	return &Config{
		SchemaVersion: "1.0.0",
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  12250,
			LogLevel:              "info",
			GinMode:               "release",
			MaxConcurrentRequests: 64,
			RequestTimeout:        Duration(30 * time.Second),
			HealthCheckInterval:   Duration(30 * time.Second),
			ShutdownGrace:         Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:  true,
			Strategy: "hybrid",
			Memory: MemoryCacheConfig{
				MaxKeys:     1000,
				TTL:         Duration(time.Hour),
				CheckPeriod: Duration(10 * time.Minute),
			},
			Distributed: DistributedCacheConfig{
				Enabled:              false,
				URL:                  "redis://localhost:6379",
				TTL:                  Duration(2 * time.Hour),
				KeyPrefix:            "pp:cache:",
				ConnectionTimeout:    Duration(5 * time.Second),
				RetryAttempts:        3,
				RetryDelay:           Duration(200 * time.Millisecond),
				MaxRetryDelay:        Duration(5 * time.Second),
				BackoffMultiplier:    2.0,
				ConnectionRetryLimit: 5,
			},
			ContentTypes: map[string]ContentTypePolicy{
				"runbooks":       {TTL: Duration(time.Hour), Warmup: true},
				"procedures":     {TTL: Duration(30 * time.Minute)},
				"decision_trees": {TTL: Duration(time.Hour)},
				"knowledge_base": {TTL: Duration(15 * time.Minute)},
				"web_response":   {TTL: Duration(5 * time.Minute)},
			},
			WarmupDelay: Duration(5 * time.Second),
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(60 * time.Second),
			MonitoringWindow: Duration(300 * time.Second),
			SuccessThreshold: 3,
			OperationTimeout: Duration(30 * time.Second),
		},
		Semantic: SemanticConfig{
			Enabled:   false,
			URL:       "http://localhost:8080",
			ClassName: "OpsDocument",
			Timeout:   Duration(5 * time.Second),
		},
		Feedback: FeedbackConfig{
			Enabled:          true,
			Dir:              "./data/feedback",
			SnapshotInterval: Duration(6 * time.Hour),
		},
		Analytics: AnalyticsConfig{
			Enabled:       false,
			URL:           "http://localhost:8086",
			TokenEnv:      "INFLUX_TOKEN",
			Org:           "personal-pipeline",
			Bucket:        "pipeline-usage",
			FlushInterval: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			OTelEndpoint:  "localhost:4317",
			EnableMetrics: true,
			EnableTracing: false,
			ServiceName:   "personal-pipeline",
		},
	}
}
