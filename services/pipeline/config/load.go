// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// schemaMajor is the config schema major version this binary reads.
// Minor and patch bumps stay compatible; a major bump does not.
const schemaMajor = "v1"

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "PPIPE_CONFIG"

	// EnvLogLevel overrides server.log_level.
	EnvLogLevel = "LOG_LEVEL"

	// EnvRedisURL overrides cache.distributed.url.
	EnvRedisURL = "REDIS_URL"
)

// DefaultPath is where Load looks when no path is given and PPIPE_CONFIG
// is unset.
const DefaultPath = "./config.yaml"

// ResolvePath picks the config file location: explicit flag, then
// PPIPE_CONFIG, then the default.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, parses and validates the configuration file.
//
// # Description
//
// Decodes the YAML over the compiled defaults, applies environment
// overrides, seals referenced credentials, and validates the result.
// Every failure is a ConfigError; the CLI maps those to exit code 1.
//
// # Inputs
//
//   - path: config file location; "~" expands to the home directory
//
// # Outputs
//
//   - *Config: validated, credential-resolved configuration
//   - error: ConfigError describing the first problem found
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "failed to read config file "+path, err).
			WithSuggestion("run 'ppipe init' to generate a starter config")
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, pperr.Wrap(pperr.CodeConfig, "failed to parse config YAML", err)
	}

	cfg.applyEnvOverrides()
	cfg.resolveCredentials()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers recognized environment variables over the
// file values.
func (c *Config) applyEnvOverrides() {
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		c.Server.LogLevel = strings.ToLower(lvl)
	}
	if url := os.Getenv(EnvRedisURL); url != "" {
		c.Cache.Distributed.URL = url
		c.Cache.Distributed.Enabled = true
	}
}

// resolveCredentials seals every referenced environment variable.
func (c *Config) resolveCredentials() {
	for i := range c.Sources {
		c.Sources[i].Auth.resolve()
	}
}

// Validate checks structural tags and cross-field invariants.
//
// # Description
//
// Runs the validator tags first, then the checks tags cannot express:
// schema version compatibility, unique source names, positive durations,
// and strategy/tier consistency.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return pperr.Wrap(pperr.CodeConfig, "config validation failed", err)
	}

	if err := c.checkSchemaVersion(); err != nil {
		return err
	}
	if err := c.checkSources(); err != nil {
		return err
	}
	if err := c.checkDurations(); err != nil {
		return err
	}
	return c.checkCacheStrategy()
}

func (c *Config) checkSchemaVersion() error {
	v := c.SchemaVersion
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return pperr.Newf(pperr.CodeConfig, "schema_version %q is not a semantic version", c.SchemaVersion)
	}
	if semver.Major(v) != schemaMajor {
		return pperr.Newf(pperr.CodeConfig,
			"schema_version %s is not compatible with this binary (wants %s.x)",
			c.SchemaVersion, schemaMajor).
			WithSuggestion("migrate the config or run a matching release")
	}
	return nil
}

func (c *Config) checkSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if _, dup := seen[s.Name]; dup {
			return pperr.Newf(pperr.CodeConfig, "duplicate source name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Timeout <= 0 {
			s.Timeout = Duration(defaultSourceTimeout)
		}
		if s.RefreshInterval < 0 {
			return pperr.Newf(pperr.CodeConfig, "source %q: refresh_interval must not be negative", s.Name)
		}
	}
	return nil
}

func (c *Config) checkDurations() error {
	checks := []struct {
		name string
		d    Duration
	}{
		{"server.request_timeout", c.Server.RequestTimeout},
		{"server.health_check_interval", c.Server.HealthCheckInterval},
		{"cache.memory.ttl", c.Cache.Memory.TTL},
		{"cache.memory.check_period", c.Cache.Memory.CheckPeriod},
		{"circuit_breaker.recovery_timeout", c.CircuitBreaker.RecoveryTimeout},
		{"circuit_breaker.monitoring_window", c.CircuitBreaker.MonitoringWindow},
		{"circuit_breaker.operation_timeout", c.CircuitBreaker.OperationTimeout},
	}
	for _, chk := range checks {
		if chk.d <= 0 {
			return pperr.Newf(pperr.CodeConfig, "%s must be a positive duration", chk.name)
		}
	}
	return nil
}

func (c *Config) checkCacheStrategy() error {
	if !c.Cache.Enabled {
		return nil
	}
	if c.Cache.Strategy == "distributed_only" && !c.Cache.Distributed.Enabled {
		return pperr.New(pperr.CodeConfig,
			"cache.strategy is distributed_only but cache.distributed.enabled is false").
			WithSuggestion("enable the distributed tier or switch to memory_only")
	}
	// hybrid with the distributed tier disabled is fine: the cache runs on
	// L1 alone and reports the L2 tier as disconnected.
	return nil
}

// EnabledSources returns the sources that should get adapters, in
// config order.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// defaultSourceTimeout applies when a source omits its timeout.
const defaultSourceTimeout = 10 * time.Second

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
