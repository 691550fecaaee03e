// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics ships per-query usage samples to InfluxDB.
//
// # Description
//
// The exporter is a fire-and-forget sink: every completed search
// becomes one point in the configured bucket, batched and flushed in
// the background by the client's non-blocking write API. Analytics
// must never cost a request anything, so Record enqueues and returns;
// delivery failures drain through the client's error channel into the
// log and the points are lost. A disabled config yields a nil
// exporter, and every method is nil-safe, so callers wire it without
// guarding.
//
// # Thread Safety
//
// An Exporter is safe for concurrent use. Record may be called from
// any goroutine; Close is idempotent.
package analytics

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// measurement is the single series all query samples land in.
const measurement = "pipeline_queries"

// Sample is one completed retrieval operation.
//
// Tags stay low-cardinality: operation, intent and deadline class are
// closed enums, and the cache and success outcomes are booleans. Query
// text is deliberately absent.
type Sample struct {
	Operation string
	Intent    string
	Class     string
	CacheHit  bool
	Success   bool
	Results   int
	Latency   time.Duration
	At        time.Time
}

// Exporter writes usage samples to an InfluxDB bucket.
type Exporter struct {
	client    influxdb2.Client
	write     api.WriteAPI
	log       *slog.Logger
	closeOnce sync.Once
}

// New builds an exporter from the analytics config.
//
// # Description
//
// A disabled config returns (nil, nil); the nil exporter is inert and
// callers use it as-is. When enabled, the write token is resolved from
// the configured environment variable through the sealed-credential
// path and revealed only long enough to construct the client. A
// missing token is a config error: an operator who enabled analytics
// wants to know at startup, not from a silent error drain.
//
// # Inputs
//
//   - cfg: the analytics block of the server config
//   - log: structured logger; nil falls back to slog.Default
//
// # Outputs
//
//   - *Exporter: nil when disabled
//   - error: CodeConfig when the token env var is unset or empty
func New(cfg config.AnalyticsConfig, log *slog.Logger) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "analytics")

	cred := config.NewCredentialFromEnv(cfg.TokenEnv)
	if !cred.IsSet() {
		return nil, pperr.Newf(pperr.CodeConfig, "analytics is enabled but %s is not set", cfg.TokenEnv).
			WithSuggestion("export the variable or disable the analytics block")
	}
	token, err := cred.Reveal()
	if err != nil {
		return nil, err
	}

	opts := influxdb2.DefaultOptions()
	if flush := cfg.FlushInterval.Std(); flush > 0 {
		opts = opts.SetFlushInterval(uint(flush.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, token, opts)

	e := &Exporter{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		log:    log,
	}

	// Losing points is acceptable; losing them silently is not.
	go func() {
		for err := range e.write.Errors() {
			e.log.Warn("usage point dropped", "error", pperr.Scrub(err.Error()))
		}
	}()

	log.Info("usage analytics enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return e, nil
}

// Record enqueues one sample for batched delivery. Nil-safe; never
// blocks on the network.
func (e *Exporter) Record(s Sample) {
	if e == nil {
		return
	}
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	point := influxdb2.NewPoint(measurement,
		map[string]string{
			"operation": s.Operation,
			"intent":    s.Intent,
			"class":     s.Class,
			"cache":     cacheTag(s.CacheHit),
			"success":   strconv.FormatBool(s.Success),
		},
		map[string]interface{}{
			"latency_ms":   s.Latency.Milliseconds(),
			"result_count": s.Results,
		},
		at)
	e.write.WritePoint(point)
}

// Close flushes buffered points and shuts the client down. Nil-safe
// and idempotent.
func (e *Exporter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.write.Flush()
		e.client.Close()
	})
}

func cacheTag(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
