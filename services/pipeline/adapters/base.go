// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

// retryBaseDelay is the first retry's backoff; it doubles per attempt up
// to retryMaxDelay.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Base carries the machinery every concrete adapter shares: the breaker
// handle, the retry loop, and rolling request statistics. Concrete
// adapters embed it and call Execute around backend I/O.
//
// # Thread Safety
//
// Safe for concurrent use; statistics are atomics and the degraded flag
// is a CAS bool.
type Base struct {
	name            string
	kind            datatypes.SourceKind
	priority        int
	enabled         bool
	maxRetries      int
	timeout         time.Duration
	refreshInterval time.Duration
	breaker         *breaker.Breaker
	metrics         *observability.PipelineMetrics

	requests     atomic.Int64
	failures     atomic.Int64
	latencyMsSum atomic.Int64
	degraded     atomic.Bool

	mu          sync.RWMutex
	docCount    int
	lastRefresh time.Time
}

// NewBase wires the shared plumbing from a source's configuration.
//
// The breaker is looked up by source name in the shared registry so the
// admin surface can trip or reset it; its operation timeout is the
// source's configured timeout.
func NewBase(cfg config.SourceConfig, kind datatypes.SourceKind, deps Deps) *Base {
	b := &Base{
		name:            cfg.Name,
		kind:            kind,
		priority:        cfg.Priority,
		enabled:         cfg.Enabled,
		maxRetries:      cfg.MaxRetries,
		timeout:         cfg.Timeout.Std(),
		refreshInterval: cfg.RefreshInterval.Std(),
		metrics:         deps.Metrics,
	}
	if b.timeout <= 0 {
		b.timeout = breaker.DefaultConfig().OperationTimeout
	}
	if deps.Breakers != nil {
		b.breaker = deps.Breakers.GetWithConfig(cfg.Name, breaker.Config{
			OperationTimeout: cfg.Timeout.Std(),
		})
	}
	return b
}

// Name returns the configured source name.
func (b *Base) Name() string { return b.name }

// Kind returns the backend family.
func (b *Base) Kind() datatypes.SourceKind { return b.kind }

// Priority returns the ranking tie-break priority (lower wins).
func (b *Base) Priority() int { return b.priority }

// Timeout returns the per-call budget for this source.
func (b *Base) Timeout() time.Duration { return b.timeout }

// Breaker exposes the adapter's breaker handle for health reporting.
func (b *Base) Breaker() *breaker.Breaker { return b.breaker }

// Execute runs fn under the adapter's breaker with bounded retries.
//
// # Description
//
// Only Unavailable failures retry: they are the transient class. A
// CircuitOpen rejection never retries (the breaker said stop) and never
// counts as an adapter failure of its own. Backoff doubles from
// retryBaseDelay up to retryMaxDelay, and the loop gives up early when
// the remaining deadline cannot fit another attempt.
//
// # Inputs
//
//   - ctx: the fan-out deadline; also bounds backoff sleeps
//   - op: short operation label for metrics ("search", "get", ...)
//   - fn: the backend call; receives a context capped by the breaker's
//     operation timeout
//
// # Outputs
//
//   - error: the last attempt's error, already classified by fn
func (b *Base) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := b.executeWithRetry(ctx, fn)
	elapsed := time.Since(start)

	b.requests.Add(1)
	b.latencyMsSum.Add(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = string(pperr.CodeOf(err))
		if !pperr.Is(err, pperr.CodeCircuitOpen) {
			b.failures.Add(1)
		}
	}
	if b.metrics != nil {
		b.metrics.RecordSourceRequest(b.name, status, elapsed.Seconds())
	}
	return err
}

func (b *Base) executeWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retryBaseDelay
	var lastErr error

	for attempt := 0; ; attempt++ {
		if b.breaker != nil {
			lastErr = b.breaker.Execute(ctx, fn)
		} else {
			lastErr = fn(ctx)
		}
		if lastErr == nil {
			return nil
		}
		if attempt >= b.maxRetries || !pperr.IsRetryable(lastErr) {
			return lastErr
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < backoff {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return pperr.Wrap(pperr.CodeTimeout, "retry abandoned, deadline reached", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > retryMaxDelay {
				backoff = retryMaxDelay
			}
		}
	}
}

// =============================================================================
// Statistics
// =============================================================================

// SetDocumentCount records the size of the adapter's corpus after an
// index pass.
func (b *Base) SetDocumentCount(n int) {
	b.mu.Lock()
	b.docCount = n
	b.lastRefresh = time.Now()
	b.mu.Unlock()
}

// DocumentCount returns the last recorded corpus size.
func (b *Base) DocumentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docCount
}

// RefreshDue reports whether an index rebuild should run now. A forced
// refresh always runs; otherwise the configured refresh interval gates
// it (interval 0 means refresh on every request).
func (b *Base) RefreshDue(force bool) bool {
	if force {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Since(b.lastRefresh) >= b.refreshInterval
}

// SetDegraded flips the degraded marker, set when a backend is reachable
// but misbehaving (rate-limited past the deadline, partial outage).
func (b *Base) SetDegraded(v bool) {
	b.degraded.Store(v)
}

// Degraded reports the degraded marker.
func (b *Base) Degraded() bool {
	return b.degraded.Load()
}

// Metadata assembles the operational summary from the rolling counters.
// Satisfies the Adapter interface via embedding; ctx is unused here but
// kept for implementations that consult their backend.
func (b *Base) Metadata(_ context.Context) *datatypes.SourceMetadata {
	requests := b.requests.Load()
	failures := b.failures.Load()

	md := &datatypes.SourceMetadata{
		Name:     b.name,
		Kind:     b.kind,
		Priority: b.priority,
		Enabled:  b.enabled,
		Degraded: b.degraded.Load(),
	}
	if requests > 0 {
		md.SuccessRate = float64(requests-failures) / float64(requests)
		md.AvgResponseMs = float64(b.latencyMsSum.Load()) / float64(requests)
	}

	b.mu.RLock()
	md.DocumentCount = b.docCount
	md.LastRefresh = b.lastRefresh
	b.mu.RUnlock()
	return md
}

// Health builds a HealthCheck result around a probe outcome, filling the
// shared fields (breaker state, document count, timing).
func (b *Base) Health(start time.Time, probeErr error) *datatypes.HealthCheck {
	hc := &datatypes.HealthCheck{
		SourceName:    b.name,
		Healthy:       probeErr == nil,
		ResponseTime:  time.Since(start).Milliseconds(),
		LastCheck:     time.Now(),
		DocumentCount: b.DocumentCount(),
	}
	if b.breaker != nil {
		hc.BreakerState = b.breaker.State().String()
	}
	if probeErr != nil {
		hc.ErrorMessage = pperr.Scrub(probeErr.Error())
	}
	return hc
}
