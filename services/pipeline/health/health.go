// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health rolls the server's component states into one status.
//
// # Description
//
// Four components feed the roll-up: the server ready flag, a cache
// probe (memory-tier round-trip plus a distributed ping when one is
// configured), the source registry's health fan-out, and a performance
// gate over recent request latency, error rate and heap use. The
// overall status is healthy when at least 80% of components are
// healthy, degraded at 50%, unhealthy below that. Status transitions
// publish to subscribers the same way breaker events do: bounded
// queues, slow readers lose events.
//
// # Thread Safety
//
// An Aggregator is safe for concurrent use. Check may run concurrently
// with itself; the last snapshot swap is the only shared write.
package health

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Status is a component or overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// healthyPercent and degradedPercent are the roll-up thresholds.
	healthyPercent  = 80.0
	degradedPercent = 50.0

	// Performance gate bounds.
	p95Budget        = 2 * time.Second
	maxErrorRate     = 0.10
	defaultHeapLimit = 1 << 30 // 1 GiB

	// criticalPriority marks the sources whose individual health can
	// carry the sources component on its own.
	criticalPriority = 1

	// probeTimeout bounds the cache round-trip and ping.
	probeTimeout = 2 * time.Second

	// defaultPollInterval drives the background checker when the
	// configured interval is unusable.
	defaultPollInterval = 30 * time.Second
)

// Component names as they appear in snapshots.
const (
	ComponentServer      = "mcp_server"
	ComponentCache       = "cache"
	ComponentSources     = "sources"
	ComponentPerformance = "performance"
)

// Component is one row of the roll-up.
type Component struct {
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// PerfReport is the performance component's evidence.
type PerfReport struct {
	SampleCount int     `json:"sample_count"`
	P95Ms       float64 `json:"p95_ms"`
	ErrorRate   float64 `json:"error_rate"`
	HeapBytes   uint64  `json:"heap_bytes"`
}

// Snapshot is one full health evaluation.
type Snapshot struct {
	Status        Status                   `json:"status"`
	HealthPercent float64                  `json:"health_percent"`
	Components    map[string]Component     `json:"components"`
	Sources       []*datatypes.HealthCheck `json:"sources,omitempty"`
	Performance   PerfReport               `json:"performance"`
	CheckedAt     time.Time                `json:"checked_at"`
	ElapsedMs     int64                    `json:"elapsed_ms"`
}

// Transition is an overall-status change, published to subscribers.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Deps carries the aggregator's collaborators. Cache may be nil when
// caching is disabled; Perf may be nil before the server wires one.
type Deps struct {
	Registry *adapters.Registry
	Cache    *cache.Service
	Perf     *Tracker
	Log      *slog.Logger

	// HeapLimit is the memory bound in bytes; zero means 1 GiB.
	HeapLimit uint64

	// Now is injectable for tests.
	Now func() time.Time
}

// Aggregator computes and publishes the server's health.
type Aggregator struct {
	registry  *adapters.Registry
	cache     *cache.Service
	perf      *Tracker
	log       *slog.Logger
	heapLimit uint64
	now       func() time.Time

	ready atomic.Bool

	mu   sync.RWMutex
	last *Snapshot

	subsMu sync.RWMutex
	subs   []chan Transition

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds the aggregator. The server flips SetReady once it accepts
// traffic; until then the mcp_server component reports unhealthy.
func New(deps Deps) *Aggregator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	limit := deps.HeapLimit
	if limit == 0 {
		limit = defaultHeapLimit
	}
	return &Aggregator{
		registry:  deps.Registry,
		cache:     deps.Cache,
		perf:      deps.Perf,
		log:       log.With("component", "health"),
		heapLimit: limit,
		now:       now,
		stop:      make(chan struct{}),
	}
}

// SetReady flips the server ready flag.
func (a *Aggregator) SetReady(ready bool) { a.ready.Store(ready) }

// Ready reports the server ready flag.
func (a *Aggregator) Ready() bool { return a.ready.Load() }

// Last returns the most recent snapshot, or nil before the first check.
func (a *Aggregator) Last() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Subscribe returns a bounded channel receiving overall-status
// transitions. Delivery is best-effort; the channel is never closed.
func (a *Aggregator) Subscribe(buf int) <-chan Transition {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Transition, buf)
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subs = append(a.subs, ch)
	return ch
}

func (a *Aggregator) publish(tr Transition) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	for _, ch := range a.subs {
		select {
		case ch <- tr:
		default:
			// Slow subscriber; drop rather than stall the checker.
		}
	}
}

// Start runs the background checker until ctx ends or Stop is called.
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cctx, cancel := context.WithTimeout(ctx, min(interval, defaultPollInterval))
				a.Check(cctx)
				cancel()
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop halts the background checker. Safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Check evaluates every component now and stores the snapshot.
//
// # Description
//
// The sources fan-out probes every adapter under ctx; the cache probe
// and the performance gate are local and fast. A change in overall
// status is published to subscribers and logged. Callers wanting a
// cheap read should prefer Last and fall back to Check when stale.
func (a *Aggregator) Check(ctx context.Context) *Snapshot {
	start := a.now()

	components := make(map[string]Component, 4)
	components[ComponentServer] = a.checkServer()
	components[ComponentCache] = a.checkCache(ctx)

	sourcesComp, rows := a.checkSources(ctx)
	components[ComponentSources] = sourcesComp

	perfComp, report := a.checkPerformance()
	components[ComponentPerformance] = perfComp

	healthyCount := 0
	for _, c := range components {
		if c.Status == StatusHealthy {
			healthyCount++
		}
	}
	pct := float64(healthyCount) / float64(len(components)) * 100

	status := StatusUnhealthy
	switch {
	case pct >= healthyPercent:
		status = StatusHealthy
	case pct >= degradedPercent:
		status = StatusDegraded
	}

	snap := &Snapshot{
		Status:        status,
		HealthPercent: pct,
		Components:    components,
		Sources:       rows,
		Performance:   report,
		CheckedAt:     start.UTC(),
		ElapsedMs:     a.now().Sub(start).Milliseconds(),
	}

	a.mu.Lock()
	prev := a.last
	a.last = snap
	a.mu.Unlock()

	if prev != nil && prev.Status != snap.Status {
		a.log.Info("health state changed", "from", prev.Status, "to", snap.Status)
		a.publish(Transition{From: prev.Status, To: snap.Status, At: snap.CheckedAt})
	}
	return snap
}

// =============================================================================
// Component checks
// =============================================================================

func (a *Aggregator) checkServer() Component {
	if !a.ready.Load() {
		return Component{Status: StatusUnhealthy, Detail: "not accepting traffic"}
	}
	return Component{Status: StatusHealthy}
}

// checkCache proves the memory tier with a synthetic round-trip and
// pings the distributed tier when one is configured. A dead
// distributed tier degrades rather than fails: reads still serve from
// memory.
func (a *Aggregator) checkCache(ctx context.Context) Component {
	if a.cache == nil {
		return Component{Status: StatusHealthy, Detail: "cache disabled"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := a.now()
	key := cache.Key("health", uuid.NewString())
	want := []byte(strconv.FormatInt(start.UnixNano(), 10))
	a.cache.Set(probeCtx, key, want)
	got, ok := a.cache.Get(probeCtx, key)
	a.cache.Delete(probeCtx, key)
	latency := a.now().Sub(start).Milliseconds()

	if !ok || !bytes.Equal(got, want) {
		return Component{Status: StatusUnhealthy, Detail: "memory tier round-trip failed", LatencyMs: latency}
	}
	if a.cache.L2Enabled() {
		if err := a.cache.Ping(probeCtx); err != nil {
			return Component{
				Status:    StatusDegraded,
				Detail:    "distributed tier unreachable: " + pperr.Scrub(err.Error()),
				LatencyMs: a.now().Sub(start).Milliseconds(),
			}
		}
	}
	return Component{Status: StatusHealthy, LatencyMs: latency}
}

// checkSources fans the health probe across the registry. The
// component is healthy when at least half the sources are, or when any
// critical-priority source is; a critical source alone can carry the
// pipeline's most important queries.
func (a *Aggregator) checkSources(ctx context.Context) (Component, []*datatypes.HealthCheck) {
	if a.registry == nil || a.registry.Len() == 0 {
		return Component{Status: StatusDegraded, Detail: "no sources configured"}, nil
	}

	start := a.now()
	rows := a.registry.HealthCheckAll(ctx)
	latency := a.now().Sub(start).Milliseconds()

	healthy := 0
	criticalHealthy := false
	for _, r := range rows {
		if !r.Healthy {
			continue
		}
		healthy++
		if ad, ok := a.registry.Get(r.SourceName); ok && ad.Priority() == criticalPriority {
			criticalHealthy = true
		}
	}

	detail := fmt.Sprintf("%d/%d sources healthy", healthy, len(rows))
	comp := Component{Detail: detail, LatencyMs: latency}
	switch {
	case healthy*2 >= len(rows) || criticalHealthy:
		comp.Status = StatusHealthy
	case healthy > 0:
		comp.Status = StatusDegraded
	default:
		comp.Status = StatusUnhealthy
	}
	return comp, rows
}

// checkPerformance gates on the tracker's window and current heap use.
// No finished requests yet is healthy: absence of traffic is not
// evidence of trouble.
func (a *Aggregator) checkPerformance() (Component, PerfReport) {
	count, p95, errorRate := a.perf.Stats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := PerfReport{
		SampleCount: count,
		P95Ms:       math.Round(float64(p95)/float64(time.Millisecond)*10) / 10,
		ErrorRate:   math.Round(errorRate*1e4) / 1e4,
		HeapBytes:   ms.HeapAlloc,
	}

	var violations []string
	if count > 0 {
		if p95 >= p95Budget {
			violations = append(violations, fmt.Sprintf("p95 %.0fms over %s budget", report.P95Ms, p95Budget))
		}
		if errorRate >= maxErrorRate {
			violations = append(violations, fmt.Sprintf("error rate %.1f%% over %.0f%% budget", errorRate*100, maxErrorRate*100))
		}
	}
	if ms.HeapAlloc > a.heapLimit {
		violations = append(violations, fmt.Sprintf("heap %dMiB over %dMiB limit", ms.HeapAlloc>>20, a.heapLimit>>20))
	}

	if len(violations) > 0 {
		return Component{Status: StatusUnhealthy, Detail: strings.Join(violations, "; ")}, report
	}
	return Component{Status: StatusHealthy}, report
}
