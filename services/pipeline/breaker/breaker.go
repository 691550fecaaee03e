// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-dependency circuit breakers with
// time-based recovery.
//
// Every external dependency (a documentation source backend, the
// distributed cache tier) gets its own breaker, created through the
// process-wide Registry and held by name. Failure accounting uses a
// sliding window rather than a consecutive counter: a source that fails
// five times in five minutes trips even if successes are interleaved.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────────┐
//	   │                                         │
//	   ▼                                         │
//	CLOSED ──[threshold failures in window]──► OPEN ───┐
//	   ▲                                         ▲     │
//	   │                                         │     │
//	   └──[success_threshold]── HALF_OPEN ◄──────┴─────┘
//	                            [recovery_timeout]
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// State is the position of a breaker in its lifecycle.
//
// # States
//
//   - StateClosed: normal operation, calls flow through
//   - StateOpen: breaker tripped, calls rejected without touching the backend
//   - StateHalfOpen: recovery probe in progress, one call at a time
type State int32

const (
	// StateClosed is the normal operating state.
	StateClosed State = iota

	// StateOpen means the breaker has tripped and calls fail fast.
	StateOpen

	// StateHalfOpen means the breaker is probing whether the backend recovered.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalJSON renders the state name rather than the raw ordinal so that
// event-stream consumers and health payloads stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// EventKind distinguishes the two observable breaker events.
type EventKind string

const (
	// EventStateChange fires on every transition between states.
	EventStateChange EventKind = "state_change"

	// EventFallback fires each time a call is rejected because the
	// breaker is OPEN (or a half-open probe slot is busy).
	EventFallback EventKind = "fallback"
)

// Event describes a breaker transition or rejection for observers.
//
// Events are delivered on bounded queues; a slow observer loses events
// rather than blocking the breaker. Reason is "manual_trip",
// "manual_reset", or the short text of the error that caused the change.
type Event struct {
	Breaker string    `json:"breaker"`
	Kind    EventKind `json:"kind"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Config controls breaker behavior.
//
// # Example
//
//	cfg := breaker.Config{
//	    FailureThreshold: 5,                // trip after 5 failures in the window
//	    SuccessThreshold: 3,                // close after 3 probe successes
//	    RecoveryTimeout:  60 * time.Second, // stay open for 60s
//	    MonitoringWindow: 5 * time.Minute,  // failure counting window
//	    OperationTimeout: 30 * time.Second, // per-call deadline
//	}
type Config struct {
	// FailureThreshold is the number of failures within MonitoringWindow
	// that trips the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the consecutive probe successes needed to close
	// from HALF_OPEN. Default: 3.
	SuccessThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before allowing
	// a probe. Default: 60 seconds.
	RecoveryTimeout time.Duration

	// MonitoringWindow bounds failure accounting; failures older than the
	// window are pruned and never count toward the threshold.
	// Default: 300 seconds.
	MonitoringWindow time.Duration

	// OperationTimeout is applied to the context of every wrapped call.
	// A call that outlives it counts as a failure. Default: 30 seconds.
	OperationTimeout time.Duration

	// onEvent receives every emitted event. Set by the Registry so that
	// all breakers fan into one subscription surface. Must not block.
	onEvent func(Event)
}

// DefaultConfig returns the stock breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		MonitoringWindow: 300 * time.Second,
		OperationTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = d.MonitoringWindow
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
}

// Snapshot is a point-in-time read of breaker state for health
// reporting and the admin surface.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	NextRetry   time.Time `json:"next_retry,omitzero"`
}

// Breaker isolates one dependency.
//
// # Description
//
// Wraps calls to a single backend. While CLOSED, calls pass through and
// failures accumulate in a sliding window. Once the window holds
// FailureThreshold failures the breaker opens and rejects calls without
// touching the backend. After RecoveryTimeout it admits one probe at a
// time; SuccessThreshold consecutive probe successes close it again, any
// probe failure re-opens it.
//
// # Thread Safety
//
// Breaker is safe for concurrent use. State transitions are totally
// ordered under the mutex; readers may observe a stale CLOSED during a
// concurrent trip but never a CLOSED after they have observed OPEN.
//
// # Example
//
//	err := br.Execute(ctx, func(ctx context.Context) error {
//	    return client.Fetch(ctx, id)
//	})
//	if pperr.Is(err, pperr.CodeCircuitOpen) {
//	    // Backend is known bad; serve stale data instead.
//	}
type Breaker struct {
	name   string
	config Config

	mu          sync.Mutex
	state       State
	failures    []time.Time // sliding window of failure instants
	successes   int         // consecutive probe successes while HALF_OPEN
	lastFailure time.Time
	lastTrip    time.Time

	// probe guards the single admitted call while HALF_OPEN.
	probe atomic.Bool
}

// New creates a breaker in the CLOSED state.
//
// # Inputs
//
//   - name: dependency name, used in events and snapshots
//   - config: tuning; zero fields take defaults
//
// # Outputs
//
//   - *Breaker: ready for use
func New(name string, config Config) *Breaker {
	config.applyDefaults()
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs work under the breaker.
//
// # Description
//
// Applies OperationTimeout to the context, rejects immediately with a
// CircuitOpen error while OPEN, and records the outcome. Rejections do
// not count as failures, so an open breaker cannot keep itself open.
//
// # Inputs
//
//   - ctx: caller deadline; the effective deadline is the tighter of
//     ctx and OperationTimeout
//   - work: the protected call
//
// # Outputs
//
//   - error: CircuitOpen when rejected, otherwise work's error
func (b *Breaker) Execute(ctx context.Context, work func(ctx context.Context) error) error {
	admitted, probing := b.admit()
	if !admitted {
		cur := b.State()
		b.emit(Event{
			Breaker: b.name,
			Kind:    EventFallback,
			From:    cur,
			To:      cur,
			At:      time.Now(),
		})
		return pperr.Newf(pperr.CodeCircuitOpen, "%s: circuit open", b.name).
			WithSuggestion("wait for the breaker to probe recovery, or reset it manually")
	}
	if probing {
		defer b.probe.Store(false)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.OperationTimeout)
	defer cancel()

	err := work(ctx)
	if err == nil {
		b.recordSuccess()
		return nil
	}
	// A nested breaker's rejection must not trip this one.
	if !pperr.Is(err, pperr.CodeCircuitOpen) {
		b.recordFailure(err)
	}
	return err
}

// admit decides whether a call may proceed. The second return reports
// whether the caller holds the half-open probe slot and must release it.
func (b *Breaker) admit() (admitted, probing bool) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true, false

	case StateOpen:
		if time.Since(b.lastTrip) < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return false, false
		}
		b.transitionLocked(StateHalfOpen, "recovery timeout elapsed")
		b.mu.Unlock()
		// Fall into the probe acquisition below.

	case StateHalfOpen:
		b.mu.Unlock()

	default:
		b.mu.Unlock()
		return false, false
	}

	// One probe at a time while HALF_OPEN.
	if !b.probe.CompareAndSwap(false, true) {
		return false, false
	}
	return true, true
}

// recordFailure adds a failure to the window and trips if warranted.
func (b *Breaker) recordFailure(cause error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = now
	b.successes = 0
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.config.FailureThreshold {
			b.lastTrip = now
			b.transitionLocked(StateOpen, shortReason(cause))
		}
	case StateHalfOpen:
		// Any probe failure sends us straight back to OPEN and restarts
		// the recovery clock.
		b.lastTrip = now
		b.transitionLocked(StateOpen, shortReason(cause))
	}
}

// recordSuccess counts probe successes and closes when enough accrue.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.config.SuccessThreshold {
		b.failures = b.failures[:0]
		b.transitionLocked(StateClosed, "probe succeeded")
	}
}

// pruneLocked drops failures older than the monitoring window.
// Caller holds b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.MonitoringWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transitionLocked changes state and emits the change. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to != StateHalfOpen {
		b.successes = 0
	}

	b.emit(Event{
		Breaker: b.name,
		Kind:    EventStateChange,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      time.Now(),
	})
}

func (b *Breaker) emit(ev Event) {
	if b.config.onEvent != nil {
		b.config.onEvent(ev)
	}
}

// Trip forces the breaker OPEN.
//
// # Description
//
// Operator override for when a source is known bad before the window
// catches it (planned maintenance, credential rotation). The recovery
// clock starts now.
func (b *Breaker) Trip(reason string) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastTrip = now
	if reason == "" {
		reason = "manual_trip"
	}
	b.transitionLocked(StateOpen, reason)
}

// Reset forces the breaker CLOSED and clears all accounting.
//
// # Description
//
// Operator override for when the backend is known fixed. Skips the
// half-open probe phase entirely.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.successes = 0
	b.probe.Store(false)
	b.transitionLocked(StateClosed, "manual_reset")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view for health and admin reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(time.Now())

	snap := Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Failures:    len(b.failures),
		Successes:   b.successes,
		LastFailure: b.lastFailure,
	}
	if b.state == StateOpen {
		snap.NextRetry = b.lastTrip.Add(b.config.RecoveryTimeout)
	}
	return snap
}

// shortReason trims an error to a single event-sized line.
func shortReason(err error) string {
	if err == nil {
		return ""
	}
	s := pperr.Scrub(err.Error())
	const max = 160
	if len(s) > max {
		return s[:max]
	}
	return s
}
