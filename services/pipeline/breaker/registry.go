// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"sync"
)

// Registry is the process-wide table of breakers keyed by dependency name.
//
// # Description
//
// Adapters hold breaker handles obtained here rather than back-pointers
// to the registry, which keeps the ownership graph acyclic: the server
// owns the registry, the registry owns the breakers, and adapters only
// borrow. All breakers created through a registry share its event
// subscription surface.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
//
// # Example
//
//	reg := breaker.NewRegistry(breaker.DefaultConfig())
//	br := reg.Get("confluence-ops")
//	events := reg.Subscribe(64)
type Registry struct {
	defaults Config

	mu       sync.RWMutex
	breakers map[string]*Breaker

	subsMu sync.RWMutex
	subs   []chan Event
}

// NewRegistry creates an empty registry.
//
// # Inputs
//
//   - defaults: configuration applied to breakers created via Get
//
// # Outputs
//
//   - *Registry: ready for use
func NewRegistry(defaults Config) *Registry {
	defaults.applyDefaults()
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker for name, creating it with the given
// config on first use. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(name string, config Config) *Breaker {
	r.mu.RLock()
	br, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return br
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if br, ok = r.breakers[name]; ok {
		return br
	}

	config.onEvent = r.publish
	br = New(name, config)
	r.breakers[name] = br
	return br
}

// Lookup returns the breaker for name without creating one.
//
// Used by the admin surface: tripping a breaker that does not exist is a
// caller error, not a reason to materialize one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	br, ok := r.breakers[name]
	return br, ok
}

// Snapshots returns a point-in-time view of every breaker.
//
// # Outputs
//
//   - map[string]Snapshot: dependency name → state snapshot
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, br := range r.breakers {
		out[name] = br.Snapshot()
	}
	return out
}

// ResetAll force-closes every breaker in the registry.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, br := range r.breakers {
		br.Reset()
	}
}

// Subscribe returns a bounded channel receiving every breaker event.
//
// # Description
//
// Delivery is best-effort: when a subscriber's queue is full the event
// is dropped for that subscriber rather than blocking the breaker. The
// channel is never closed; subscribers live for the process lifetime.
//
// # Inputs
//
//   - buf: queue depth; values below 1 are raised to 1
func (r *Registry) Subscribe(buf int) <-chan Event {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, ch)
	return ch
}

// publish fans an event out to all subscribers without blocking.
func (r *Registry) publish(ev Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the breaker.
		}
	}
}
