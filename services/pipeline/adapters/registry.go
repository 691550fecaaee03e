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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// cleanupParallelism bounds how many adapters tear down at once; adapters
// holding large connection pools drain more gracefully in small batches.
const cleanupParallelism = 4

// Registry owns the live adapter instances.
//
// # Description
//
// Factories are registered per source kind during assembly; CreateAll then
// instantiates one adapter per enabled source. Creation is best-effort: a
// source that fails to initialize is logged and skipped so one broken
// backend cannot hold the service down.
//
// # Thread Safety
//
// Safe for concurrent use after CreateAll. RegisterFactory is meant for
// single-threaded assembly.
type Registry struct {
	deps      Deps
	factories map[string]Factory

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory binds a source kind to its adapter constructor.
// Re-registering a kind replaces the previous factory.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.factories[kind] = f
}

// CreateAll instantiates and initializes an adapter per enabled source.
//
// # Description
//
// Runs sequentially in config order so startup logs read top to bottom.
// Failures are collected, not fatal: the returned slice holds one error
// per source that could not be brought up. Duplicate names and unknown
// kinds are configuration errors and are also collected.
//
// # Inputs
//
//   - ctx: bounds each source's Initialize
//   - sources: the configuration's source list, disabled entries skipped
//
// # Outputs
//
//   - []error: empty when every enabled source initialized
func (r *Registry) CreateAll(ctx context.Context, sources []config.SourceConfig) []error {
	var errs []error
	for _, src := range sources {
		if !src.Enabled {
			slog.Info("source disabled, skipping", "source", src.Name)
			continue
		}
		if err := r.create(ctx, src); err != nil {
			slog.Error("source failed to initialize",
				"source", src.Name,
				"kind", src.Kind,
				"error", err)
			errs = append(errs, fmt.Errorf("source %q: %w", src.Name, err))
			continue
		}
		slog.Info("source ready", "source", src.Name, "kind", src.Kind, "priority", src.Priority)
	}
	return errs
}

func (r *Registry) create(ctx context.Context, src config.SourceConfig) error {
	factory, ok := r.factories[src.Kind]
	if !ok {
		return pperr.Newf(pperr.CodeConfig, "no adapter registered for kind %q", src.Kind)
	}

	r.mu.RLock()
	_, exists := r.adapters[src.Name]
	r.mu.RUnlock()
	if exists {
		return pperr.Newf(pperr.CodeConfig, "duplicate source name %q", src.Name)
	}

	adapter, err := factory(src, r.deps)
	if err != nil {
		return err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[src.Name]; exists {
		// Lost a race with a concurrent create of the same name.
		return pperr.Newf(pperr.CodeConfig, "duplicate source name %q", src.Name)
	}
	r.adapters[src.Name] = adapter
	return nil
}

// Get returns the adapter for a source name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// List returns every adapter ordered by name. Priority ordering is a
// ranking concern; listings stay alphabetical for stable output.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of live adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// HealthCheckAll probes every adapter concurrently.
//
// # Description
//
// Each probe runs in its own goroutine under a shared context. A panicking
// adapter produces an unhealthy row instead of killing the process; the
// panic is logged with the source name for the postmortem.
//
// # Outputs
//
//   - []*datatypes.HealthCheck: one row per adapter, ordered by source name
func (r *Registry) HealthCheckAll(ctx context.Context) []*datatypes.HealthCheck {
	adapters := r.List()
	results := make([]*datatypes.HealthCheck, len(adapters))

	g, ctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("health check panicked",
						"source", a.Name(),
						"panic", rec)
					results[i] = &datatypes.HealthCheck{
						SourceName:   a.Name(),
						Healthy:      false,
						LastCheck:    time.Now(),
						ErrorMessage: fmt.Sprintf("health check panicked: %v", rec),
					}
				}
			}()
			results[i] = a.HealthCheck(ctx)
			return nil
		})
	}
	_ = g.Wait() // probes never return errors; rows carry the outcome
	return results
}

// RefreshAll rebuilds every adapter's index, sequentially, returning the
// per-source failures. The scheduler calls with force=false so fresh
// indexes are skipped; the admin surface forces.
func (r *Registry) RefreshAll(ctx context.Context, force bool) map[string]error {
	failures := make(map[string]error)
	for _, a := range r.List() {
		refreshed, err := a.RefreshIndex(ctx, force)
		if err != nil {
			slog.Warn("index refresh failed", "source", a.Name(), "error", err)
			failures[a.Name()] = err
			continue
		}
		if refreshed {
			slog.Debug("index refreshed", "source", a.Name())
		}
	}
	return failures
}

// Cleanup tears every adapter down with bounded parallelism and removes
// them from the registry. Safe to call once during shutdown.
func (r *Registry) Cleanup(ctx context.Context) []error {
	adapters := r.List()

	sem := semaphore.NewWeighted(cleanupParallelism)
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for _, a := range adapters {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("cleanup aborted: %w", err))
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			defer sem.Release(1)
			if err := a.Cleanup(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("source %q: %w", a.Name(), err))
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	r.mu.Lock()
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()
	return errs
}
