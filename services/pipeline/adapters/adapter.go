// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters defines the source adapter contract and the registry
// that owns adapter instances.
//
// An adapter connects one documentation backend (a directory tree, a git
// host, a wiki, a database, a web endpoint) to the retrieval pipeline.
// Concrete implementations live in subpackages (fileadapter, githost,
// wiki, dbadapter, webadapter) and register a Factory here; the registry
// instantiates them from configuration at startup.
package adapters

import (
	"context"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

// =============================================================================
// Adapter Contract
// =============================================================================

// Adapter is the contract every documentation backend implements.
//
// # Description
//
// The pipeline treats adapters uniformly: it fans a query out to every
// healthy adapter, merges the Documents they return, and ranks the merged
// set. Adapters normalize backend records into datatypes.Document and
// datatypes.Runbook; backend-specific shapes never cross this boundary.
//
// # Thread Safety
//
// All methods must be safe for concurrent use. Search, Get and
// SearchRunbooks run concurrently with each other and with RefreshIndex.
//
// # Limitations
//
//   - Initialize is called exactly once, before any other method.
//   - Cleanup is called exactly once, after which the adapter is dead;
//     calls after Cleanup may return Internal errors.
type Adapter interface {
	// Name returns the configured source name, unique per process.
	Name() string

	// Kind returns the backend family this adapter speaks to.
	Kind() datatypes.SourceKind

	// Priority returns the configured source priority; lower is preferred.
	// The pipeline uses it to order fan-out and to break ranking ties.
	Priority() int

	// Timeout returns the per-call budget for this adapter. The pipeline
	// caps each fan-out call at min(plan deadline, Timeout).
	Timeout() time.Duration

	// Initialize prepares the adapter: dials the backend, builds or loads
	// indexes, and verifies credentials resolve.
	//
	// # Inputs
	//
	//   - ctx: bounds the whole initialization, including first indexing
	//
	// # Outputs
	//
	//   - error: Config for bad settings, Auth for credential failures,
	//     Unavailable for unreachable backends
	Initialize(ctx context.Context) error

	// Search returns documents matching a free-text query.
	//
	// # Description
	//
	// Filters the backend cannot push down are marked unapplied on the
	// filter set; the pipeline enforces them after the merge. Results are
	// ordered by descending Confidence, and Confidence must be monotonic
	// with match strength within this adapter's list.
	//
	// # Inputs
	//
	//   - ctx: carries the fan-out deadline
	//   - query: normalized query text, never empty
	//   - filters: may be nil, meaning no narrowing
	//
	// # Outputs
	//
	//   - []*datatypes.Document: zero-length when nothing matched
	//   - error: nil on success, including empty results
	Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error)

	// Get fetches a single document by its adapter-scoped identifier.
	//
	// # Outputs
	//
	//   - *datatypes.Document: with full Content, not just the excerpt
	//   - error: NotFound when the id does not resolve
	Get(ctx context.Context, id string) (*datatypes.Document, error)

	// SearchRunbooks returns structured runbooks matching an alert.
	//
	// # Description
	//
	// Matching considers the alert type against runbook triggers, the
	// severity against the severity mapping, the affected systems against
	// runbook metadata, and any extra alert context key/values as matching
	// hints. Each match carries its confidence and reasons. Backends with
	// no structured runbook support return an empty slice, never an error.
	SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error)

	// HealthCheck probes the backend and reports liveness.
	//
	// # Description
	//
	// Never returns an error: failures are reported inside the result so
	// that the health aggregator can always render a row per source.
	HealthCheck(ctx context.Context) *datatypes.HealthCheck

	// RefreshIndex rebuilds whatever the adapter caches about its backend
	// (file indexes, document listings). Called by the scheduler at the
	// configured refresh interval and by the admin surface on demand.
	//
	// # Inputs
	//
	//   - force: rebuild even when the current index is fresh enough
	//
	// # Outputs
	//
	//   - bool: whether a rebuild actually ran (false = skipped as fresh)
	//   - error: nil on success or skip
	RefreshIndex(ctx context.Context, force bool) (bool, error)

	// Metadata returns a point-in-time operational summary.
	Metadata(ctx context.Context) *datatypes.SourceMetadata

	// Cleanup releases connections and background workers.
	Cleanup(ctx context.Context) error
}

// =============================================================================
// Factory
// =============================================================================

// Deps carries the shared infrastructure a factory may wire into its
// adapter. Fields may be nil in tests; adapters must tolerate a nil
// Cache and nil Metrics.
type Deps struct {
	Breakers *breaker.Registry
	Cache    *cache.Service
	Metrics  *observability.PipelineMetrics
}

// Factory builds an adapter from its configuration block.
//
// Factories validate settings eagerly and return Config errors for
// unusable blocks; expensive work (dialing, indexing) belongs in
// Initialize, not here.
type Factory func(cfg config.SourceConfig, deps Deps) (Adapter, error)
