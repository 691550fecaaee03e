// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sort"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// DeadlineClass buckets queries by wall-clock budget.
type DeadlineClass string

const (
	// ClassCritical is for incident pages: a human is mid-outage and a
	// late perfect answer loses to an early good one.
	ClassCritical DeadlineClass = "critical"

	// ClassStandard covers ordinary interactive queries.
	ClassStandard DeadlineClass = "standard"

	// ClassBulk covers warmers and refresh traffic, which trade latency
	// for completeness.
	ClassBulk DeadlineClass = "bulk"
)

// Per-class budgets.
const (
	criticalBudget = 150 * time.Millisecond
	standardBudget = 300 * time.Millisecond
	bulkBudget     = 1000 * time.Millisecond
)

// maxFanout caps parallel adapter calls per invocation no matter how
// many sources are registered.
const maxFanout = 16

// Budget returns the class's wall-clock allowance.
func (c DeadlineClass) Budget() time.Duration {
	switch c {
	case ClassCritical:
		return criticalBudget
	case ClassBulk:
		return bulkBudget
	default:
		return standardBudget
	}
}

// classFor picks the deadline class: bulk for warmer and refresh paths,
// critical for page-worthy intents or an explicitly critical severity,
// standard for everything else.
func classFor(intent Intent, severity datatypes.Severity, bulk bool) DeadlineClass {
	if bulk {
		return ClassBulk
	}
	if severity == datatypes.SeverityCritical {
		return ClassCritical
	}
	if intent == IntentEmergencyResponse || intent == IntentEscalationPath {
		return ClassCritical
	}
	return ClassStandard
}

// plan is the fan-out schedule for one invocation.
type plan struct {
	adapters []adapters.Adapter
	class    DeadlineClass
	budget   time.Duration
	parallel int
	excluded []SourceStatus
}

// buildPlan selects and orders the adapters for one query.
//
// # Description
//
// Starts from a registry snapshot, narrows to the requested kinds, and
// drops sources whose breaker is OPEN; those exclusions still appear in
// the invocation's source summary as unavailable. A caller that asks
// for degraded mode keeps OPEN sources in the plan and lets the breaker
// itself reject or probe the call. Selected adapters are ordered by
// priority ascending; the registry lists alphabetically, so equal
// priorities tie-break by name.
func (e *Engine) buildPlan(class DeadlineClass, filters *datatypes.SearchFilters, allowDegraded bool) plan {
	p := plan{class: class, budget: class.Budget()}

	for _, a := range e.registry.List() {
		if !filters.WantsKind(a.Kind()) {
			continue
		}
		if !allowDegraded && e.breakerOpen(a.Name()) {
			p.excluded = append(p.excluded, SourceStatus{
				Name:   a.Name(),
				Status: StatusUnavailable,
				Error:  "circuit breaker open",
			})
			continue
		}
		p.adapters = append(p.adapters, a)
	}

	sort.SliceStable(p.adapters, func(i, j int) bool {
		return p.adapters[i].Priority() < p.adapters[j].Priority()
	})

	p.parallel = len(p.adapters)
	if p.parallel > maxFanout {
		p.parallel = maxFanout
	}
	return p
}

// breakerOpen reports whether the named source's breaker is OPEN right
// now. Sources without a registered breaker count as closed.
func (e *Engine) breakerOpen(name string) bool {
	if e.breakers == nil {
		return false
	}
	br, ok := e.breakers.Lookup(name)
	return ok && br.State() == breaker.StateOpen
}
