// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/feedback"
)

// healthProbeTimeout bounds one adapter health check inside
// list_sources.
const healthProbeTimeout = 5 * time.Second

// =============================================================================
// list_sources
// =============================================================================

// ListSourcesRequest is the list_sources input. IncludeHealth defaults
// to true when omitted.
type ListSourcesRequest struct {
	IncludeHealth *bool  `json:"include_health,omitempty"`
	IncludeStats  bool   `json:"include_stats,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

// SourceSummary is one source row.
type SourceSummary struct {
	*datatypes.SourceMetadata
	Health *datatypes.HealthCheck `json:"health,omitempty"`
}

// SourcesResponse is the list_sources output.
type SourcesResponse struct {
	Sources []SourceSummary `json:"sources"`
	Total   int             `json:"total"`
	Healthy int             `json:"healthy"`
}

// ListSources summarizes every configured source.
//
// # Description
//
// Health probes fan out in parallel with a per-probe bound, so one
// stuck backend cannot stall the listing. With include_stats the
// feedback tallies overlay the rolling success rate: recorded outcomes
// carry more signal than request bookkeeping. When health is skipped
// the healthy count falls back to the adapters' own degraded flags.
func (s *Service) ListSources(ctx context.Context, req ListSourcesRequest) (*SourcesResponse, error) {
	includeHealth := true
	if req.IncludeHealth != nil {
		includeHealth = *req.IncludeHealth
	}
	var kind datatypes.SourceKind
	if k := strings.TrimSpace(req.Kind); k != "" {
		kind = datatypes.SourceKind(strings.ToLower(k))
		if !kind.Valid() {
			return nil, shape(ctx, pperr.Newf(pperr.CodeValidation, "kind %q is not one of file, git_host, wiki, database, web", req.Kind))
		}
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	selected := s.byPriority()
	if kind != "" {
		kept := selected[:0]
		for _, a := range selected {
			if a.Kind() == kind {
				kept = append(kept, a)
			}
		}
		selected = kept
	}

	var stats map[string]feedback.SourceStats
	if req.IncludeStats && s.feedback != nil {
		stats = s.feedback.SourceStats()
	}

	summaries := make([]SourceSummary, len(selected))
	var g errgroup.Group
	g.SetLimit(contentFetchParallel)
	for i, a := range selected {
		g.Go(func() error {
			md := a.Metadata(ctx)
			if st, ok := stats[a.Name()]; ok {
				md.FeedbackSuccess = st.Success
				md.FeedbackFailure = st.Failure
				md.SuccessRate = st.Rate
			}
			row := SourceSummary{SourceMetadata: md}
			if includeHealth {
				probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
				row.Health = a.HealthCheck(probeCtx)
				cancel()
			}
			summaries[i] = row
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, row := range summaries {
		switch {
		case row.Health != nil:
			if row.Health.Healthy {
				healthy++
			}
		case row.SourceMetadata != nil && !row.SourceMetadata.Degraded:
			healthy++
		}
	}

	return &SourcesResponse{
		Sources: summaries,
		Total:   len(summaries),
		Healthy: healthy,
	}, nil
}

// =============================================================================
// record_resolution_feedback
// =============================================================================

// FeedbackRequest is the record_resolution_feedback input.
type FeedbackRequest struct {
	IncidentID            string  `json:"incident_id"`
	RunbookUsed           string  `json:"runbook_used,omitempty"`
	ResolutionTimeMinutes float64 `json:"resolution_time_minutes"`
	WasSuccessful         bool    `json:"was_successful"`
	Feedback              string  `json:"feedback"`
	RootCause             string  `json:"root_cause,omitempty"`
	ResolutionSummary     string  `json:"resolution_summary,omitempty"`
}

// RecordResolutionFeedback stores one incident resolution report.
//
// # Description
//
// The runbook id resolves to its owning source by asking each adapter,
// highest priority first; the first one that knows the id wins. An
// unresolvable runbook still records, it just moves no success rate.
// Writes are idempotent per (incident_id, runbook_used) inside the
// store's dedupe window, and this operation is the only path that
// changes a source's success rate.
func (s *Service) RecordResolutionFeedback(ctx context.Context, req FeedbackRequest) (*feedback.Receipt, error) {
	incident := strings.TrimSpace(req.IncidentID)
	switch {
	case incident == "":
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "incident_id is required"))
	case strings.ContainsRune(incident, 0) || strings.ContainsRune(req.RunbookUsed, 0):
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "identifiers must not contain control characters"))
	case strings.TrimSpace(req.Feedback) == "":
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "feedback is required"))
	case req.ResolutionTimeMinutes < 0:
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "resolution_time_minutes must not be negative"))
	}
	if s.feedback == nil {
		return nil, shape(ctx, pperr.New(pperr.CodeUnavailable, "feedback recording is disabled").
			WithSuggestion("enable the feedback block in the configuration"))
	}

	source := ""
	if runbook := strings.TrimSpace(req.RunbookUsed); runbook != "" {
		if _, owner, ok := s.lookupRunbook(ctx, runbook); ok {
			source = owner
		} else {
			s.log.Debug("feedback runbook does not resolve to a source", "runbook", runbook)
		}
	}

	receipt, err := s.feedback.Record(ctx, feedback.Entry{
		IncidentID:        incident,
		RunbookUsed:       strings.TrimSpace(req.RunbookUsed),
		SourceName:        source,
		ResolutionMinutes: req.ResolutionTimeMinutes,
		WasSuccessful:     req.WasSuccessful,
		Feedback:          req.Feedback,
		RootCause:         req.RootCause,
		ResolutionSummary: req.ResolutionSummary,
	})
	if err != nil {
		return nil, shape(ctx, err)
	}
	return receipt, nil
}
