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

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
)

// warmAlerts are the alert types warmed for the runbooks content type.
// Alert types form a closed vocabulary (monitoring systems emit fixed
// names), so priming these keys means the page that fires at 3am finds
// a hot entry. Seeds run at critical severity with no system filter,
// matching the bare first-page request an alert handler sends.
var warmAlerts = []string{
	"disk_full",
	"service_down",
	"memory_pressure",
	"high_cpu",
	"database_connection",
}

// warmQueries are the free-text queries warmed for the knowledge_base
// content type. Beyond priming these exact keys, the searches force
// every adapter to build or refresh its index, so the first real query
// after startup never pays that cost.
var warmQueries = []string{
	"incident response",
	"rollback procedure",
	"escalation policy",
}

// Warm primes the critical entries of one content type through the
// normal read-through path and reports how many seeds ended up
// resident.
//
// # Description
//
// Runbook and knowledge-base seeds go straight to the engine, not
// through the public operations: warmup runs in the background and must
// not compete with live requests for inflight slots. Procedures and
// decision trees are keyed by caller-supplied ids and free-form
// scenarios, and web responses by external queries; none of those have
// an enumerable seed list, so their types warm zero entries. One
// failing seed does not stop the rest; the first error is kept.
//
// # Thread Safety
//
// Safe for concurrent use.
func (s *Service) Warm(ctx context.Context, contentType string) (int, error) {
	switch contentType {
	case cache.TypeRunbooks:
		return s.warmRunbooks(ctx)
	case cache.TypeKnowledgeBase:
		return s.warmKnowledge(ctx)
	default:
		return 0, nil
	}
}

func (s *Service) warmRunbooks(ctx context.Context) (int, error) {
	var firstErr error
	primed := 0
	for _, alert := range warmAlerts {
		_, err := s.engine.SearchRunbooks(ctx, engine.RunbookRequest{
			AlertType: alert,
			Severity:  datatypes.SeverityCritical,
			Limit:     defaultRunbookLimit,
		})
		if err != nil {
			s.log.Debug("runbook warmup seed failed", "alert_type", alert, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		primed++
	}
	return primed, firstErr
}

func (s *Service) warmKnowledge(ctx context.Context) (int, error) {
	var firstErr error
	primed := 0
	for _, query := range warmQueries {
		_, err := s.engine.Search(ctx, engine.Request{
			Query:     query,
			Filters:   &datatypes.SearchFilters{Limit: defaultKnowledgeLimit},
			Operation: "warmup",
			Bulk:      true,
		})
		if err != nil {
			s.log.Debug("knowledge warmup seed failed", "query", query, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		primed++
	}
	return primed, firstErr
}
