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
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Hybrid score weights. Semantic similarity dominates when the vector
// layer is running; without it the semantic term is zero and lexical
// coverage carries the ordering.
const (
	weightSemantic = 0.6
	weightLexical  = 0.3
	weightMetadata = 0.1
)

// recencyHalfLife is the document age at which the recency signal has
// decayed to half. Operational docs go stale in weeks, not years.
const recencyHalfLife = 30 * 24 * time.Hour

// Shares of the metadata term.
const (
	metaRecencyShare  = 0.5
	metaPriorityShare = 0.25
	metaSuccessShare  = 0.25
)

// neutralSuccessRate scores a source with no history yet. New sources
// are neither rewarded nor punished until feedback or traffic arrives.
const neutralSuccessRate = 0.5

// rankInputs carries the per-invocation signals the ranker scores with.
type rankInputs struct {
	queryTokens   []string
	semantic      map[string]float64 // document id → certainty
	priorities    map[string]int     // source name → priority
	successOf     func(source string) float64
	filters       *datatypes.SearchFilters
	now           time.Time
	minConfidence float64
	limit         int
}

// rankDocuments scores, orders, filters and truncates the merged result
// set.
//
// # Description
//
// Each document's final confidence is the hybrid score
//
//	0.6·semantic + 0.3·lexical + 0.1·metadata
//
// rounded to four decimals. Category and max-age filters are enforced
// here regardless of what individual backends pushed down, so a filter
// an adapter could not express still holds on the merged set. Ordering
// is score descending with deterministic ties: source priority
// ascending, last_updated descending, id ascending. The confidence
// floor is applied after scoring and the list truncated to limit.
//
// # Outputs
//
//   - []*datatypes.Document: the final ranked list
//   - int: how many documents passed the floor before truncation
func rankDocuments(docs []*datatypes.Document, in rankInputs) ([]*datatypes.Document, int) {
	type scoredDoc struct {
		doc      *datatypes.Document
		priority int
	}

	scored := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		if !passesFilters(d, in) {
			continue
		}
		sem := clamp01(in.semantic[d.ID])
		lex := lexicalScore(in.queryTokens, d)
		meta := metadataScore(d, in)

		score := weightSemantic*sem + weightLexical*lex + weightMetadata*meta
		d.Confidence = math.Round(score*1e4) / 1e4
		d.MatchReasons = append(d.MatchReasons,
			fmt.Sprintf("ranked %.2f (semantic %.2f, lexical %.2f, metadata %.2f)", score, sem, lex, meta))

		prio, ok := in.priorities[d.SourceName]
		if !ok {
			prio = int(^uint(0) >> 1) // unknown sources lose every tie
		}
		scored = append(scored, scoredDoc{doc: d, priority: prio})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.doc.Confidence != b.doc.Confidence {
			return a.doc.Confidence > b.doc.Confidence
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if !a.doc.LastUpdated.Equal(b.doc.LastUpdated) {
			return a.doc.LastUpdated.After(b.doc.LastUpdated)
		}
		return a.doc.ID < b.doc.ID
	})

	out := make([]*datatypes.Document, 0, len(scored))
	for _, s := range scored {
		if in.minConfidence > 0 && s.doc.Confidence < in.minConfidence {
			continue
		}
		out = append(out, s.doc)
	}
	total := len(out)
	if in.limit > 0 && len(out) > in.limit {
		out = out[:in.limit]
	}
	return out, total
}

// passesFilters enforces category and max-age on the merged set, so a
// filter a backend could not push down still holds after the merge.
func passesFilters(d *datatypes.Document, in rankInputs) bool {
	if in.filters == nil {
		return true
	}
	if in.filters.MaxAge > 0 {
		if d.LastUpdated.IsZero() || in.now.Sub(d.LastUpdated) > in.filters.MaxAge {
			return false
		}
	}
	return in.filters.WantsCategory(d.Category)
}

// lexicalScore rates query/document token overlap. The adapter's own
// confidence is kept as a floor: backends with stemmed or fielded
// search legitimately match documents whose returned excerpt shows no
// literal token overlap.
func lexicalScore(qTokens []string, d *datatypes.Document) float64 {
	body := d.Content
	if body == "" {
		body = d.Excerpt
	}
	score, _ := adapters.CoverageScore(qTokens, adapters.TokenSet(d.Title), adapters.TokenSet(body))
	if c := clamp01(d.Confidence); c > score {
		return c
	}
	return score
}

// metadataScore blends recency decay, inverse source priority and the
// source's historical success rate.
func metadataScore(d *datatypes.Document, in rankInputs) float64 {
	recency := 0.0
	if !d.LastUpdated.IsZero() {
		age := in.now.Sub(d.LastUpdated)
		if age < 0 {
			age = 0
		}
		recency = math.Exp2(-float64(age) / float64(recencyHalfLife))
	}

	prio := 0.0
	if p, ok := in.priorities[d.SourceName]; ok && p > 0 {
		prio = 1 / float64(p)
	}

	return metaRecencyShare*recency + metaPriorityShare*prio + metaSuccessShare*in.successOf(d.SourceName)
}

// rankRunbooks orders merged runbook matches and deduplicates mirrored
// runbooks.
//
// # Description
//
// Runbook confidence is trigger-based and comes from the adapters'
// shared matcher, so cross-source values are already comparable.
// Ordering: confidence descending, owning source priority ascending,
// runbook last_updated descending, id ascending. When the same runbook
// id arrives from several sources, the best-ranked copy wins.
//
// # Outputs
//
//   - []*datatypes.RunbookMatch: the final ranked list
//   - int: distinct runbooks found before truncation
func rankRunbooks(matches []*datatypes.RunbookMatch, priorities map[string]int, limit int) ([]*datatypes.RunbookMatch, int) {
	prioOf := func(m *datatypes.RunbookMatch) int {
		if p, ok := priorities[m.Runbook.SourceName]; ok {
			return p
		}
		return int(^uint(0) >> 1)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if pa, pb := prioOf(a), prioOf(b); pa != pb {
			return pa < pb
		}
		if !a.Runbook.LastUpdated.Equal(b.Runbook.LastUpdated) {
			return a.Runbook.LastUpdated.After(b.Runbook.LastUpdated)
		}
		return a.Runbook.ID < b.Runbook.ID
	})

	seen := make(map[string]bool, len(matches))
	deduped := matches[:0]
	for _, m := range matches {
		if m.Runbook == nil || seen[m.Runbook.ID] {
			continue
		}
		seen[m.Runbook.ID] = true
		deduped = append(deduped, m)
	}

	total := len(deduped)
	if limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, total
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
