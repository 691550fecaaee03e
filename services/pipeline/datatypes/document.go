// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data model shared by the retrieval
// pipeline, the source adapters, and the tool layer.
//
// This file contains the normalized document shape and the search
// filter/metadata types. Runbook structures live in runbook.go.
package datatypes

import (
	"time"
)

// =============================================================================
// Enumerations
// =============================================================================

// SourceKind identifies the backend family an adapter speaks to.
type SourceKind string

const (
	KindFile     SourceKind = "file"
	KindGitHost  SourceKind = "git_host"
	KindWiki     SourceKind = "wiki"
	KindDatabase SourceKind = "database"
	KindWeb      SourceKind = "web"
)

// Valid reports whether k names a built-in adapter kind.
func (k SourceKind) Valid() bool {
	switch k {
	case KindFile, KindGitHost, KindWiki, KindDatabase, KindWeb:
		return true
	default:
		return false
	}
}

// Category classifies a document's operational role.
type Category string

const (
	CategoryRunbook      Category = "runbook"
	CategoryProcedure    Category = "procedure"
	CategoryDecisionTree Category = "decision_tree"
	CategoryGuide        Category = "guide"
	CategoryGeneral      Category = "general"
)

// Severity grades an incident for runbook matching and deadline selection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four recognized grades.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// =============================================================================
// Document
// =============================================================================

// MaxExcerptBytes bounds the excerpt an adapter may attach to a Document.
// Full content is bounded separately by the adapter's own fetch limits.
const MaxExcerptBytes = 512

// Document is the normalized retrieved item every adapter emits.
//
// # Description
//
// Adapters fill everything except RetrievalTimeMs, which the pipeline stamps
// when a fan-out call completes; an adapter-set value is overwritten.
// Confidence must be monotonic with observed match strength within a single
// adapter's result list.
type Document struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Content       string            `json:"content,omitempty"`
	Excerpt       string            `json:"excerpt,omitempty"`
	SourceName    string            `json:"source_name"`
	SourceKind    SourceKind        `json:"source_kind"`
	Category      Category          `json:"category"`
	Confidence    float64           `json:"confidence"`
	MatchReasons  []string          `json:"match_reasons,omitempty"`
	RetrievalTime int64             `json:"retrieval_time_ms"`
	LastUpdated   time.Time         `json:"last_updated"`
	URL           string            `json:"url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy. Cached documents are handed out as copies so
// one caller's mutation cannot poison another's view.
func (d *Document) Clone() *Document {
	cp := *d
	if d.MatchReasons != nil {
		cp.MatchReasons = append([]string(nil), d.MatchReasons...)
	}
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// =============================================================================
// Search filters
// =============================================================================

// SearchFilters narrows a search across adapters.
//
// Adapters push down the filters their backend can express and list the rest
// in unapplied so the pipeline enforces them after the merge.
type SearchFilters struct {
	Kinds         []SourceKind  `json:"kinds,omitempty"`
	Categories    []Category    `json:"categories,omitempty"`
	MaxAge        time.Duration `json:"max_age,omitempty"`
	MinConfidence float64       `json:"min_confidence,omitempty"`
	Limit         int           `json:"limit,omitempty"`

	unapplied []string
}

// Clone returns an independent copy for handing to one adapter. The
// unapplied list is per-copy, so concurrent adapters never share it.
func (f *SearchFilters) Clone() *SearchFilters {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Kinds = append([]SourceKind(nil), f.Kinds...)
	cp.Categories = append([]Category(nil), f.Categories...)
	cp.unapplied = nil
	return &cp
}

// MarkUnapplied records a filter the adapter could not push down.
func (f *SearchFilters) MarkUnapplied(name string) {
	if f == nil {
		return
	}
	for _, u := range f.unapplied {
		if u == name {
			return
		}
	}
	f.unapplied = append(f.unapplied, name)
}

// Unapplied lists filters left for the pipeline to enforce.
func (f *SearchFilters) Unapplied() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.unapplied...)
}

// WantsCategory reports whether c passes the category filter.
func (f *SearchFilters) WantsCategory(c Category) bool {
	if f == nil || len(f.Categories) == 0 {
		return true
	}
	for _, want := range f.Categories {
		if want == c {
			return true
		}
	}
	return false
}

// WantsKind reports whether k passes the kind filter.
func (f *SearchFilters) WantsKind(k SourceKind) bool {
	if f == nil || len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// =============================================================================
// Source health & metadata
// =============================================================================

// HealthCheck is the result of probing one source. Created on demand,
// never persisted.
type HealthCheck struct {
	SourceName    string    `json:"source_name"`
	Healthy       bool      `json:"healthy"`
	ResponseTime  int64     `json:"response_time_ms"`
	LastCheck     time.Time `json:"last_check"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	BreakerState  string    `json:"breaker_state,omitempty"`
	DocumentCount int       `json:"document_count,omitempty"`
}

// SourceMetadata summarizes one adapter for list_sources and operators.
type SourceMetadata struct {
	Name            string     `json:"name"`
	Kind            SourceKind `json:"kind"`
	DocumentCount   int        `json:"document_count"`
	AvgResponseMs   float64    `json:"avg_response_time_ms"`
	SuccessRate     float64    `json:"success_rate"`
	LastRefresh     time.Time  `json:"last_refresh,omitempty"`
	Degraded        bool       `json:"degraded,omitempty"`
	Priority        int        `json:"priority"`
	Enabled         bool       `json:"enabled"`
	UnappliedNote   string     `json:"unapplied_note,omitempty"`
	FeedbackSuccess int64      `json:"feedback_success,omitempty"`
	FeedbackFailure int64      `json:"feedback_failure,omitempty"`
}
