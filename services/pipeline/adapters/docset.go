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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Entry is one document held by a DocSet together with its searchable
// token sets. Runbook is non-nil when the document decoded as a
// structured runbook.
type Entry struct {
	Doc     *datatypes.Document
	Runbook *datatypes.Runbook

	titleTokens map[string]bool
	bodyTokens  map[string]bool
}

// NewEntry tokenizes the document title and the given searchable text.
// searchText is usually the content body; for structured runbooks it is
// the flattened trigger/procedure text.
func NewEntry(doc *datatypes.Document, searchText string, rb *datatypes.Runbook) *Entry {
	return &Entry{
		Doc:         doc,
		Runbook:     rb,
		titleTokens: TokenSet(doc.Title),
		bodyTokens:  TokenSet(searchText),
	}
}

// Score rates the entry against pre-tokenized query terms. Zero means
// no lexical overlap.
func (e *Entry) Score(qTokens []string) (float64, []string) {
	return CoverageScore(qTokens, e.titleTokens, e.bodyTokens)
}

// Scored pairs a document with its lexical score.
type Scored struct {
	Doc     *datatypes.Document
	Score   float64
	Reasons []string
}

// DocSet is the in-memory corpus for adapters that crawl a remote
// backend on refresh and serve queries locally in between. Lookups scan
// linearly; remote corpora stay small enough that a posting table would
// be noise.
//
// # Thread Safety
//
// Safe for concurrent use. ReplaceAll swaps the whole map under the
// write lock so readers never observe a half-built corpus.
type DocSet struct {
	mu   sync.RWMutex
	docs map[string]*Entry
}

// NewDocSet returns an empty corpus.
func NewDocSet() *DocSet {
	return &DocSet{docs: make(map[string]*Entry)}
}

// ReplaceAll swaps the corpus contents in one step.
func (s *DocSet) ReplaceAll(entries []*Entry) {
	next := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		next[e.Doc.ID] = e
	}
	s.mu.Lock()
	s.docs = next
	s.mu.Unlock()
}

// Get returns the entry by document id.
func (s *DocSet) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	return e, ok
}

// Len returns the corpus size.
func (s *DocSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Runbooks returns every structured runbook in the corpus.
func (s *DocSet) Runbooks() []*datatypes.Runbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*datatypes.Runbook, 0)
	for _, e := range s.docs {
		if e.Runbook != nil {
			out = append(out, e.Runbook)
		}
	}
	return out
}

// Search scores the corpus against the query and returns the top
// matches, highest score first, document id breaking ties.
func (s *DocSet) Search(query string, limit int) []Scored {
	qTokens := Tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	s.mu.RLock()
	results := make([]Scored, 0)
	for _, e := range s.docs {
		score, reasons := e.Score(qTokens)
		if score <= 0 {
			continue
		}
		results = append(results, Scored{Doc: e.Doc, Score: score, Reasons: reasons})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Doc.ID < results[j].Doc.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// FilterHits applies the post-search filters to scored hits and shapes
// them into result documents: cloned, content stripped (full bodies are
// a Get concern), confidence and match reasons attached.
func FilterHits(hits []Scored, filters *datatypes.SearchFilters) []*datatypes.Document {
	limit := 0
	if filters != nil {
		limit = filters.Limit
	}

	now := time.Now()
	var out []*datatypes.Document
	for _, h := range hits {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !filters.WantsCategory(h.Doc.Category) {
			continue
		}
		// Age filtering needs a date; content the backend serves
		// without one stays eligible.
		if filters != nil && filters.MaxAge > 0 && !h.Doc.LastUpdated.IsZero() &&
			now.Sub(h.Doc.LastUpdated) > filters.MaxAge {
			continue
		}
		if filters != nil && filters.MinConfidence > 0 && h.Score < filters.MinConfidence {
			continue
		}
		doc := h.Doc.Clone()
		doc.Content = ""
		doc.Confidence = h.Score
		doc.MatchReasons = h.Reasons
		out = append(out, doc)
	}
	return out
}
