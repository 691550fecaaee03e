// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileadapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// section is one split chunk of a document body, indexed separately so a
// match deep inside a long document still yields a useful excerpt.
type section struct {
	text   string
	tokens map[string]bool
}

// indexedDoc is one file in the index.
type indexedDoc struct {
	doc         *datatypes.Document
	path        string // absolute path on disk
	titleTokens map[string]bool
	bodyTokens  map[string]bool
	sections    []section
	runbook     *datatypes.Runbook // non-nil for structured runbook files
}

// invertedIndex maps tokens to the documents containing them.
//
// # Thread Safety
//
// Safe for concurrent use. Rebuilds swap the whole posting table under
// the write lock so readers never observe a half-built index.
type invertedIndex struct {
	mu       sync.RWMutex
	docs     map[string]*indexedDoc // by document id
	byPath   map[string]string      // absolute path → document id
	postings map[string]map[string]bool
}

func newInvertedIndex() *invertedIndex {
	return &invertedIndex{
		docs:     make(map[string]*indexedDoc),
		byPath:   make(map[string]string),
		postings: make(map[string]map[string]bool),
	}
}

// replaceAll swaps the index contents in one step.
func (ix *invertedIndex) replaceAll(docs []*indexedDoc) {
	next := newInvertedIndex()
	for _, d := range docs {
		next.addLocked(d)
	}

	ix.mu.Lock()
	ix.docs = next.docs
	ix.byPath = next.byPath
	ix.postings = next.postings
	ix.mu.Unlock()
}

// upsert indexes a single document, replacing any previous version of
// the same path. Used by the change watcher. Returns false when the
// document id is already owned by a different file; indexing it anyway
// would orphan that file's entry.
func (ix *invertedIndex) upsert(d *indexedDoc) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if oldID, ok := ix.byPath[d.path]; ok {
		ix.removeLocked(oldID)
	}
	if cur, ok := ix.docs[d.doc.ID]; ok && cur.path != d.path {
		return false
	}
	ix.addLocked(d)
	return true
}

// removePath drops the document indexed from the given absolute path.
func (ix *invertedIndex) removePath(path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.byPath[path]
	if !ok {
		return false
	}
	ix.removeLocked(id)
	return true
}

func (ix *invertedIndex) addLocked(d *indexedDoc) {
	ix.docs[d.doc.ID] = d
	ix.byPath[d.path] = d.doc.ID
	for tok := range d.titleTokens {
		ix.postLocked(tok, d.doc.ID)
	}
	for tok := range d.bodyTokens {
		ix.postLocked(tok, d.doc.ID)
	}
}

func (ix *invertedIndex) postLocked(tok, id string) {
	set, ok := ix.postings[tok]
	if !ok {
		set = make(map[string]bool)
		ix.postings[tok] = set
	}
	set[id] = true
}

func (ix *invertedIndex) removeLocked(id string) {
	d, ok := ix.docs[id]
	if !ok {
		return
	}
	delete(ix.docs, id)
	delete(ix.byPath, d.path)
	for tok, set := range ix.postings {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.postings, tok)
		}
	}
}

// get returns the indexed document by id.
func (ix *invertedIndex) get(id string) (*indexedDoc, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	d, ok := ix.docs[id]
	return d, ok
}

// len returns the number of indexed documents.
func (ix *invertedIndex) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// runbooks returns every structured runbook in the index.
func (ix *invertedIndex) runbooks() []*indexedDoc {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*indexedDoc, 0)
	for _, d := range ix.docs {
		if d.runbook != nil {
			out = append(out, d)
		}
	}
	return out
}

// scored pairs a document with its lexical score for sorting.
type scored struct {
	doc     *datatypes.Document
	score   float64
	reasons []string
	excerpt string
}

// search scores indexed documents against the query tokens.
//
// # Description
//
// The posting table narrows candidates, the shared coverage score rates
// them, and the best-matching section supplies the excerpt so long
// documents surface the relevant part, not their opening paragraph.
func (ix *invertedIndex) search(query string, limit int) []scored {
	qTokens := adapters.Tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(map[string]bool)
	for _, tok := range qTokens {
		for id := range ix.postings[tok] {
			candidates[id] = true
		}
	}

	results := make([]scored, 0, len(candidates))
	for id := range candidates {
		d := ix.docs[id]
		score, reasons := adapters.CoverageScore(qTokens, d.titleTokens, d.bodyTokens)
		if score <= 0 {
			continue
		}

		excerpt := d.doc.Excerpt
		if best := bestSection(d.sections, qTokens); best >= 0 {
			excerpt = adapters.MakeExcerpt(d.sections[best].text)
			if len(d.sections) > 1 {
				reasons = append(reasons, fmt.Sprintf("strongest match in section %d", best+1))
			}
		}

		results = append(results, scored{doc: d.doc, score: score, reasons: reasons, excerpt: excerpt})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].doc.ID < results[j].doc.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// bestSection returns the index of the section covering the most query
// tokens, or -1 when no section matches.
func bestSection(sections []section, qTokens []string) int {
	best, bestHits := -1, 0
	for i, s := range sections {
		hits := 0
		for _, tok := range qTokens {
			if s.tokens[tok] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	return best
}
