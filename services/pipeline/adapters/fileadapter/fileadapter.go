// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileadapter indexes documentation living on the local
// filesystem.
//
// It walks the configured roots, parses YAML front matter on Markdown
// and text files, decodes structured runbooks from JSON and YAML, and
// serves searches from an in-memory inverted token index. Long bodies
// are split into sections so a match deep inside a long document
// surfaces the relevant part. With watch_changes enabled, an fsnotify
// watcher keeps the index current between refresh intervals.
package fileadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Kind is the source kind this package registers under.
const Kind = "file"

const (
	defaultChunkSize    = 1200
	defaultChunkOverlap = 120
)

var markdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
	"\n\n", "\n", " ", "",
}

// Adapter serves documents from local directory trees.
type Adapter struct {
	*adapters.Base

	settings config.FileSettings
	splitter textsplitter.TextSplitter
	index    *invertedIndex

	watchMu sync.Mutex
	watch   *watcher

	closeOnce sync.Once
}

// New is the Factory for file sources.
func New(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
	var fs config.FileSettings
	if err := cfg.DecodeSettings(&fs); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "file source settings do not decode", err)
	}
	if err := fs.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "file source settings invalid", err)
	}
	if fs.ChunkSize <= 0 {
		fs.ChunkSize = defaultChunkSize
	}
	if fs.ChunkOverlap <= 0 {
		fs.ChunkOverlap = defaultChunkOverlap
	}

	return &Adapter{
		Base:     adapters.NewBase(cfg, datatypes.KindFile, deps),
		settings: fs,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(fs.ChunkSize),
			textsplitter.WithChunkOverlap(fs.ChunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		),
		index: newInvertedIndex(),
	}, nil
}

// Initialize verifies the roots, builds the first index, and starts the
// change watcher when configured.
func (a *Adapter) Initialize(ctx context.Context) error {
	for _, root := range a.settings.Roots {
		info, err := os.Stat(root)
		if err != nil {
			return pperr.Wrap(pperr.CodeConfig, fmt.Sprintf("root %q is not accessible", root), err)
		}
		if !info.IsDir() {
			return pperr.Newf(pperr.CodeConfig, "root %q is not a directory", root)
		}
	}

	if err := a.Execute(ctx, "index", a.reindex); err != nil {
		return err
	}

	if a.settings.WatchChanges {
		w, err := newWatcher(a.Name(), a.settings.Roots, a.onChanges)
		if err != nil {
			// Watching is an optimization; the interval refresh still runs.
			slog.Warn("file watcher unavailable, relying on interval refresh",
				"source", a.Name(), "error", err)
		} else {
			a.watchMu.Lock()
			a.watch = w
			a.watchMu.Unlock()
		}
	}
	return nil
}

// Search scores the indexed corpus against the query.
func (a *Adapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	if !filters.WantsKind(datatypes.KindFile) {
		return nil, nil
	}

	var out []*datatypes.Document
	err := a.Execute(ctx, "search", func(ctx context.Context) error {
		limit := 0
		if filters != nil {
			limit = filters.Limit
		}
		// Over-fetch so post-filtering cannot empty a truncated list.
		hits := a.index.search(query, limit*4)

		now := time.Now()
		for _, h := range hits {
			if limit > 0 && len(out) >= limit {
				break
			}
			if !filters.WantsCategory(h.doc.Category) {
				continue
			}
			if filters != nil && filters.MaxAge > 0 && now.Sub(h.doc.LastUpdated) > filters.MaxAge {
				continue
			}
			if filters != nil && filters.MinConfidence > 0 && h.score < filters.MinConfidence {
				continue
			}
			doc := h.doc.Clone()
			doc.Content = "" // full content is a Get concern
			doc.Confidence = h.score
			doc.MatchReasons = h.reasons
			doc.Excerpt = h.excerpt
			out = append(out, doc)
		}
		return nil
	})
	return out, err
}

// Get returns one document with its full content.
func (a *Adapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	var out *datatypes.Document
	err := a.Execute(ctx, "get", func(ctx context.Context) error {
		d, ok := a.index.get(id)
		if !ok {
			return pperr.Newf(pperr.CodeNotFound, "document %q not found", id).
				WithSuggestion("list documents via search or check the id spelling")
		}
		out = d.doc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchRunbooks matches structured runbooks against an alert.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	var out []*datatypes.RunbookMatch
	err := a.Execute(ctx, "search_runbooks", func(ctx context.Context) error {
		runbooks := make([]*datatypes.Runbook, 0)
		for _, d := range a.index.runbooks() {
			runbooks = append(runbooks, d.runbook)
		}
		out = adapters.MatchRunbooks(runbooks, alertType, severity, affectedSystems, alertContext)
		return nil
	})
	return out, err
}

// HealthCheck probes that every root is still readable.
func (a *Adapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	start := time.Now()
	var probeErr error
	for _, root := range a.settings.Roots {
		if _, err := os.Stat(root); err != nil {
			probeErr = fmt.Errorf("root %q unreadable: %w", root, err)
			break
		}
	}
	return a.Health(start, probeErr)
}

// RefreshIndex rebuilds the index when due.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.RefreshDue(force) {
		return false, nil
	}
	if err := a.Execute(ctx, "refresh", a.reindex); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup stops the change watcher. The index is process memory and
// needs no teardown.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.watchMu.Lock()
		if a.watch != nil {
			a.watch.close()
			a.watch = nil
		}
		a.watchMu.Unlock()
	})
	return nil
}

// =============================================================================
// Indexing
// =============================================================================

func (a *Adapter) reindex(ctx context.Context) error {
	start := time.Now()
	var docs []*indexedDoc
	taken := make(map[string]bool)

	for _, root := range a.settings.Roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return pperr.Wrap(pperr.CodeConfig, fmt.Sprintf("root %q does not resolve", root), err)
		}
		err = filepath.WalkDir(absRoot, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				slog.Warn("skipping unreadable path", "source", a.Name(), "path", path, "error", walkErr)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() {
				if a.settings.MaxDepth > 0 && depthOf(rel) >= a.settings.MaxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !a.eligible(rel) {
				return nil
			}

			doc, parseErr := a.indexFile(absRoot, path, rel)
			if parseErr != nil {
				slog.Warn("skipping unparseable file", "source", a.Name(), "path", path, "error", parseErr)
				return nil
			}
			if doc == nil {
				return nil
			}
			if taken[doc.doc.ID] {
				doc.doc.ID = filepath.Base(absRoot) + "/" + doc.doc.ID
			}
			if taken[doc.doc.ID] {
				slog.Warn("duplicate document id, skipping", "source", a.Name(), "id", doc.doc.ID)
				return nil
			}
			taken[doc.doc.ID] = true
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return pperr.Wrap(pperr.CodeUnavailable, "index walk failed", err)
		}
	}

	a.index.replaceAll(docs)
	a.SetDocumentCount(len(docs))
	slog.Info("file index built",
		"source", a.Name(),
		"documents", len(docs),
		"duration", time.Since(start).String())
	return nil
}

// eligible applies the include/exclude globs to a relative path.
// Patterns match against the slash-normalized relative path and, as a
// convenience, the bare file name, so "*.md" covers nested files.
func (a *Adapter) eligible(rel string) bool {
	rel = filepath.ToSlash(rel)
	if !adapters.DocExts[strings.ToLower(filepath.Ext(rel))] {
		return false
	}
	for _, pat := range a.settings.ExcludeGlobs {
		if matchGlob(pat, rel) {
			return false
		}
	}
	if len(a.settings.IncludeGlobs) == 0 {
		return true
	}
	for _, pat := range a.settings.IncludeGlobs {
		if matchGlob(pat, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, rel string) bool {
	if ok, _ := filepath.Match(pattern, rel); ok {
		return true
	}
	ok, _ := filepath.Match(pattern, filepath.Base(rel))
	return ok
}

func depthOf(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

// indexFile parses one file into an indexedDoc. A nil, nil return means
// the file is deliberately skipped (e.g. JSON that is not a runbook).
func (a *Adapter) indexFile(absRoot, path, rel string) (*indexedDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	id := filepath.ToSlash(rel)
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		rb, rbErr := adapters.ParseRunbookJSON(raw, a.Name())
		if rbErr != nil {
			slog.Debug("JSON file is not a runbook, skipping",
				"source", a.Name(), "path", path, "error", rbErr)
			return nil, nil
		}
		// Runbook documents are indexed under the runbook's own id, so
		// Get(runbook_id) resolves the document that defines it.
		return a.runbookDoc(rb.ID, path, rb, info.ModTime()), nil

	case ".yaml", ".yml":
		if rb, rbErr := adapters.ParseRunbookYAML(raw, a.Name()); rbErr == nil {
			return a.runbookDoc(rb.ID, path, rb, info.ModTime()), nil
		}
		return a.textDoc(id, path, rel, raw, info.ModTime()), nil

	default: // .md, .txt
		return a.textDoc(id, path, rel, raw, info.ModTime()), nil
	}
}

func (a *Adapter) textDoc(id, path, rel string, raw []byte, modTime time.Time) *indexedDoc {
	fm, body := splitFrontMatter(raw)

	title := ""
	if fm != nil {
		title = fm.Title
	}
	if title == "" {
		title = adapters.TitleFromBody(body, strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)))
	}

	updated := modTime
	if fm != nil && !fm.Updated.IsZero() {
		updated = fm.Updated
	}

	doc := &datatypes.Document{
		ID:          id,
		Title:       title,
		Content:     string(body),
		Excerpt:     adapters.MakeExcerpt(string(body)),
		SourceName:  a.Name(),
		SourceKind:  datatypes.KindFile,
		Category:    parseCategory(fm, rel),
		LastUpdated: updated,
		URL:         "file://" + path,
	}
	if fm != nil {
		meta := make(map[string]string)
		if fm.Author != "" {
			meta["author"] = fm.Author
		}
		if len(fm.Tags) > 0 {
			meta["tags"] = strings.Join(fm.Tags, ",")
		}
		if len(meta) > 0 {
			doc.Metadata = meta
		}
	}

	return &indexedDoc{
		doc:         doc,
		path:        path,
		titleTokens: adapters.TokenSet(title),
		bodyTokens:  adapters.TokenSet(string(body)),
		sections:    a.splitSections(string(body)),
	}
}

func (a *Adapter) runbookDoc(id, path string, rb *datatypes.Runbook, modTime time.Time) *indexedDoc {
	if rb.LastUpdated.IsZero() {
		rb.LastUpdated = modTime
	}
	rb.URL = "file://" + path

	body := adapters.RunbookSearchText(rb)

	// Content is the canonical runbook JSON, so a Get on the runbook id
	// hands back something the structured-lookup tools can re-decode.
	content := body
	if canonical, err := json.Marshal(rb); err == nil {
		content = string(canonical)
	}

	doc := &datatypes.Document{
		ID:          id,
		Title:       rb.Title,
		Content:     content,
		Excerpt:     adapters.MakeExcerpt("Triggers: " + strings.Join(rb.Triggers, ", ")),
		SourceName:  a.Name(),
		SourceKind:  datatypes.KindFile,
		Category:    datatypes.CategoryRunbook,
		Confidence:  rb.Metadata.Confidence,
		LastUpdated: rb.LastUpdated,
		URL:         rb.URL,
	}

	return &indexedDoc{
		doc:         doc,
		path:        path,
		titleTokens: adapters.TokenSet(rb.Title),
		bodyTokens:  adapters.TokenSet(body),
		runbook:     rb,
	}
}

func (a *Adapter) splitSections(body string) []section {
	if len(body) <= a.settings.ChunkSize {
		return nil
	}
	chunks, err := a.splitter.SplitText(body)
	if err != nil || len(chunks) < 2 {
		return nil
	}
	sections := make([]section, 0, len(chunks))
	for _, c := range chunks {
		sections = append(sections, section{text: c, tokens: adapters.TokenSet(c)})
	}
	return sections
}

// =============================================================================
// Incremental updates
// =============================================================================

// onChanges is the watcher's debounced callback.
func (a *Adapter) onChanges(changed, removed []string) {
	for _, path := range removed {
		if a.index.removePath(path) {
			slog.Debug("document dropped from index", "source", a.Name(), "path", path)
		}
	}

	for _, path := range changed {
		root, rel, ok := a.relativize(path)
		if !ok || !a.eligible(rel) {
			continue
		}
		doc, err := a.indexFile(root, path, rel)
		if err != nil || doc == nil {
			if err != nil {
				slog.Warn("changed file did not re-index", "source", a.Name(), "path", path, "error", err)
			}
			continue
		}
		if !a.index.upsert(doc) {
			slog.Warn("document id already owned by another file, change ignored",
				"source", a.Name(), "id", doc.doc.ID, "path", path)
			continue
		}
		slog.Debug("document re-indexed", "source", a.Name(), "id", doc.doc.ID)
	}

	a.SetDocumentCount(a.index.len())
}

// relativize finds which root a path belongs to.
func (a *Adapter) relativize(path string) (root, rel string, ok bool) {
	for _, r := range a.settings.Roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		return abs, rel, true
	}
	return "", "", false
}
