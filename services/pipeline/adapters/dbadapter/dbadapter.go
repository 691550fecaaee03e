// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dbadapter serves documentation stored in a database.
//
// Unlike the crawling adapters it holds no corpus: the database is the
// index, and every search runs live through a bounded connection pool
// with parameterized queries. Each configured table or collection maps
// its columns onto the Document shape; the backend narrows candidates
// with case-insensitive containment and the shared lexical scorer ranks
// them so results are comparable across adapter kinds. The DSN comes
// from the environment and never appears in configuration or logs.
package dbadapter

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Kind is the source kind this package registers under.
const Kind = "database"

const (
	defaultMaxConns = 4

	// maxQueryTokens caps how many tokens expand into SQL predicates; a
	// long query's tail adds noise, not recall.
	maxQueryTokens = 8

	// defaultSearchRows is the per-table candidate fetch when the caller
	// sets no limit.
	defaultSearchRows = 40

	// maxRunbookRows bounds how many rows a runbook scan will parse.
	maxRunbookRows = 200
)

// row is the backend-neutral shape one database record flattens into.
type row struct {
	ID       string
	Title    string
	Content  string
	Category string
	Author   string
	Updated  time.Time
}

// backend is the driver-specific half of the adapter. Implementations
// classify their own errors into pperr codes.
type backend interface {
	connect(ctx context.Context) error
	ping(ctx context.Context) error
	search(ctx context.Context, tm config.TableMapping, qTokens []string, limit int) ([]*row, error)
	get(ctx context.Context, tm config.TableMapping, id string) (*row, error)
	runbookRows(ctx context.Context, tm config.TableMapping) ([]*row, error)
	count(ctx context.Context, tm config.TableMapping) (int, error)
	probeSchema(ctx context.Context, tm config.TableMapping) error
	close(ctx context.Context) error
}

// Adapter serves documents straight from database tables or collections.
type Adapter struct {
	*adapters.Base

	settings config.DatabaseSettings
	backend  backend
}

// New is the Factory for database sources.
func New(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
	var ds config.DatabaseSettings
	if err := cfg.DecodeSettings(&ds); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "database settings do not decode", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "database settings invalid", err)
	}
	if ds.MaxConns == 0 {
		ds.MaxConns = defaultMaxConns
	}
	for i := range ds.Tables {
		if ds.Tables[i].IDField == "" {
			if ds.Driver == "mongodb" {
				ds.Tables[i].IDField = "_id"
			} else {
				ds.Tables[i].IDField = "id"
			}
		}
	}

	return &Adapter{
		Base:     adapters.NewBase(cfg, datatypes.KindDatabase, deps),
		settings: ds,
	}, nil
}

// Initialize opens the pool, verifies connectivity, optionally probes
// the schema, and takes the first document count.
//
// Credential and configuration failures abort startup; a database that
// is merely down registers degraded and the refresh scheduler retries.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.backend == nil {
		b, err := a.newBackend()
		if err != nil {
			return err
		}
		a.backend = b
	}

	err := a.Execute(ctx, "connect", func(ctx context.Context) error {
		if err := a.backend.connect(ctx); err != nil {
			return err
		}
		if a.settings.DetectSchema {
			for _, tm := range a.settings.Tables {
				if err := a.backend.probeSchema(ctx, tm); err != nil {
					slog.Warn("schema probe failed",
						"source", a.Name(), "table", tm.Name, "error", err)
				}
			}
		}
		return a.recount(ctx)
	})
	switch {
	case err == nil:
		return nil
	case pperr.Is(err, pperr.CodeAuth), pperr.Is(err, pperr.CodeConfig):
		return err
	default:
		slog.Warn("database not reachable at startup, serving degraded until a refresh succeeds",
			"source", a.Name(), "error", err)
		a.SetDegraded(true)
		return nil
	}
}

func (a *Adapter) newBackend() (backend, error) {
	dsn := os.Getenv(a.settings.DSNEnv)
	if dsn == "" {
		return nil, pperr.Newf(pperr.CodeConfig, "environment variable %s is empty", a.settings.DSNEnv).
			WithSuggestion("export the connection string in the variable named by dsn_env")
	}
	switch a.settings.Driver {
	case "postgres":
		return newSQLBackend(dsn, a.settings), nil
	case "mongodb":
		return newMongoBackend(dsn, a.settings)
	default:
		return nil, pperr.Newf(pperr.CodeConfig, "driver %q is not supported", a.settings.Driver)
	}
}

// Search fans the query across every mapped table and merges the ranked
// results.
func (a *Adapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	if !filters.WantsKind(datatypes.KindDatabase) {
		return nil, nil
	}

	var out []*datatypes.Document
	err := a.Execute(ctx, "search", func(ctx context.Context) error {
		qTokens := adapters.Tokenize(query)
		if len(qTokens) == 0 {
			return nil
		}
		if len(qTokens) > maxQueryTokens {
			qTokens = qTokens[:maxQueryTokens]
		}

		fetch := defaultSearchRows
		if filters != nil && filters.Limit > 0 {
			// Over-fetch so post-filtering cannot empty a truncated list.
			fetch = filters.Limit * 4
		}

		var (
			hits    []adapters.Scored
			failed  int
			lastErr error
		)
		for _, tm := range a.settings.Tables {
			if tm.CategoryField == "" && tm.Category != "" &&
				!filters.WantsCategory(datatypes.Category(tm.Category)) {
				continue
			}

			rows, err := a.backend.search(ctx, tm, qTokens, fetch)
			if err != nil {
				failed++
				lastErr = err
				slog.Warn("table search failed",
					"source", a.Name(), "table", tm.Name, "error", err)
				continue
			}
			for _, r := range rows {
				doc := a.rowDoc(tm, r)
				score, reasons := adapters.NewEntry(doc, r.Content, nil).Score(qTokens)
				if score == 0 {
					// Containment matched inside a longer word; not a
					// token match, so it does not rank.
					continue
				}
				hits = append(hits, adapters.Scored{Doc: doc, Score: score, Reasons: reasons})
			}
		}
		if len(hits) == 0 && failed > 0 {
			return lastErr
		}

		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].Doc.ID < hits[j].Doc.ID
		})
		out = adapters.FilterHits(hits, filters)
		return nil
	})
	return out, err
}

// Get fetches one row by composite id (table:rowid).
func (a *Adapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	table, rowID, ok := strings.Cut(id, ":")
	if !ok || table == "" || rowID == "" {
		return nil, pperr.Newf(pperr.CodeNotFound, "document %q not found", id).
			WithSuggestion("ids follow table:rowid; search to discover them")
	}
	tm, ok := a.mapping(table)
	if !ok {
		return nil, pperr.Newf(pperr.CodeNotFound, "no configured table named %q", table)
	}

	var out *datatypes.Document
	err := a.Execute(ctx, "get", func(ctx context.Context) error {
		r, err := a.backend.get(ctx, tm, rowID)
		if err != nil {
			return err
		}
		out = a.rowDoc(tm, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchRunbooks scans the runbook-capable tables, parses their rows as
// structured runbooks, and matches them against the alert.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	var out []*datatypes.RunbookMatch
	err := a.Execute(ctx, "search_runbooks", func(ctx context.Context) error {
		var rbs []*datatypes.Runbook
		for _, tm := range a.settings.Tables {
			if !holdsRunbooks(tm) {
				continue
			}
			rows, err := a.backend.runbookRows(ctx, tm)
			if err != nil {
				return err
			}
			for _, r := range rows {
				rb := a.parseRunbook(tm, r)
				if rb != nil {
					rbs = append(rbs, rb)
				}
			}
		}
		out = adapters.MatchRunbooks(rbs, alertType, severity, affectedSystems, alertContext)
		return nil
	})
	return out, err
}

// HealthCheck pings the backend.
func (a *Adapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	start := time.Now()
	if a.backend == nil {
		return a.Health(start, pperr.New(pperr.CodeUnavailable, "database client not initialized"))
	}
	return a.Health(start, a.backend.ping(ctx))
}

// RefreshIndex re-counts the mapped tables when due. The rows themselves
// are always read live, so a refresh only updates the metadata surface.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.RefreshDue(force) {
		return false, nil
	}
	err := a.Execute(ctx, "refresh", func(ctx context.Context) error {
		if a.Degraded() {
			// A degraded start never verified connectivity.
			if err := a.backend.connect(ctx); err != nil {
				return err
			}
			a.SetDegraded(false)
		}
		return a.recount(ctx)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup closes the pool.
func (a *Adapter) Cleanup(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	return a.backend.close(ctx)
}

// =============================================================================
// Row conversion
// =============================================================================

func (a *Adapter) recount(ctx context.Context) error {
	total := 0
	for _, tm := range a.settings.Tables {
		n, err := a.backend.count(ctx, tm)
		if err != nil {
			return err
		}
		total += n
	}
	a.SetDocumentCount(total)
	slog.Info("database corpus counted", "source", a.Name(), "documents", total)
	return nil
}

func (a *Adapter) mapping(table string) (config.TableMapping, bool) {
	for _, tm := range a.settings.Tables {
		if tm.Name == table {
			return tm, true
		}
	}
	return config.TableMapping{}, false
}

// rowDoc normalizes one database row into a Document. The composite id
// keeps rows from different tables distinct.
func (a *Adapter) rowDoc(tm config.TableMapping, r *row) *datatypes.Document {
	title := r.Title
	if title == "" {
		title = adapters.TitleFromBody([]byte(r.Content), tm.Name+":"+r.ID)
	}

	doc := &datatypes.Document{
		ID:          tm.Name + ":" + r.ID,
		Title:       title,
		Content:     r.Content,
		Excerpt:     adapters.MakeExcerpt(r.Content),
		SourceName:  a.Name(),
		SourceKind:  datatypes.KindDatabase,
		Category:    rowCategory(tm, r),
		LastUpdated: r.Updated,
		Metadata:    map[string]string{"table": tm.Name},
	}
	if r.Author != "" {
		doc.Metadata["author"] = r.Author
	}
	return doc
}

// rowCategory prefers the row's own category value, then the mapping's
// fixed category, then general. Unrecognized stored values fall through
// rather than leak backend vocabulary into the API.
func rowCategory(tm config.TableMapping, r *row) datatypes.Category {
	if r.Category != "" {
		if c, ok := adapters.CategoryFromLabel(r.Category); ok {
			return c
		}
	}
	if tm.Category != "" {
		return datatypes.Category(tm.Category)
	}
	return datatypes.CategoryGeneral
}

// holdsRunbooks reports whether a mapping can yield runbook rows: either
// the whole table is runbooks, or a category column may mark rows as such.
func holdsRunbooks(tm config.TableMapping) bool {
	return tm.Category == string(datatypes.CategoryRunbook) || tm.CategoryField != ""
}

// parseRunbook decodes a row's content as a structured runbook,
// tolerating either JSON or YAML bodies. Rows that do not parse are
// plain documents, not errors.
func (a *Adapter) parseRunbook(tm config.TableMapping, r *row) *datatypes.Runbook {
	if rowCategory(tm, r) != datatypes.CategoryRunbook {
		return nil
	}
	raw := []byte(strings.TrimSpace(r.Content))
	rb, err := adapters.ParseRunbookJSON(raw, a.Name())
	if err != nil {
		if rb, err = adapters.ParseRunbookYAML(raw, a.Name()); err != nil {
			slog.Debug("runbook row does not parse, serving as a plain document",
				"source", a.Name(), "table", tm.Name, "row", r.ID)
			return nil
		}
	}
	return rb
}
