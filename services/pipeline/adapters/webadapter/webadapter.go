// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webadapter serves documentation from generic HTTP endpoints.
//
// Each configured endpoint names a URL and how to extract documents
// from it: a CSS selector for HTML, an RFC 6901 pointer for JSON, or an
// XPath expression for markup. Extracted HTML is normalized to markdown
// so results read uniformly next to every other source. Endpoints
// paginate by query parameter or next link, fetches sit behind a
// per-source rate cap, and robots.txt is honored when the source asks
// for it. Endpoints tagged runbook contribute structured runbooks
// parsed from their payloads.
package webadapter

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Kind is the source kind this package registers under.
const Kind = "web"

const (
	// defaultRateLimit caps fetches per second when the source sets none.
	defaultRateLimit = 2

	// defaultMaxPages bounds a pagination walk when the endpoint sets no
	// cap of its own.
	defaultMaxPages = 5
)

// Adapter crawls configured endpoints into an in-memory corpus.
type Adapter struct {
	*adapters.Base

	settings config.WebSettings
	client   *webClient
	store    *adapters.DocSet
}

// New is the Factory for web sources.
func New(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
	var ws config.WebSettings
	if err := cfg.DecodeSettings(&ws); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "web settings do not decode", err)
	}
	if err := ws.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "web settings invalid", err)
	}

	a := &Adapter{
		Base:     adapters.NewBase(cfg, datatypes.KindWeb, deps),
		settings: ws,
		store:    adapters.NewDocSet(),
	}
	a.client = newWebClient(ws, &cfg.Auth, slog.With("source", cfg.Name))
	return a, nil
}

// Initialize runs the first crawl.
//
// A failed first crawl only fails startup when it is a credential or
// configuration problem; for anything transient the adapter registers
// degraded with an empty corpus and the refresh scheduler retries.
func (a *Adapter) Initialize(ctx context.Context) error {
	err := a.Execute(ctx, "index", a.reindex)
	switch {
	case err == nil:
		return nil
	case pperr.Is(err, pperr.CodeAuth), pperr.Is(err, pperr.CodeConfig):
		return err
	default:
		slog.Warn("initial crawl failed, serving empty corpus until a refresh succeeds",
			"source", a.Name(), "error", err)
		a.SetDegraded(true)
		return nil
	}
}

// Search scores the crawled corpus against the query.
func (a *Adapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	if !filters.WantsKind(datatypes.KindWeb) {
		return nil, nil
	}

	var out []*datatypes.Document
	err := a.Execute(ctx, "search", func(context.Context) error {
		limit := 0
		if filters != nil {
			limit = filters.Limit
		}
		// Over-fetch so post-filtering cannot empty a truncated list.
		hits := a.store.Search(query, limit*4)
		out = adapters.FilterHits(hits, filters)
		return nil
	})
	return out, err
}

// Get returns one extracted document by id.
func (a *Adapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	var out *datatypes.Document
	err := a.Execute(ctx, "get", func(context.Context) error {
		e, ok := a.store.Get(id)
		if !ok {
			return pperr.Newf(pperr.CodeNotFound, "document %q not found", id).
				WithSuggestion("ids are endpoint-scoped extraction slots; search to discover them")
		}
		out = e.Doc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchRunbooks matches the corpus's structured runbooks to the alert.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	var out []*datatypes.RunbookMatch
	err := a.Execute(ctx, "search_runbooks", func(context.Context) error {
		out = adapters.MatchRunbooks(a.store.Runbooks(), alertType, severity, affectedSystems, alertContext)
		return nil
	})
	return out, err
}

// HealthCheck probes the first endpoint's origin. With respect_robots
// the probe stops at robots.txt: a definitive robots answer proves the
// origin is up without spending a crawl-weight request.
func (a *Adapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	start := time.Now()
	return a.Health(start, a.probe(ctx))
}

func (a *Adapter) probe(ctx context.Context) error {
	ep := a.settings.Endpoints[0]
	if a.settings.RespectRobots {
		_, err := a.client.allowed(ctx, ep.URL)
		return err
	}
	_, err := a.client.fetch(ctx, methodOf(ep), ep.URL)
	if pperr.Is(err, pperr.CodeNotFound) {
		// The origin answered; a moved page is a crawl concern.
		return nil
	}
	return err
}

// RefreshIndex re-crawls every endpoint when due.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.RefreshDue(force) {
		return false, nil
	}
	if err := a.Execute(ctx, "refresh", a.reindex); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup drops idle connections. The corpus is process memory and
// needs no teardown.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.client.httpc.CloseIdleConnections()
	return nil
}

// =============================================================================
// Crawling
// =============================================================================

// reindex rebuilds the corpus from every endpoint. Endpoints that are
// gone (404) or robots-denied skip with a warning so one dead page
// cannot hide the rest; credential and configuration failures abort
// immediately; any transient failure aborts the pass and the previous
// corpus stays live.
func (a *Adapter) reindex(ctx context.Context) error {
	start := time.Now()

	var (
		entries []*adapters.Entry
		skipped int
	)
	for _, ep := range a.settings.Endpoints {
		part, err := a.crawlEndpoint(ctx, ep)
		switch {
		case err == nil:
			entries = append(entries, part...)
		case pperr.Is(err, pperr.CodeNotFound):
			slog.Warn("endpoint does not exist, skipping",
				"source", a.Name(), "endpoint", ep.Name)
			skipped++
		default:
			return err
		}
	}

	a.store.ReplaceAll(entries)
	a.SetDocumentCount(len(entries))
	a.SetDegraded(false)
	slog.Info("web corpus rebuilt",
		"source", a.Name(),
		"documents", len(entries),
		"endpoints_skipped", skipped,
		"duration", time.Since(start).String())
	return nil
}

// crawlEndpoint walks one endpoint's pages and extracts entries. The
// walk stops at the page cap, at a page that yields nothing, at a 404
// past the first page, or when the next link runs out.
func (a *Adapter) crawlEndpoint(ctx context.Context, ep config.WebEndpoint) ([]*adapters.Entry, error) {
	pg := ep.Pagination
	maxPages := 1
	if pg != nil {
		maxPages = pg.MaxPages
		if maxPages == 0 {
			maxPages = defaultMaxPages
		}
	}

	var entries []*adapters.Entry
	pageURL := ep.URL
	n := 0
	for pageNo := 0; pageNo < maxPages; pageNo++ {
		if pg != nil && pg.NextSelector == "" {
			u, err := withParam(ep.URL, pg.Param, pg.Start+pageNo)
			if err != nil {
				return nil, err
			}
			pageURL = u
		}

		if a.settings.RespectRobots {
			ok, err := a.client.allowed(ctx, pageURL)
			if err != nil {
				return nil, err
			}
			if !ok {
				slog.Warn("robots.txt disallows fetch, skipping",
					"source", a.Name(), "endpoint", ep.Name, "url", pageURL)
				break
			}
		}

		res, err := a.client.fetch(ctx, methodOf(ep), pageURL)
		if err != nil {
			if pageNo > 0 && pperr.Is(err, pperr.CodeNotFound) {
				// Walked past the last page.
				break
			}
			return nil, err
		}

		pieces, err := extract(ep, res)
		if err != nil {
			return nil, err
		}
		if len(pieces) == 0 {
			break
		}
		for _, p := range pieces {
			n++
			entries = append(entries, a.pieceEntry(ep, p, res, n))
		}

		if pg == nil {
			break
		}
		if pg.NextSelector != "" {
			next := nextLink(res.body, pg.NextSelector, res.url)
			if next == "" || next == pageURL {
				break
			}
			pageURL = next
		}
	}
	return entries, nil
}

// pieceEntry shapes one extracted piece into an indexed entry. Runbook
// endpoints additionally parse the piece's raw payload (JSON, then
// YAML) into a structured runbook that inherits the page URL.
func (a *Adapter) pieceEntry(ep config.WebEndpoint, p *piece, res *page, n int) *adapters.Entry {
	title := p.title
	if title == "" && !p.structured {
		title = adapters.TitleFromBody([]byte(p.content), p.fallback)
	}
	if title == "" {
		title = ep.Name + " #" + strconv.Itoa(n)
	}

	category := datatypes.CategoryGeneral
	if ep.Category != "" {
		category = datatypes.Category(ep.Category)
	}

	doc := &datatypes.Document{
		ID:          ep.Name + ":" + strconv.Itoa(n),
		Title:       title,
		Content:     p.content,
		Excerpt:     adapters.MakeExcerpt(p.content),
		SourceName:  a.Name(),
		SourceKind:  datatypes.KindWeb,
		Category:    category,
		URL:         res.url.String(),
		LastUpdated: res.lastMod,
		Metadata:    map[string]string{"endpoint": ep.Name},
	}

	var rb *datatypes.Runbook
	searchText := p.content
	if category == datatypes.CategoryRunbook {
		raw := p.runbookRaw
		if len(raw) == 0 {
			raw = []byte(strings.TrimSpace(p.content))
		}
		var err error
		if rb, err = adapters.ParseRunbookJSON(raw, a.Name()); err != nil {
			if rb, err = adapters.ParseRunbookYAML(raw, a.Name()); err != nil {
				slog.Debug("runbook endpoint piece does not parse, serving as a plain document",
					"source", a.Name(), "endpoint", ep.Name, "id", doc.ID)
				rb = nil
			}
		}
		if rb != nil {
			if rb.URL == "" {
				rb.URL = doc.URL
			}
			searchText = p.content + "\n" + adapters.RunbookSearchText(rb)
		}
	}
	return adapters.NewEntry(doc, searchText, rb)
}

func methodOf(ep config.WebEndpoint) string {
	if ep.Method == "" {
		return http.MethodGet
	}
	return ep.Method
}
