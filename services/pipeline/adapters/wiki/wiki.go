// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wiki indexes pages from a Confluence-compatible wiki.
//
// It crawls the configured spaces through the paginated REST listing
// and converts each page's storage XHTML to markdown for an in-memory
// corpus, so most queries never leave the process. With native search
// enabled, queries go to the wiki's own search endpoint first and fall
// back to the local corpus when the remote cannot answer. Pages labeled
// as runbooks also contribute their first code block as a structured
// runbook.
package wiki

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Kind is the source kind this package registers under.
const Kind = "wiki"

const (
	defaultPageSize = 50
	defaultMaxPages = 20

	// pageExpand pulls body, version, space, and labels in one listing
	// request instead of one round trip per page.
	pageExpand = "body.storage,version,space,metadata.labels"

	// nativeFloorScore keeps a page the wiki's own index matched from
	// scoring zero when our tokenizer finds no overlap.
	nativeFloorScore = 0.3
)

// Adapter serves documentation crawled from a wiki.
type Adapter struct {
	*adapters.Base

	settings config.WikiSettings
	client   *apiClient
	store    *adapters.DocSet
}

// New is the Factory for wiki sources.
func New(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
	var ws config.WikiSettings
	if err := cfg.DecodeSettings(&ws); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "wiki settings do not decode", err)
	}
	if err := ws.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "wiki settings invalid", err)
	}
	if ws.PageSize == 0 {
		ws.PageSize = defaultPageSize
	}
	if ws.MaxPages == 0 {
		ws.MaxPages = defaultMaxPages
	}

	a := &Adapter{
		Base:     adapters.NewBase(cfg, datatypes.KindWiki, deps),
		settings: ws,
		store:    adapters.NewDocSet(),
	}
	a.client = newAPIClient(ws.BaseURL, &cfg.Auth, slog.With("source", cfg.Name))
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

// Search answers from the wiki's native index when configured, from the
// crawled corpus otherwise.
func (a *Adapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	if !filters.WantsKind(datatypes.KindWiki) {
		return nil, nil
	}

	var out []*datatypes.Document
	err := a.Execute(ctx, "search", func(ctx context.Context) error {
		limit := 0
		if filters != nil {
			limit = filters.Limit
		}
		hits, err := a.searchHits(ctx, query, limit)
		if err != nil {
			return err
		}
		out = adapters.FilterHits(hits, filters)
		return nil
	})
	return out, err
}

// searchHits prefers the remote index and degrades to the local corpus.
// Credential and rate-limit failures propagate: falling back would mask
// a condition an operator has to act on.
func (a *Adapter) searchHits(ctx context.Context, query string, limit int) ([]adapters.Scored, error) {
	if a.settings.UseNativeSearch {
		hits, err := a.nativeSearch(ctx, query)
		switch {
		case err == nil:
			return hits, nil
		case pperr.Is(err, pperr.CodeAuth), pperr.Is(err, pperr.CodeRateLimited):
			return nil, err
		default:
			slog.Warn("native wiki search failed, serving the local corpus",
				"source", a.Name(), "error", err)
		}
	}
	// Over-fetch so post-filtering cannot empty a truncated list.
	return a.store.Search(query, limit*4), nil
}

// nativeSearch queries the wiki's CQL search endpoint and rescores the
// hits lexically so they rank on the same scale as every other source.
// Pages the wiki matched on content our tokenizer misses keep a floor
// score instead of dropping out.
func (a *Adapter) nativeSearch(ctx context.Context, query string) ([]adapters.Scored, error) {
	cql := "type = page and text ~ " + strconv.Quote(query)
	if len(a.settings.Spaces) > 0 {
		cql += " and space in (" + strings.Join(a.settings.Spaces, ", ") + ")"
	}
	q := url.Values{
		"cql":    {cql},
		"limit":  {strconv.Itoa(a.settings.PageSize)},
		"expand": {pageExpand},
	}

	var list pageList
	if err := a.client.getJSON(ctx, "/content/search", q, &list); err != nil {
		return nil, err
	}

	qTokens := adapters.Tokenize(query)
	hits := make([]adapters.Scored, 0, len(list.Results))
	for i := range list.Results {
		e := a.pageEntry(&list.Results[i])
		score, reasons := e.Score(qTokens)
		if score == 0 {
			score = nativeFloorScore
			reasons = []string{"matched by wiki search"}
		}
		hits = append(hits, adapters.Scored{Doc: e.Doc, Score: score, Reasons: reasons})
	}
	// Stable keeps the wiki's own relevance order among equal scores.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Get returns one page with its full content. Ids the crawl has not
// stored yet are fetched directly when native search is on, since a
// search may have just surfaced them.
func (a *Adapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	var out *datatypes.Document
	err := a.Execute(ctx, "get", func(ctx context.Context) error {
		if e, ok := a.store.Get(id); ok {
			out = e.Doc.Clone()
			return nil
		}
		if !a.settings.UseNativeSearch {
			return notFoundErr(id)
		}
		page, err := a.fetchPage(ctx, id)
		if err != nil {
			return err
		}
		out = a.pageEntry(page).Doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchRunbooks matches crawled structured runbooks against an alert.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	var out []*datatypes.RunbookMatch
	err := a.Execute(ctx, "search_runbooks", func(ctx context.Context) error {
		out = adapters.MatchRunbooks(a.store.Runbooks(), alertType, severity, affectedSystems, alertContext)
		return nil
	})
	return out, err
}

// HealthCheck probes the wiki with the cheapest authenticated listing.
func (a *Adapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	start := time.Now()
	return a.Health(start, a.client.probe(ctx))
}

// RefreshIndex re-crawls the configured spaces when due.
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

// reindex rebuilds the corpus from the remote. A configured space the
// wiki does not know is skipped with a warning; any other listing
// failure aborts the pass and the previous corpus stays live.
func (a *Adapter) reindex(ctx context.Context) error {
	start := time.Now()

	spaces := a.settings.Spaces
	if len(spaces) == 0 {
		// Unscoped listing walks every space the credentials can read.
		spaces = []string{""}
	}

	entries := make([]*adapters.Entry, 0, a.settings.PageSize)
	for _, space := range spaces {
		part, err := a.crawlSpace(ctx, space)
		if err != nil {
			if space != "" && pperr.Is(err, pperr.CodeNotFound) {
				slog.Warn("configured space does not exist, skipping",
					"source", a.Name(), "space", space)
				continue
			}
			return err
		}
		entries = append(entries, part...)
	}

	a.store.ReplaceAll(entries)
	a.SetDocumentCount(len(entries))
	a.SetDegraded(false)
	slog.Info("wiki corpus rebuilt",
		"source", a.Name(),
		"documents", len(entries),
		"duration", time.Since(start).String())
	return nil
}

func (a *Adapter) crawlSpace(ctx context.Context, space string) ([]*adapters.Entry, error) {
	entries := make([]*adapters.Entry, 0, a.settings.PageSize)
	for page := 0; page < a.settings.MaxPages; page++ {
		q := url.Values{
			"type":   {"page"},
			"start":  {strconv.Itoa(page * a.settings.PageSize)},
			"limit":  {strconv.Itoa(a.settings.PageSize)},
			"expand": {pageExpand},
		}
		if space != "" {
			q.Set("spaceKey", space)
		}

		var list pageList
		if err := a.client.getJSON(ctx, "/content", q, &list); err != nil {
			return nil, err
		}
		for i := range list.Results {
			entries = append(entries, a.pageEntry(&list.Results[i]))
		}
		if len(list.Results) < a.settings.PageSize {
			return entries, nil
		}
	}
	slog.Warn("space crawl truncated at page cap",
		"source", a.Name(), "space", space, "pages", a.settings.MaxPages)
	return entries, nil
}

func (a *Adapter) fetchPage(ctx context.Context, id string) (*wikiPage, error) {
	var page wikiPage
	q := url.Values{"expand": {pageExpand}}
	if err := a.client.getJSON(ctx, "/content/"+url.PathEscape(id), q, &page); err != nil {
		if pperr.Is(err, pperr.CodeNotFound) {
			return nil, notFoundErr(id)
		}
		return nil, err
	}
	return &page, nil
}

// =============================================================================
// Page conversion
// =============================================================================

// pageEntry converts one wiki page into a corpus entry. Storage-format
// XHTML becomes markdown so excerpts and search text read cleanly; a
// page whose labels mark it a runbook also contributes its first code
// block as a structured runbook.
func (a *Adapter) pageEntry(p *wikiPage) *adapters.Entry {
	markdown, err := htmltomarkdown.ConvertString(p.Body.Storage.Value)
	if err != nil {
		slog.Debug("page body does not convert to markdown, indexing raw",
			"source", a.Name(), "page", p.ID, "error", err)
		markdown = p.Body.Storage.Value
	}
	markdown = strings.TrimSpace(markdown)

	category := datatypes.CategoryGeneral
	for _, l := range p.Metadata.Labels.Results {
		if c, ok := adapters.CategoryFromLabel(l.Name); ok {
			category = c
			break
		}
	}

	doc := &datatypes.Document{
		ID:          p.ID,
		Title:       p.Title,
		Content:     markdown,
		Excerpt:     adapters.MakeExcerpt(markdown),
		SourceName:  a.Name(),
		SourceKind:  datatypes.KindWiki,
		Category:    category,
		URL:         a.pageURL(p),
		LastUpdated: p.Version.When,
		Metadata: map[string]string{
			"space":   p.Space.Key,
			"version": strconv.Itoa(p.Version.Number),
		},
	}

	searchText := markdown
	var rb *datatypes.Runbook
	if category == datatypes.CategoryRunbook {
		if rb = a.runbookFromStorage(doc, p.Body.Storage.Value); rb != nil {
			// Page prose plus the runbook's trigger and step text.
			searchText = markdown + "\n" + adapters.RunbookSearchText(rb)
		}
	}
	return adapters.NewEntry(doc, searchText, rb)
}

// runbookFromStorage pulls a structured runbook out of the page's first
// code block, taken from the storage XHTML rather than the converted
// markdown so the payload arrives byte-exact. A runbook-labeled page
// without a parsable block still serves as a plain document.
func (a *Adapter) runbookFromStorage(doc *datatypes.Document, storage string) *datatypes.Runbook {
	root, err := goquery.NewDocumentFromReader(strings.NewReader(storage))
	if err != nil {
		return nil
	}
	raw := []byte(strings.TrimSpace(root.Find("pre").First().Text()))
	if len(raw) == 0 {
		return nil
	}

	rb, jsonErr := adapters.ParseRunbookJSON(raw, a.Name())
	if jsonErr != nil {
		var yamlErr error
		if rb, yamlErr = adapters.ParseRunbookYAML(raw, a.Name()); yamlErr != nil {
			slog.Debug("runbook-labeled page has no parsable runbook block",
				"source", a.Name(), "page", doc.ID, "error", jsonErr)
			return nil
		}
	}
	if rb.URL == "" {
		rb.URL = doc.URL
	}
	return rb
}

// pageURL picks the best link the listing offered. Relative webui links
// are skipped because the REST base does not reveal the site root they
// hang off.
func (a *Adapter) pageURL(p *wikiPage) string {
	if strings.HasPrefix(p.Links.WebUI, "http") {
		return p.Links.WebUI
	}
	if p.Links.Self != "" {
		return p.Links.Self
	}
	return a.client.base + "/content/" + url.PathEscape(p.ID)
}

func notFoundErr(id string) error {
	return pperr.Newf(pperr.CodeNotFound, "document %q not found", id).
		WithSuggestion("ids are wiki content ids; search to discover them")
}

// =============================================================================
// Wire shapes
// =============================================================================

type pageList struct {
	Results []wikiPage `json:"results"`
	Size    int        `json:"size"`
}

// wikiPage carries the fields the expand parameter requests. Hosts that
// omit an expand leave its fields zero, which downgrades gracefully: no
// labels means CategoryGeneral, no version means a zero LastUpdated.
type wikiPage struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Space struct {
		Key string `json:"key"`
	} `json:"space"`

	Version struct {
		Number int       `json:"number"`
		When   time.Time `json:"when"`
	} `json:"version"`

	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`

	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`

	Links struct {
		WebUI string `json:"webui"`
		Self  string `json:"self"`
	} `json:"_links"`
}
