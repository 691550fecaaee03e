// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package githost indexes documentation hosted on a GitHub-compatible
// git host.
//
// It crawls each configured repo's README, docs tree, wiki pages, and
// optionally issues through the REST contents API, then serves searches
// from the crawled corpus so queries never touch the remote. All
// traffic runs under a conservative local budget: a configured
// percentage of the quota the host publishes in its rate headers, with
// a floor on the interval between requests. When the remote reports the
// quota exhausted the adapter marks itself degraded and trips its own
// breaker rather than keep burning requests that cannot succeed.
package githost

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Kind is the source kind this package registers under.
const Kind = "git_host"

const (
	defaultDocsPath    = "docs"
	defaultRateBudget  = 10
	defaultMinInterval = 500 * time.Millisecond

	// Crawl guards. A runaway docs tree must not eat the whole request
	// budget in one refresh.
	maxTreeDepth = 6
	maxRepoFiles = 200

	issuePageSize = 50
	maxIssuePages = 2
)

var defaultContentKinds = []string{"readme", "docs"}

// Adapter serves documentation crawled from git repositories.
type Adapter struct {
	*adapters.Base

	settings config.GitHostSettings
	client   *apiClient
	store    *adapters.DocSet
}

// New is the Factory for git host sources.
func New(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
	var gs config.GitHostSettings
	if err := cfg.DecodeSettings(&gs); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "git host settings do not decode", err)
	}
	if err := gs.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "git host settings invalid", err)
	}
	if gs.DocsPath == "" {
		gs.DocsPath = defaultDocsPath
	}
	if len(gs.ContentKinds) == 0 {
		gs.ContentKinds = defaultContentKinds
	}
	for _, repo := range gs.Repos {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return nil, pperr.Newf(pperr.CodeConfig, "repo %q is not in owner/name form", repo)
		}
	}

	a := &Adapter{
		Base:     adapters.NewBase(cfg, datatypes.KindGitHost, deps),
		settings: gs,
		store:    adapters.NewDocSet(),
	}
	a.client = newAPIClient(gs, &cfg.Auth, slog.With("source", cfg.Name))
	a.client.onExhausted = func(wait time.Duration) {
		a.SetDegraded(true)
		if br := a.Breaker(); br != nil {
			br.Trip("remote rate limit exhausted")
		}
		slog.Warn("remote quota exhausted, tripping breaker",
			"source", a.Name(), "resets_in", wait.Round(time.Second).String())
	}
	a.client.onHealthy = func() {
		// Degraded doubles as the quota-trip latch; the first healthy
		// response clears both it and the breaker.
		if a.Degraded() {
			a.SetDegraded(false)
			if br := a.Breaker(); br != nil {
				br.Reset()
			}
			slog.Info("remote quota recovered", "source", a.Name())
		}
	}
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
	if !filters.WantsKind(datatypes.KindGitHost) {
		return nil, nil
	}

	var out []*datatypes.Document
	err := a.Execute(ctx, "search", func(ctx context.Context) error {
		limit := 0
		if filters != nil {
			limit = filters.Limit
		}
		// Over-fetch so post-filtering cannot empty a truncated list.
		out = adapters.FilterHits(a.store.Search(query, limit*4), filters)
		return nil
	})
	return out, err
}

// Get returns one crawled document with its full content.
func (a *Adapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	var out *datatypes.Document
	err := a.Execute(ctx, "get", func(ctx context.Context) error {
		e, ok := a.store.Get(id)
		if !ok {
			return pperr.Newf(pperr.CodeNotFound, "document %q not found", id).
				WithSuggestion("ids follow owner/repo:path; search to discover them")
		}
		out = e.Doc.Clone()
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

// HealthCheck probes the host when the budget has a token to spare;
// otherwise it reports the accumulated state without spending requests.
func (a *Adapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	start := time.Now()
	var probeErr error
	switch {
	case a.client.allowProbe():
		probeErr = a.client.probe(ctx)
	case a.Degraded():
		probeErr = pperr.New(pperr.CodeRateLimited, "remote quota exhausted, probe skipped")
	}
	return a.Health(start, probeErr)
}

// RefreshIndex re-crawls the configured repos when due.
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

// reindex rebuilds the corpus from the remote.
//
// Each repo/content-kind pair contributes all-or-nothing; a kind that
// fails transiently is logged and skipped so one flaky tree cannot sink
// the pass. Credential and rate failures abort the whole pass and the
// previous corpus stays live, as does a pass that produced nothing but
// errors.
func (a *Adapter) reindex(ctx context.Context) error {
	start := time.Now()
	entries := make([]*adapters.Entry, 0, 32)
	failed := 0

	for _, repo := range a.settings.Repos {
		for _, kind := range a.settings.ContentKinds {
			var (
				part []*adapters.Entry
				err  error
			)
			switch kind {
			case "readme":
				part, err = a.crawlReadme(ctx, repo)
			case "docs":
				part, err = a.crawlDocs(ctx, repo)
			case "wiki":
				part, err = a.crawlWiki(ctx, repo)
			case "issues":
				part, err = a.crawlIssues(ctx, repo)
			}

			switch {
			case err == nil:
				entries = append(entries, part...)
			case pperr.Is(err, pperr.CodeNotFound):
				slog.Debug("repo has no such content",
					"source", a.Name(), "repo", repo, "content", kind)
			case fatalCrawlErr(err):
				return err
			default:
				failed++
				slog.Warn("crawl failed for content kind",
					"source", a.Name(), "repo", repo, "content", kind, "error", err)
			}
		}
	}

	if len(entries) == 0 && failed > 0 {
		return pperr.New(pperr.CodeUnavailable, "crawl produced nothing but errors")
	}

	a.store.ReplaceAll(entries)
	a.SetDocumentCount(len(entries))
	slog.Info("git host corpus rebuilt",
		"source", a.Name(),
		"documents", len(entries),
		"duration", time.Since(start).String())
	return nil
}

// fatalCrawlErr reports errors that doom the whole pass.
func fatalCrawlErr(err error) bool {
	return pperr.Is(err, pperr.CodeAuth) ||
		pperr.Is(err, pperr.CodeRateLimited) ||
		pperr.Is(err, pperr.CodeTimeout)
}

func (a *Adapter) crawlReadme(ctx context.Context, repo string) ([]*adapters.Entry, error) {
	var cf contentFile
	if err := a.client.getJSON(ctx, "/repos/"+repo+"/readme", nil, &cf); err != nil {
		return nil, err
	}
	raw, err := cf.decode()
	if err != nil {
		return nil, err
	}

	title := adapters.TitleFromBody(raw, path.Base(repo)+" README")
	doc := a.newDoc(repo+":readme", title, string(raw), cf.HTMLURL, datatypes.CategoryGuide)
	return []*adapters.Entry{adapters.NewEntry(doc, string(raw), nil)}, nil
}

func (a *Adapter) crawlDocs(ctx context.Context, repo string) ([]*adapters.Entry, error) {
	entries := make([]*adapters.Entry, 0, 16)
	if err := a.walkTree(ctx, repo, a.settings.DocsPath, 0, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *Adapter) walkTree(ctx context.Context, repo, dir string, depth int, entries *[]*adapters.Entry) error {
	if depth > maxTreeDepth {
		return nil
	}
	var listing []contentFile
	if err := a.client.getJSON(ctx, "/repos/"+repo+"/contents/"+dir, nil, &listing); err != nil {
		return err
	}

	for i := range listing {
		item := &listing[i]
		if len(*entries) >= maxRepoFiles {
			slog.Warn("docs tree truncated at crawl cap",
				"source", a.Name(), "repo", repo, "cap", maxRepoFiles)
			return nil
		}
		switch {
		case item.Type == "dir":
			if err := a.walkTree(ctx, repo, item.Path, depth+1, entries); err != nil {
				return err
			}
		case item.Type == "file" && adapters.DocExts[strings.ToLower(path.Ext(item.Path))]:
			e, err := a.fetchFile(ctx, repo, item.Path)
			if err != nil {
				if fatalCrawlErr(err) {
					return err
				}
				slog.Warn("skipping unreadable repo file",
					"source", a.Name(), "repo", repo, "path", item.Path, "error", err)
				continue
			}
			if e != nil {
				*entries = append(*entries, e)
			}
		}
	}
	return nil
}

// fetchFile reads one repo file into an Entry. A nil, nil return means
// the file is deliberately skipped (e.g. JSON that is not a runbook).
func (a *Adapter) fetchFile(ctx context.Context, repo, filePath string) (*adapters.Entry, error) {
	var cf contentFile
	if err := a.client.getJSON(ctx, "/repos/"+repo+"/contents/"+filePath, nil, &cf); err != nil {
		return nil, err
	}
	raw, err := cf.decode()
	if err != nil {
		return nil, err
	}

	id := repo + ":" + filePath
	switch strings.ToLower(path.Ext(filePath)) {
	case ".json":
		rb, rbErr := adapters.ParseRunbookJSON(raw, a.Name())
		if rbErr != nil {
			slog.Debug("JSON file is not a runbook, skipping",
				"source", a.Name(), "path", filePath, "error", rbErr)
			return nil, nil
		}
		return a.runbookEntry(id, rb, cf.HTMLURL), nil

	case ".yaml", ".yml":
		if rb, rbErr := adapters.ParseRunbookYAML(raw, a.Name()); rbErr == nil {
			return a.runbookEntry(id, rb, cf.HTMLURL), nil
		}
	}

	title := adapters.TitleFromBody(raw, path.Base(filePath))
	doc := a.newDoc(id, title, string(raw), cf.HTMLURL, adapters.CategoryFromPath(filePath))
	return adapters.NewEntry(doc, string(raw), nil), nil
}

func (a *Adapter) crawlWiki(ctx context.Context, repo string) ([]*adapters.Entry, error) {
	var pages []wikiPage
	if err := a.client.getJSON(ctx, "/repos/"+repo+"/wiki/pages", nil, &pages); err != nil {
		return nil, err
	}

	entries := make([]*adapters.Entry, 0, len(pages))
	for i := range pages {
		if len(entries) >= maxRepoFiles {
			break
		}
		var page wikiPage
		err := a.client.getJSON(ctx, "/repos/"+repo+"/wiki/page/"+url.PathEscape(pages[i].Title), nil, &page)
		if err != nil {
			if fatalCrawlErr(err) {
				return nil, err
			}
			slog.Warn("skipping unreadable wiki page",
				"source", a.Name(), "repo", repo, "page", pages[i].Title, "error", err)
			continue
		}
		raw, decErr := base64.StdEncoding.DecodeString(page.ContentBase64)
		if decErr != nil {
			slog.Warn("wiki page payload is not valid base64",
				"source", a.Name(), "repo", repo, "page", pages[i].Title, "error", decErr)
			continue
		}

		title := page.Title
		if title == "" {
			title = pages[i].Title
		}
		htmlURL := page.HTMLURL
		if htmlURL == "" {
			htmlURL = pages[i].HTMLURL
		}
		doc := a.newDoc(repo+":wiki/"+pages[i].Title, title, string(raw), htmlURL, datatypes.CategoryGuide)
		entries = append(entries, adapters.NewEntry(doc, string(raw), nil))
	}
	return entries, nil
}

func (a *Adapter) crawlIssues(ctx context.Context, repo string) ([]*adapters.Entry, error) {
	entries := make([]*adapters.Entry, 0, issuePageSize)
	for page := 1; page <= maxIssuePages; page++ {
		q := url.Values{
			"state":    {"all"},
			"per_page": {strconv.Itoa(issuePageSize)},
			"page":     {strconv.Itoa(page)},
		}
		var items []issueItem
		if err := a.client.getJSON(ctx, "/repos/"+repo+"/issues", q, &items); err != nil {
			return nil, err
		}

		for i := range items {
			it := &items[i]
			if it.PullRequest != nil {
				continue // the issues endpoint lists pull requests too
			}
			doc := a.newDoc(fmt.Sprintf("%s:issues/%d", repo, it.Number),
				it.Title, it.Body, it.HTMLURL, datatypes.CategoryGeneral)
			doc.LastUpdated = it.UpdatedAt

			meta := map[string]string{"state": it.State}
			if it.User.Login != "" {
				meta["author"] = it.User.Login
			}
			if len(it.Labels) > 0 {
				names := make([]string, len(it.Labels))
				for j, l := range it.Labels {
					names[j] = l.Name
				}
				meta["labels"] = strings.Join(names, ",")
			}
			doc.Metadata = meta
			entries = append(entries, adapters.NewEntry(doc, it.Body, nil))
		}

		if len(items) < issuePageSize {
			break
		}
	}
	return entries, nil
}

func (a *Adapter) newDoc(id, title, content, htmlURL string, cat datatypes.Category) *datatypes.Document {
	return &datatypes.Document{
		ID:         id,
		Title:      title,
		Content:    content,
		Excerpt:    adapters.MakeExcerpt(content),
		SourceName: a.Name(),
		SourceKind: datatypes.KindGitHost,
		Category:   cat,
		URL:        htmlURL,
	}
}

func (a *Adapter) runbookEntry(id string, rb *datatypes.Runbook, htmlURL string) *adapters.Entry {
	rb.URL = htmlURL
	body := adapters.RunbookSearchText(rb)
	doc := a.newDoc(id, rb.Title, body, htmlURL, datatypes.CategoryRunbook)
	doc.Excerpt = adapters.MakeExcerpt("Triggers: " + strings.Join(rb.Triggers, ", "))
	doc.Confidence = rb.Metadata.Confidence
	doc.LastUpdated = rb.LastUpdated
	return adapters.NewEntry(doc, body, rb)
}

// =============================================================================
// Wire shapes (GitHub-compatible)
// =============================================================================

// contentFile is a contents API object: a file with an inline payload,
// or one entry of a directory listing.
type contentFile struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int    `json:"size"`
	Type        string `json:"type"`
	Encoding    string `json:"encoding"`
	Content     string `json:"content"`
	HTMLURL     string `json:"html_url"`
	DownloadURL string `json:"download_url"`
}

// decode unwraps the base64 payload the contents API wraps blobs in.
func (f *contentFile) decode() ([]byte, error) {
	if f.Encoding != "base64" {
		return []byte(f.Content), nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(f.Content, "\n", ""))
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "content payload is not valid base64", err)
	}
	return raw, nil
}

// wikiPage covers both the page listing and the single-page response of
// Gitea-style wiki endpoints; hosts without them 404 and the crawl
// skips the kind.
type wikiPage struct {
	Title         string `json:"title"`
	HTMLURL       string `json:"html_url"`
	SubURL        string `json:"sub_url"`
	ContentBase64 string `json:"content_base64"`
}

type issueItem struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}
