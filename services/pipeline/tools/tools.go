// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes the seven named operations callers interact
// with: search_runbooks, get_decision_tree, get_procedure,
// get_escalation_path, search_knowledge_base, list_sources and
// record_resolution_feedback.
//
// # Description
//
// Each operation validates its inputs, invokes the retrieval engine or
// the registry, and shapes the response. A global inflight bound
// rejects work beyond server.max_concurrent_requests with Overloaded
// instead of queueing. Errors leaving this package carry a correlation
// id; unclassified errors surface as Internal, typed ones keep their
// code so the transport can map it to a status.
//
// # Thread Safety
//
// A Service is safe for concurrent use; it holds no per-request state.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/feedback"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

const (
	defaultRunbookLimit   = 5
	defaultKnowledgeLimit = 10
	defaultMaxDepth       = 5

	// knowledgeOverfetch is how many documents the engine is asked for
	// when a source-name filter will thin the list afterwards.
	knowledgeOverfetch = 50

	// contentFetchParallel bounds the Get fan-out that hydrates full
	// content for include_content responses.
	contentFetchParallel = 8

	// lookupTimeout bounds one adapter Get during runbook resolution.
	lookupTimeout = 2 * time.Second
)

// Deps carries the collaborators a Service needs.
type Deps struct {
	Registry *adapters.Registry
	Engine   *engine.Engine
	Cache    *cache.Service
	Feedback *feedback.Store
	Metrics  *observability.PipelineMetrics
	Log      *slog.Logger

	// MaxInflight bounds concurrent operations; zero or negative means
	// unbounded.
	MaxInflight int64

	// Now is injectable for tests.
	Now func() time.Time
}

// Service implements the tool operations.
type Service struct {
	registry *adapters.Registry
	engine   *engine.Engine
	cache    *cache.Service
	feedback *feedback.Store
	metrics  *observability.PipelineMetrics
	log      *slog.Logger
	inflight *semaphore.Weighted
	now      func() time.Time
}

// New builds the tool service.
func New(deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	var inflight *semaphore.Weighted
	if deps.MaxInflight > 0 {
		inflight = semaphore.NewWeighted(deps.MaxInflight)
	}
	return &Service{
		registry: deps.Registry,
		engine:   deps.Engine,
		cache:    deps.Cache,
		feedback: deps.Feedback,
		metrics:  deps.Metrics,
		log:      log.With("component", "tools"),
		inflight: inflight,
		now:      now,
	}
}

// acquire claims an inflight slot, or fails fast with Overloaded.
func (s *Service) acquire() (func(), error) {
	if s.inflight == nil {
		return func() {}, nil
	}
	if !s.inflight.TryAcquire(1) {
		if s.metrics != nil {
			s.metrics.RecordOverloadRejection()
		}
		return nil, pperr.New(pperr.CodeOverloaded, "concurrent request limit reached").
			WithSuggestion("retry shortly or raise server.max_concurrent_requests")
	}
	if s.metrics != nil {
		s.metrics.RequestStarted()
	}
	return func() {
		s.inflight.Release(1)
		if s.metrics != nil {
			s.metrics.RequestEnded()
		}
	}, nil
}

// shape applies the tool-boundary error policy: classified errors keep
// their code, anything else becomes Internal, and every error leaves
// with a correlation id.
func shape(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return pperr.Correlate(ctx, pperr.AsError(err))
}

// cached runs load through the cache when one is wired, mirroring the
// engine's read-through semantics: misses coalesce, failures are never
// stored.
func (s *Service) cached(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetOrLoad(ctx, key, load)
}

// =============================================================================
// Input parsing
// =============================================================================

func parseSeverity(raw string) (datatypes.Severity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", pperr.New(pperr.CodeValidation, "severity is required").
			WithSuggestion("pass one of low, medium, high, critical")
	}
	sev := datatypes.Severity(strings.ToLower(trimmed))
	if !sev.Valid() {
		return "", pperr.Newf(pperr.CodeValidation, "severity %q is not one of low, medium, high, critical", raw)
	}
	return sev, nil
}

func parseCategories(raw []string) ([]datatypes.Category, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]datatypes.Category, 0, len(raw))
	for _, r := range raw {
		c := datatypes.Category(strings.ToLower(strings.TrimSpace(r)))
		switch c {
		case datatypes.CategoryRunbook, datatypes.CategoryProcedure,
			datatypes.CategoryDecisionTree, datatypes.CategoryGuide,
			datatypes.CategoryGeneral:
			out = append(out, c)
		default:
			return nil, pperr.Newf(pperr.CodeValidation, "category %q is not recognized", r).
				WithSuggestion("valid categories: runbook, procedure, decision_tree, guide, general")
		}
	}
	return out, nil
}

func parseLimit(raw, fallback int) (int, error) {
	if raw < 0 {
		return 0, pperr.New(pperr.CodeValidation, "limit must not be negative")
	}
	if raw == 0 {
		return fallback, nil
	}
	return raw, nil
}

// =============================================================================
// search_runbooks
// =============================================================================

// RunbookSearchRequest is the search_runbooks input.
type RunbookSearchRequest struct {
	AlertType       string            `json:"alert_type"`
	Severity        string            `json:"severity"`
	AffectedSystems []string          `json:"affected_systems,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Limit           int               `json:"limit,omitempty"`
	AllowDegraded   bool              `json:"allow_degraded,omitempty"`
	Refresh         bool              `json:"refresh,omitempty"`
}

// RunbookSearchResponse is the search_runbooks output.
type RunbookSearchResponse struct {
	Runbooks        []*datatypes.RunbookMatch `json:"runbooks"`
	TotalFound      int                       `json:"total_found"`
	RetrievalTimeMs int64                     `json:"retrieval_time_ms"`
	Sources         []engine.SourceStatus     `json:"sources,omitempty"`
}

// SearchRunbooks finds runbooks matching an alert.
func (s *Service) SearchRunbooks(ctx context.Context, req RunbookSearchRequest) (*RunbookSearchResponse, error) {
	if strings.TrimSpace(req.AlertType) == "" {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "alert_type is required"))
	}
	sev, err := parseSeverity(req.Severity)
	if err != nil {
		return nil, shape(ctx, err)
	}
	limit, err := parseLimit(req.Limit, defaultRunbookLimit)
	if err != nil {
		return nil, shape(ctx, err)
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	res, err := s.engine.SearchRunbooks(ctx, engine.RunbookRequest{
		AlertType:       req.AlertType,
		Severity:        sev,
		AffectedSystems: req.AffectedSystems,
		Context:         req.Context,
		Limit:           limit,
		AllowDegraded:   req.AllowDegraded,
		Refresh:         req.Refresh,
	})
	if err != nil {
		return nil, shape(ctx, err)
	}
	return &RunbookSearchResponse{
		Runbooks:        res.Matches,
		TotalFound:      res.TotalFound,
		RetrievalTimeMs: res.RetrievalTimeMs,
		Sources:         res.Sources,
	}, nil
}

// =============================================================================
// search_knowledge_base
// =============================================================================

// KnowledgeBaseRequest is the search_knowledge_base input.
type KnowledgeBaseRequest struct {
	Query          string   `json:"query"`
	Sources        []string `json:"sources,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	IncludeContent bool     `json:"include_content,omitempty"`
	AllowDegraded  bool     `json:"allow_degraded,omitempty"`
	Refresh        bool     `json:"refresh,omitempty"`
}

// KnowledgeBaseResponse is the search_knowledge_base output.
type KnowledgeBaseResponse struct {
	Results     []*datatypes.Document `json:"results"`
	Total       int                   `json:"total"`
	QueryTimeMs int64                 `json:"query_time_ms"`
	Sources     []engine.SourceStatus `json:"sources,omitempty"`
}

// SearchKnowledgeBase runs a free-text query across all sources.
//
// # Description
//
// A sources filter cannot be pushed into the fan-out (the engine plans
// by kind, not name), so the engine is asked for a deeper list and the
// names are filtered here; total then counts the filtered set. With
// include_content the surviving documents are hydrated through their
// adapter's Get in a bounded fan-out; a document whose hydration fails
// keeps its excerpt.
func (s *Service) SearchKnowledgeBase(ctx context.Context, req KnowledgeBaseRequest) (*KnowledgeBaseResponse, error) {
	cats, err := parseCategories(req.Categories)
	if err != nil {
		return nil, shape(ctx, err)
	}
	limit, err := parseLimit(req.Limit, defaultKnowledgeLimit)
	if err != nil {
		return nil, shape(ctx, err)
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	engineLimit := limit
	if len(req.Sources) > 0 && engineLimit < knowledgeOverfetch {
		engineLimit = knowledgeOverfetch
	}

	res, err := s.engine.Search(ctx, engine.Request{
		Query:         req.Query,
		Filters:       &datatypes.SearchFilters{Categories: cats, Limit: engineLimit},
		Operation:     "search_knowledge_base",
		AllowDegraded: req.AllowDegraded,
		Refresh:       req.Refresh,
	})
	if err != nil {
		return nil, shape(ctx, err)
	}

	docs := res.Documents
	total := res.TotalFound
	if len(req.Sources) > 0 {
		wanted := make(map[string]bool, len(req.Sources))
		for _, name := range req.Sources {
			wanted[name] = true
		}
		kept := docs[:0]
		for _, d := range docs {
			if wanted[d.SourceName] {
				kept = append(kept, d)
			}
		}
		docs = kept
		total = len(docs)
		if len(docs) > limit {
			docs = docs[:limit]
		}
	}

	if req.IncludeContent {
		s.hydrateContent(ctx, docs)
	} else {
		for _, d := range docs {
			d.Content = ""
		}
	}

	return &KnowledgeBaseResponse{
		Results:     docs,
		Total:       total,
		QueryTimeMs: res.RetrievalTimeMs,
		Sources:     res.Sources,
	}, nil
}

// hydrateContent fills Document.Content via each document's own
// adapter. Failures are logged and leave the excerpt in place.
func (s *Service) hydrateContent(ctx context.Context, docs []*datatypes.Document) {
	var g errgroup.Group
	g.SetLimit(contentFetchParallel)
	for _, d := range docs {
		a, ok := s.registry.Get(d.SourceName)
		if !ok {
			continue
		}
		g.Go(func() error {
			getCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
			defer cancel()
			full, err := a.Get(getCtx, d.ID)
			if err != nil {
				s.log.Debug("content hydration skipped",
					"source", d.SourceName, "id", d.ID, "error", err)
				return nil
			}
			d.Content = full.Content
			return nil
		})
	}
	_ = g.Wait()
}

// =============================================================================
// Shared runbook resolution
// =============================================================================

// byPriority returns the registry's adapters ordered by ascending
// priority, name as the tie-break.
func (s *Service) byPriority() []adapters.Adapter {
	list := s.registry.List()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority() != list[j].Priority() {
			return list[i].Priority() < list[j].Priority()
		}
		return list[i].Name() < list[j].Name()
	})
	return list
}

// lookupRunbook resolves a runbook id to its structured form by asking
// each adapter, highest priority first. The winning document's content
// must decode as a runbook; documents that do not are skipped, so a
// plain page sharing the id does not shadow a real runbook elsewhere.
func (s *Service) lookupRunbook(ctx context.Context, id string) (*datatypes.Runbook, string, bool) {
	for _, a := range s.byPriority() {
		getCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		doc, err := a.Get(getCtx, id)
		cancel()
		if err != nil {
			if !pperr.Is(err, pperr.CodeNotFound) {
				s.log.Debug("runbook lookup error, trying next source",
					"source", a.Name(), "id", id, "error", err)
			}
			continue
		}
		rb, err := adapters.ParseRunbookJSON([]byte(doc.Content), doc.SourceName)
		if err != nil {
			if rb, err = adapters.ParseRunbookYAML([]byte(doc.Content), doc.SourceName); err != nil {
				continue
			}
		}
		return rb, a.Name(), true
	}
	return nil, "", false
}

// marshalInto decodes a cached payload into out.
func marshalInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return pperr.Wrap(pperr.CodeInternal, "cached response payload does not decode", err)
	}
	return nil
}

// observeOp records one tool operation's latency and outcome.
func (s *Service) observeOp(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordQuery(op, string(engine.ClassStandard), s.now().Sub(start).Seconds(), err == nil)
}
