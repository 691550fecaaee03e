// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the retrieval pipeline: normalize, classify, plan,
// fan out, rank, cache.
//
// # Description
//
// One Search invocation flows through fixed stages. The query is
// normalized and classified to an operational intent; intent and
// severity pick a deadline class (critical 150ms, standard 300ms, bulk
// 1000ms). A plan selects sources by kind and breaker state and orders
// them by priority. The fan-out calls every planned source in parallel,
// each call bounded by min(plan budget, source timeout); when the plan
// budget expires with results already in hand, stragglers are cancelled
// and their late answers dropped. The merged set is ranked with the
// hybrid score 0.6·semantic + 0.3·lexical + 0.1·metadata, and the final
// list is cached under a deterministic key, so identical questions
// coalesce behind the cache's singleflight gate and a thundering herd
// costs one fan-out.
//
// # Thread Safety
//
// An Engine is immutable after New and safe for concurrent use.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/semantic"
)

var tracer = otel.Tracer("pipeline.engine")

const (
	// defaultSearchLimit bounds a search result when the caller sets no
	// limit of its own.
	defaultSearchLimit = 10

	// defaultRunbookLimit bounds a runbook search the same way.
	defaultRunbookLimit = 5

	// semanticCandidates is how many vector hits are requested per
	// query; the ranker only needs scores for documents the adapters
	// actually returned.
	semanticCandidates = 50

	// indexBehindTimeout bounds the detached upsert that feeds freshly
	// retrieved documents back into the vector index.
	indexBehindTimeout = 15 * time.Second
)

// SuccessRater reports a source's historical resolution success rate,
// fed by recorded incident feedback. ok is false when no history exists
// for the source yet.
type SuccessRater interface {
	SuccessRate(source string) (rate float64, ok bool)
}

// Deps carries the engine's collaborators. Registry is required;
// everything else may be nil and degrades to a smaller pipeline (no
// cache coalescing, no breaker-based exclusion, no semantic term, no
// metrics, rolling success rates only).
type Deps struct {
	Registry *adapters.Registry
	Breakers *breaker.Registry
	Cache    *cache.Service
	Semantic *semantic.Scorer
	Metrics  *observability.PipelineMetrics
	Rates    SuccessRater
	Log      *slog.Logger

	// Usage, when set, receives one sample per completed search. The
	// hook runs on the request goroutine and must not block.
	Usage func(UsageSample)
}

// UsageSample describes one finished retrieval invocation for usage
// analytics. It carries only low-cardinality attributes; query text
// never leaves the engine through this path.
type UsageSample struct {
	Operation string
	Intent    string
	Class     string
	CacheHit  bool
	Success   bool
	Results   int
	Latency   time.Duration
}

// Engine executes retrieval invocations.
type Engine struct {
	registry *adapters.Registry
	breakers *breaker.Registry
	cache    *cache.Service
	semantic *semantic.Scorer
	metrics  *observability.PipelineMetrics
	rates    SuccessRater
	usage    func(UsageSample)
	log      *slog.Logger
}

// New builds an engine from its dependencies.
func New(deps Deps) *Engine {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry: deps.Registry,
		breakers: deps.Breakers,
		cache:    deps.Cache,
		semantic: deps.Semantic,
		metrics:  deps.Metrics,
		rates:    deps.Rates,
		usage:    deps.Usage,
		log:      log.With("component", "engine"),
	}
}

// =============================================================================
// Requests and results
// =============================================================================

// Request is one document retrieval invocation.
type Request struct {
	// Query is the raw query text. The engine normalizes a copy for
	// matching and keeps this original for display.
	Query string

	// Severity escalates the deadline class when critical.
	Severity datatypes.Severity

	// Filters narrow the fan-out and the ranked result.
	Filters *datatypes.SearchFilters

	// Operation labels metrics; defaults to "search".
	Operation string

	// ContentType selects the cache TTL bucket; defaults to
	// knowledge_base.
	ContentType string

	// AllowDegraded keeps sources with an OPEN breaker in the plan and
	// lets the breaker itself reject or probe the call.
	AllowDegraded bool

	// Bulk marks warmer and refresh traffic, which trades latency for
	// completeness.
	Bulk bool

	// Refresh bypasses the cache read and overwrites the entry with a
	// freshly computed result.
	Refresh bool
}

// RunbookRequest is one structured runbook retrieval.
type RunbookRequest struct {
	AlertType       string
	Severity        datatypes.Severity
	AffectedSystems []string
	Context         map[string]string
	Limit           int
	AllowDegraded   bool
	Refresh         bool
}

// Status values reported per source in an invocation summary.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusTimeout     = "timeout"
	StatusError       = "error"
)

// SourceStatus is one source's outcome within an invocation. Sources
// excluded at plan time (breaker OPEN) appear as unavailable with zero
// latency.
type SourceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Results   int    `json:"results,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is a ranked retrieval response.
//
// RetrievalTimeMs is the time the pipeline spent producing this answer;
// a cache hit returns the stored value, so coalesced callers see
// byte-identical results.
type Result struct {
	Query            string                `json:"query"`
	Intent           Intent                `json:"intent"`
	IntentConfidence float64               `json:"intent_confidence"`
	Keywords         []string              `json:"expanded_keywords,omitempty"`
	DeadlineClass    DeadlineClass         `json:"deadline_class"`
	Documents        []*datatypes.Document `json:"documents"`
	TotalFound       int                   `json:"total_found"`
	Sources          []SourceStatus        `json:"sources,omitempty"`
	RetrievalTimeMs  int64                 `json:"retrieval_time_ms"`
}

// RunbookResult is a ranked runbook search response.
type RunbookResult struct {
	Matches         []*datatypes.RunbookMatch `json:"runbooks"`
	TotalFound      int                       `json:"total_found"`
	Sources         []SourceStatus            `json:"sources,omitempty"`
	RetrievalTimeMs int64                     `json:"retrieval_time_ms"`
}

// =============================================================================
// Normalization
// =============================================================================

// Normalize prepares raw query text for matching: control characters
// become spaces, whitespace runs collapse, and the result folds to
// lower case. Callers keep the original for display.
func Normalize(raw string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, raw)
	return strings.ToLower(strings.Join(strings.Fields(clean), " "))
}

// =============================================================================
// Document search
// =============================================================================

// Search runs the full pipeline for a free-text query.
//
// # Description
//
// An empty query (after normalization) is an empty success: no adapter
// is called and nothing is cached. Otherwise the invocation coalesces
// through the cache under a key derived from the normalized query,
// canonicalized filters and classified intent. Failures never reach the
// cache.
//
// # Inputs
//
//   - ctx: the caller's ceiling; the plan budget is enforced within it
//   - req: the invocation; Query is the only required field
//
// # Outputs
//
//   - *Result: ranked documents with a per-source status summary
//   - error: Unavailable when no source produced results and at least
//     one was unreachable, timed out or breaker-excluded
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	op := req.Operation
	if op == "" {
		op = "search"
	}
	start := time.Now()

	normalized := Normalize(req.Query)
	if normalized == "" {
		return &Result{
			Query:         req.Query,
			Intent:        IntentGeneralSearch,
			DeadlineClass: ClassStandard,
			Documents:     []*datatypes.Document{},
		}, nil
	}

	classifyStart := time.Now()
	cls := ClassifyIntent(normalized)
	e.observeStage("classify", classifyStart)
	if e.metrics != nil {
		e.metrics.RecordIntent(string(cls.Intent))
	}

	class := classFor(cls.Intent, req.Severity, req.Bulk)
	contentType := req.ContentType
	if contentType == "" {
		contentType = cache.TypeKnowledgeBase
	}
	key := cache.Key(contentType, searchKey(normalized, req.Filters, cls.Intent))

	load := func(lctx context.Context) ([]byte, error) {
		res, err := e.retrieve(lctx, normalized, cls, class, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	payload, hit, err := e.loadThrough(ctx, key, req.Refresh, load)
	if e.metrics != nil {
		e.metrics.RecordQuery(op, string(class), time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		e.recordUsage(UsageSample{
			Operation: op,
			Intent:    string(cls.Intent),
			Class:     string(class),
			Latency:   time.Since(start),
		})
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "cached result payload does not decode", err)
	}
	res.Query = req.Query
	e.recordUsage(UsageSample{
		Operation: op,
		Intent:    string(res.Intent),
		Class:     string(class),
		CacheHit:  hit,
		Success:   true,
		Results:   len(res.Documents),
		Latency:   time.Since(start),
	})
	return &res, nil
}

// retrieve is the cache-miss path: plan, fan out, rank.
func (e *Engine) retrieve(ctx context.Context, normalized string, cls Classification, class DeadlineClass, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.retrieve",
		trace.WithAttributes(
			attribute.String("retrieval.intent", string(cls.Intent)),
			attribute.String("retrieval.deadline_class", string(class)),
		))
	defer span.End()

	retrieveStart := time.Now()
	p := e.buildPlan(class, req.Filters, req.AllowDegraded)
	e.observeStage("plan", retrieveStart)

	res := &Result{
		Query:            req.Query,
		Intent:           cls.Intent,
		IntentConfidence: cls.Confidence,
		Keywords:         cls.Keywords,
		DeadlineClass:    class,
		Documents:        []*datatypes.Document{},
		Sources:          p.excluded,
	}

	if len(p.adapters) == 0 {
		if len(p.excluded) > 0 || e.registry.Len() == 0 {
			err := pperr.New(pperr.CodeUnavailable, "no source is available to answer the query").
				WithSuggestion("every candidate source is down or breaker-excluded; check source health")
			span.RecordError(err)
			span.SetStatus(codes.Error, "no source available")
			return nil, err
		}
		// A kinds filter that selects nothing is an empty success.
		return res, nil
	}

	// Semantic scoring runs beside the fan-out and may use whatever
	// budget the adapters leave unspent; it never extends the deadline.
	var semCh chan map[string]float64
	if e.semantic.Available() {
		semCh = make(chan map[string]float64, 1)
		semQuery := normalized
		if len(cls.Keywords) > 0 {
			semQuery += " " + strings.Join(cls.Keywords, " ")
		}
		go func() {
			scores, err := e.semantic.Score(ctx, semQuery, semanticCandidates)
			if err != nil {
				e.log.Debug("semantic scoring skipped for this query", "error", err)
			}
			semCh <- scores
		}()
	}

	fanStart := time.Now()
	docs, statuses := fanCollect(ctx, p, func(cctx context.Context, a adapters.Adapter) ([]*datatypes.Document, error) {
		return a.Search(cctx, normalized, req.Filters.Clone())
	})
	e.observeStage("fanout", fanStart)
	res.Sources = append(res.Sources, statuses...)

	if len(docs) == 0 {
		if failedOnly(res.Sources) {
			err := pperr.New(pperr.CodeUnavailable, "no source answered the query").
				WithSuggestion("sources are timing out or unavailable; retry, or check source health")
			span.RecordError(err)
			span.SetStatus(codes.Error, "all sources failed")
			return nil, err
		}
		res.RetrievalTimeMs = time.Since(retrieveStart).Milliseconds()
		return res, nil
	}

	semScores := e.awaitSemantic(ctx, semCh, p.budget-time.Since(fanStart))

	rankStart := time.Now()
	priorities, successOf := e.rankSignals(ctx, p)
	minConf, limit := 0.0, defaultSearchLimit
	if req.Filters != nil {
		minConf = req.Filters.MinConfidence
		if req.Filters.Limit > 0 {
			limit = req.Filters.Limit
		}
	}
	ranked, total := rankDocuments(docs, rankInputs{
		queryTokens:   adapters.Tokenize(normalized),
		semantic:      semScores,
		priorities:    priorities,
		successOf:     successOf,
		filters:       req.Filters,
		now:           time.Now(),
		minConfidence: minConf,
		limit:         limit,
	})
	e.observeStage("rank", rankStart)

	res.Documents = ranked
	res.TotalFound = total
	res.RetrievalTimeMs = time.Since(retrieveStart).Milliseconds()
	for _, d := range ranked {
		d.RetrievalTime = res.RetrievalTimeMs
	}
	span.SetAttributes(attribute.Int("retrieval.documents", len(ranked)))
	e.indexBehind(ranked)
	return res, nil
}

// indexBehind feeds freshly retrieved documents back into the vector
// index off the request path. Adapters keep their indexes private, so
// documents reach the scorer through the same flow that serves them; a
// failed upsert costs nothing but staler semantic scores on the next
// query.
func (e *Engine) indexBehind(docs []*datatypes.Document) {
	if !e.semantic.Available() || len(docs) == 0 {
		return
	}
	batch := make([]*datatypes.Document, len(docs))
	copy(batch, docs)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexBehindTimeout)
		defer cancel()
		if _, err := e.semantic.Upsert(ctx, batch); err != nil {
			e.log.Debug("vector index write-behind skipped", "error", err)
		}
	}()
}

// awaitSemantic waits for the semantic goroutine up to the unspent plan
// budget. A late or failed score means a zero semantic term, never a
// slower answer.
func (e *Engine) awaitSemantic(ctx context.Context, semCh chan map[string]float64, remaining time.Duration) map[string]float64 {
	if semCh == nil {
		return nil
	}
	if remaining <= 0 {
		select {
		case scores := <-semCh:
			return scores
		default:
			return nil
		}
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case scores := <-semCh:
		return scores
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// =============================================================================
// Runbook search
// =============================================================================

// SearchRunbooks fans an alert out to every planned source's structured
// runbook matcher and merges the ranked matches.
//
// # Description
//
// Runbook confidence is trigger-based and comparable across sources, so
// the merge re-sorts without re-scoring; mirrored runbook ids keep the
// best-ranked copy. Responses cache under the runbooks content type
// with the alert, severity, systems and context canonicalized into the
// key, so a thundering herd of identical pages costs one fan-out.
func (e *Engine) SearchRunbooks(ctx context.Context, req RunbookRequest) (*RunbookResult, error) {
	start := time.Now()

	alert := Normalize(req.AlertType)
	if alert == "" {
		return &RunbookResult{Matches: []*datatypes.RunbookMatch{}}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRunbookLimit
	}

	class := classFor(IntentFindRunbook, req.Severity, false)
	key := cache.Key(cache.TypeRunbooks, runbookKey(alert, req.Severity, req.AffectedSystems, req.Context, limit))

	load := func(lctx context.Context) ([]byte, error) {
		res, err := e.retrieveRunbooks(lctx, alert, class, req, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	payload, hit, err := e.loadThrough(ctx, key, req.Refresh, load)
	if e.metrics != nil {
		e.metrics.RecordQuery("search_runbooks", string(class), time.Since(start).Seconds(), err == nil)
	}
	if err != nil {
		e.recordUsage(UsageSample{
			Operation: "search_runbooks",
			Intent:    string(IntentFindRunbook),
			Class:     string(class),
			Latency:   time.Since(start),
		})
		return nil, err
	}

	var res RunbookResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "cached runbook payload does not decode", err)
	}
	e.recordUsage(UsageSample{
		Operation: "search_runbooks",
		Intent:    string(IntentFindRunbook),
		Class:     string(class),
		CacheHit:  hit,
		Success:   true,
		Results:   len(res.Matches),
		Latency:   time.Since(start),
	})
	return &res, nil
}

// retrieveRunbooks is the cache-miss path for runbook searches.
func (e *Engine) retrieveRunbooks(ctx context.Context, alert string, class DeadlineClass, req RunbookRequest, limit int) (*RunbookResult, error) {
	ctx, span := tracer.Start(ctx, "engine.retrieveRunbooks",
		trace.WithAttributes(
			attribute.String("retrieval.deadline_class", string(class)),
			attribute.String("retrieval.severity", string(req.Severity)),
		))
	defer span.End()

	retrieveStart := time.Now()
	p := e.buildPlan(class, nil, req.AllowDegraded)

	res := &RunbookResult{
		Matches: []*datatypes.RunbookMatch{},
		Sources: p.excluded,
	}
	if len(p.adapters) == 0 {
		if len(p.excluded) > 0 || e.registry.Len() == 0 {
			err := pperr.New(pperr.CodeUnavailable, "no source is available to match runbooks").
				WithSuggestion("every candidate source is down or breaker-excluded; check source health")
			span.RecordError(err)
			span.SetStatus(codes.Error, "no source available")
			return nil, err
		}
		return res, nil
	}

	fanStart := time.Now()
	matches, statuses := fanCollect(ctx, p, func(cctx context.Context, a adapters.Adapter) ([]*datatypes.RunbookMatch, error) {
		return a.SearchRunbooks(cctx, alert, req.Severity, req.AffectedSystems, req.Context)
	})
	e.observeStage("fanout", fanStart)
	res.Sources = append(res.Sources, statuses...)

	if len(matches) == 0 {
		if failedOnly(res.Sources) {
			err := pperr.New(pperr.CodeUnavailable, "no source answered the runbook search").
				WithSuggestion("sources are timing out or unavailable; retry, or check source health")
			span.RecordError(err)
			span.SetStatus(codes.Error, "all sources failed")
			return nil, err
		}
		res.RetrievalTimeMs = time.Since(retrieveStart).Milliseconds()
		return res, nil
	}

	priorities, _ := e.rankSignals(ctx, p)
	ranked, total := rankRunbooks(matches, priorities, limit)

	res.Matches = ranked
	res.TotalFound = total
	res.RetrievalTimeMs = time.Since(retrieveStart).Milliseconds()
	for _, m := range ranked {
		m.RetrievalTime = res.RetrievalTimeMs
	}
	span.SetAttributes(attribute.Int("retrieval.matches", len(ranked)))
	return res, nil
}

// =============================================================================
// Fan-out
// =============================================================================

// fanOutcome is one adapter's answer within a fan-out.
type fanOutcome[T any] struct {
	name    string
	items   []T
	err     error
	elapsed time.Duration
}

// fanCollect dispatches one call per planned adapter and collects what
// comes back within the plan budget.
//
// # Description
//
// Each call runs under its own deadline of min(plan budget, adapter
// timeout), measured from the call's start. The plan budget itself is
// enforced by the collector: when it expires with at least one result
// merged, the stragglers are cancelled and their late answers dropped
// before they can reach the caller or the cache. With nothing merged
// yet, the collector keeps waiting — every call is individually
// bounded, so a late answer beats none and the wait still terminates.
//
// # Outputs
//
//   - []T: merged items in arrival order
//   - []SourceStatus: one entry per planned adapter, in plan order;
//     non-reporters are marked as timed out
func fanCollect[T any](ctx context.Context, p plan, call func(ctx context.Context, a adapters.Adapter) ([]T, error)) ([]T, []SourceStatus) {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fanOutcome[T], len(p.adapters))
	var g errgroup.Group
	g.SetLimit(p.parallel)
	for _, a := range p.adapters {
		g.Go(func() error {
			budget := p.budget
			if t := a.Timeout(); t > 0 && t < budget {
				budget = t
			}
			callCtx, cancelCall := context.WithTimeout(fanCtx, budget)
			defer cancelCall()

			callStart := time.Now()
			items, err := call(callCtx, a)
			// The buffer holds one slot per adapter, so a late send
			// never blocks even after the collector has moved on.
			results <- fanOutcome[T]{name: a.Name(), items: items, err: err, elapsed: time.Since(callStart)}
			return nil
		})
	}

	timer := time.NewTimer(p.budget)
	defer timer.Stop()

	var merged []T
	reported := make(map[string]SourceStatus, len(p.adapters))
	pending := len(p.adapters)

collect:
	for pending > 0 {
		select {
		case out := <-results:
			pending--
			st := SourceStatus{Name: out.name, Status: StatusOK, LatencyMs: out.elapsed.Milliseconds()}
			if out.err != nil {
				st.Status = statusOf(out.err)
				st.Error = pperr.Scrub(out.err.Error())
			} else {
				st.Results = len(out.items)
				merged = append(merged, out.items...)
			}
			reported[out.name] = st
		case <-timer.C:
			if len(merged) > 0 {
				break collect
			}
		case <-ctx.Done():
			break collect
		}
	}
	cancel()

	statuses := make([]SourceStatus, 0, len(p.adapters))
	for _, a := range p.adapters {
		if st, ok := reported[a.Name()]; ok {
			statuses = append(statuses, st)
			continue
		}
		statuses = append(statuses, SourceStatus{
			Name:   a.Name(),
			Status: StatusTimeout,
			Error:  "no answer within the plan deadline",
		})
	}
	return merged, statuses
}

// statusOf maps an adapter error to its summary status.
func statusOf(err error) string {
	switch pperr.CodeOf(err) {
	case pperr.CodeTimeout:
		return StatusTimeout
	case pperr.CodeUnavailable, pperr.CodeCircuitOpen, pperr.CodeRateLimited:
		return StatusUnavailable
	default:
		return StatusError
	}
}

// failedOnly reports whether the summary holds no successful source and
// at least one that was unavailable or timed out. That is the shape
// that turns an empty merge into an Unavailable error rather than an
// empty success.
func failedOnly(statuses []SourceStatus) bool {
	sawFailure := false
	for _, st := range statuses {
		switch st.Status {
		case StatusOK:
			return false
		case StatusUnavailable, StatusTimeout:
			sawFailure = true
		}
	}
	return sawFailure
}

// =============================================================================
// Shared plumbing
// =============================================================================

// loadThrough resolves a payload through the cache. Refresh recomputes
// and overwrites; a nil cache degrades to a direct load. The second
// return reports whether the payload arrived without running this
// caller's loader, which counts singleflight followers as hits.
func (e *Engine) loadThrough(ctx context.Context, key string, refresh bool, load func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if e.cache == nil {
		payload, err := load(ctx)
		return payload, false, err
	}
	if refresh {
		payload, err := load(ctx)
		if err != nil {
			return nil, false, err
		}
		e.cache.Set(ctx, key, payload)
		return payload, false, nil
	}
	loaded := false
	payload, err := e.cache.GetOrLoad(ctx, key, func(lctx context.Context) ([]byte, error) {
		loaded = true
		return load(lctx)
	})
	return payload, err == nil && !loaded, err
}

// recordUsage forwards one sample to the usage hook, if any.
func (e *Engine) recordUsage(s UsageSample) {
	if e.usage != nil {
		e.usage(s)
	}
}

// rankSignals snapshots the per-source priority and success-rate maps
// for one invocation. Feedback history wins over the rolling in-process
// rate; a source with neither scores neutral.
func (e *Engine) rankSignals(ctx context.Context, p plan) (map[string]int, func(string) float64) {
	priorities := make(map[string]int, len(p.adapters))
	rolling := make(map[string]float64, len(p.adapters))
	for _, a := range p.adapters {
		priorities[a.Name()] = a.Priority()
		if md := a.Metadata(ctx); md != nil {
			rolling[a.Name()] = md.SuccessRate
		}
	}

	successOf := func(source string) float64 {
		if e.rates != nil {
			if rate, ok := e.rates.SuccessRate(source); ok {
				return clamp01(rate)
			}
		}
		if rate := rolling[source]; rate > 0 {
			return clamp01(rate)
		}
		return neutralSuccessRate
	}
	return priorities, successOf
}

func (e *Engine) observeStage(stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordStage(stage, time.Since(start).Seconds())
	}
}
