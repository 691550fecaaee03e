// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// stubAdapter is a scriptable source for engine tests.
type stubAdapter struct {
	name     string
	kind     datatypes.SourceKind
	priority int
	timeout  time.Duration

	// delay holds Search/SearchRunbooks for the given duration. When
	// ignoreCtx is set the stub sleeps through cancellation, modelling a
	// backend call that cannot be interrupted.
	delay     time.Duration
	ignoreCtx bool

	docs    []*datatypes.Document
	matches []*datatypes.RunbookMatch
	err     error

	searches atomic.Int32
}

func (s *stubAdapter) Name() string                         { return s.name }
func (s *stubAdapter) Kind() datatypes.SourceKind           { return s.kind }
func (s *stubAdapter) Priority() int                        { return s.priority }
func (s *stubAdapter) Timeout() time.Duration               { return s.timeout }
func (s *stubAdapter) Initialize(ctx context.Context) error { return nil }

func (s *stubAdapter) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return nil
	}
	if s.ignoreCtx {
		time.Sleep(s.delay)
		return nil
	}
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return pperr.Wrap(pperr.CodeTimeout, "search abandoned, deadline reached", ctx.Err())
	}
}

func (s *stubAdapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	s.searches.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*datatypes.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *stubAdapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	return nil, pperr.New(pperr.CodeNotFound, "stub has no single documents")
}

func (s *stubAdapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	s.searches.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.matches, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	return &datatypes.HealthCheck{SourceName: s.name, Healthy: true, LastCheck: time.Now()}
}
func (s *stubAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) { return false, nil }
func (s *stubAdapter) Metadata(ctx context.Context) *datatypes.SourceMetadata {
	return &datatypes.SourceMetadata{Name: s.name, Kind: s.kind, Priority: s.priority}
}
func (s *stubAdapter) Cleanup(ctx context.Context) error { return nil }

func newStub(name string, docs ...*datatypes.Document) *stubAdapter {
	return &stubAdapter{
		name:     name,
		kind:     datatypes.KindFile,
		priority: 1,
		timeout:  5 * time.Second,
		docs:     docs,
	}
}

func stubDoc(id, title string, source string) *datatypes.Document {
	return &datatypes.Document{
		ID:          id,
		Title:       title,
		SourceName:  source,
		SourceKind:  datatypes.KindFile,
		Category:    datatypes.CategoryGuide,
		LastUpdated: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(t *testing.T, stubs []*stubAdapter, mutate ...func(*Deps)) *Engine {
	t.Helper()
	reg := adapters.NewRegistry(adapters.Deps{})
	byName := make(map[string]*stubAdapter, len(stubs))
	for _, s := range stubs {
		byName[s.name] = s
	}
	reg.RegisterFactory("stub", func(cfg config.SourceConfig, deps adapters.Deps) (adapters.Adapter, error) {
		return byName[cfg.Name], nil
	})
	cfgs := make([]config.SourceConfig, 0, len(stubs))
	for _, s := range stubs {
		cfgs = append(cfgs, config.SourceConfig{Name: s.name, Kind: "stub", Enabled: true})
	}
	require.Empty(t, reg.CreateAll(context.Background(), cfgs))

	deps := Deps{Registry: reg}
	for _, m := range mutate {
		m(&deps)
	}
	return New(deps)
}

func withCache(t *testing.T) func(*Deps) {
	t.Helper()
	return func(d *Deps) {
		svc, err := cache.New(config.CacheConfig{
			Enabled:  true,
			Strategy: cache.StrategyMemoryOnly,
			Memory: config.MemoryCacheConfig{
				MaxKeys: 100,
				TTL:     config.Duration(time.Hour),
			},
		}, nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close() })
		d.Cache = svc
	}
}

// =============================================================================
// Search
// =============================================================================

func TestSearchEmptyQueryCallsNoSource(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-1", "Disk Guide", "docs"))
	e := newTestEngine(t, []*stubAdapter{stub})

	res, err := e.Search(context.Background(), Request{Query: " \t\n "})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Zero(t, res.TotalFound)
	assert.Equal(t, IntentGeneralSearch, res.Intent)
	assert.Equal(t, int32(0), stub.searches.Load(), "empty queries reach no source")
}

func TestSearchMergesAndRanksAcrossSources(t *testing.T) {
	a := newStub("docs",
		stubDoc("kb-backup", "Database Backup Procedure", "docs"),
		stubDoc("kb-other", "Unrelated Notes", "docs"),
	)
	b := newStub("wiki", stubDoc("wiki-backup", "Backup Overview", "wiki"))
	b.priority = 2
	e := newTestEngine(t, []*stubAdapter{a, b})

	res, err := e.Search(context.Background(), Request{Query: "Database Backup"})
	require.NoError(t, err)

	assert.Equal(t, "Database Backup", res.Query, "the raw query is preserved for display")
	assert.Equal(t, 3, res.TotalFound)
	require.NotEmpty(t, res.Documents)
	assert.Equal(t, "kb-backup", res.Documents[0].ID, "the strongest match ranks first")
	for i := 1; i < len(res.Documents); i++ {
		assert.GreaterOrEqual(t, res.Documents[i-1].Confidence, res.Documents[i].Confidence)
	}
	for _, d := range res.Documents {
		assert.Equal(t, res.RetrievalTimeMs, d.RetrievalTime)
	}

	require.Len(t, res.Sources, 2)
	for _, st := range res.Sources {
		assert.Equal(t, StatusOK, st.Status)
	}
}

func TestSearchDeadlineCutsStragglersWithResultsInHand(t *testing.T) {
	fast := newStub("fast", stubDoc("kb-fast", "Disk Cleanup", "fast"))
	slow := newStub("slow", stubDoc("kb-slow", "Disk Cleanup Extended", "slow"))
	slow.delay = 2 * time.Second
	slow.ignoreCtx = true
	e := newTestEngine(t, []*stubAdapter{fast, slow})

	start := time.Now()
	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second, "the plan deadline bounds the invocation")
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "kb-fast", res.Documents[0].ID)

	byName := make(map[string]SourceStatus, len(res.Sources))
	for _, st := range res.Sources {
		byName[st.Name] = st
	}
	assert.Equal(t, StatusOK, byName["fast"].Status)
	assert.Equal(t, StatusTimeout, byName["slow"].Status)
}

func TestSearchKeepsWaitingWhenNothingArrivedByDeadline(t *testing.T) {
	// The only source answers after the plan deadline but within its own
	// call bound; a late answer beats none.
	late := newStub("late", stubDoc("kb-late", "Disk Cleanup", "late"))
	late.delay = 600 * time.Millisecond
	late.ignoreCtx = true
	e := newTestEngine(t, []*stubAdapter{late})

	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "kb-late", res.Documents[0].ID)
}

func TestSearchRespectsAdapterTimeoutBelowPlanBudget(t *testing.T) {
	// Adapter timeout 50ms under a 300ms plan: the call is cut at the
	// tighter bound.
	tight := newStub("tight", stubDoc("kb-1", "Disk Guide", "tight"))
	tight.timeout = 50 * time.Millisecond
	tight.delay = 5 * time.Second // respects ctx, so the 50ms cap cuts it
	quick := newStub("quick", stubDoc("kb-2", "Disk Cleanup", "quick"))
	e := newTestEngine(t, []*stubAdapter{tight, quick})

	start := time.Now()
	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	byName := make(map[string]SourceStatus, len(res.Sources))
	for _, st := range res.Sources {
		byName[st.Name] = st
	}
	assert.Equal(t, StatusTimeout, byName["tight"].Status)
	assert.Equal(t, StatusOK, byName["quick"].Status)
}

func TestSearchExcludesOpenBreaker(t *testing.T) {
	healthy := newStub("healthy", stubDoc("kb-1", "Disk Cleanup", "healthy"))
	broken := newStub("broken", stubDoc("kb-2", "Disk Cleanup Alt", "broken"))

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	breakers.Get("broken").Trip("backend flapping")

	e := newTestEngine(t, []*stubAdapter{healthy, broken}, func(d *Deps) { d.Breakers = breakers })

	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), broken.searches.Load(), "an OPEN breaker keeps the source out of the plan")
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "kb-1", res.Documents[0].ID)

	byName := make(map[string]SourceStatus, len(res.Sources))
	for _, st := range res.Sources {
		byName[st.Name] = st
	}
	assert.Equal(t, StatusUnavailable, byName["broken"].Status)
	assert.Contains(t, byName["broken"].Error, "circuit breaker open")
	assert.Equal(t, StatusOK, byName["healthy"].Status)
}

func TestSearchAllowDegradedKeepsOpenBreakerInPlan(t *testing.T) {
	broken := newStub("broken", stubDoc("kb-2", "Disk Cleanup Alt", "broken"))
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	breakers.Get("broken").Trip("backend flapping")

	e := newTestEngine(t, []*stubAdapter{broken}, func(d *Deps) { d.Breakers = breakers })

	res, err := e.Search(context.Background(), Request{Query: "disk cleanup", AllowDegraded: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), broken.searches.Load(), "degraded mode lets the breaker itself decide")
	require.Len(t, res.Documents, 1)
}

func TestSearchUnavailableWhenEveryCandidateIsExcluded(t *testing.T) {
	only := newStub("only", stubDoc("kb-1", "Disk Guide", "only"))
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	breakers.Get("only").Trip("down hard")

	e := newTestEngine(t, []*stubAdapter{only}, func(d *Deps) { d.Breakers = breakers })

	_, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err))
}

func TestSearchUnavailableWhenRegistryIsEmpty(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err))
}

func TestSearchKindFilterSelectingNothingIsEmptySuccess(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-1", "Disk Guide", "docs")) // kind file
	e := newTestEngine(t, []*stubAdapter{stub})

	res, err := e.Search(context.Background(), Request{
		Query:   "disk cleanup",
		Filters: &datatypes.SearchFilters{Kinds: []datatypes.SourceKind{datatypes.KindDatabase}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Equal(t, int32(0), stub.searches.Load())
}

func TestSearchUnavailableWhenAllSourcesFail(t *testing.T) {
	a := newStub("a")
	a.err = pperr.New(pperr.CodeUnavailable, "backend refused the connection")
	b := newStub("b")
	b.err = pperr.New(pperr.CodeTimeout, "backend did not answer")
	e := newTestEngine(t, []*stubAdapter{a, b})

	_, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err))
}

func TestSearchEmptySuccessWhenSourcesAnswerNothing(t *testing.T) {
	a := newStub("a") // healthy, zero documents
	b := newStub("b")
	e := newTestEngine(t, []*stubAdapter{a, b})

	res, err := e.Search(context.Background(), Request{Query: "query matching nothing at all"})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Zero(t, res.TotalFound)
}

func TestSearchPartialFailureStillSucceeds(t *testing.T) {
	good := newStub("good", stubDoc("kb-1", "Disk Cleanup", "good"))
	bad := newStub("bad")
	bad.err = pperr.New(pperr.CodeUnavailable, "backend gone")
	e := newTestEngine(t, []*stubAdapter{good, bad})

	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)

	byName := make(map[string]SourceStatus, len(res.Sources))
	for _, st := range res.Sources {
		byName[st.Name] = st
	}
	assert.Equal(t, StatusOK, byName["good"].Status)
	assert.Equal(t, StatusUnavailable, byName["bad"].Status)
	assert.NotEmpty(t, byName["bad"].Error)
}

// =============================================================================
// Cache integration
// =============================================================================

func TestSearchCacheHitSkipsFanout(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-1", "Disk Cleanup", "docs"))
	e := newTestEngine(t, []*stubAdapter{stub}, withCache(t))

	first, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	second, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), stub.searches.Load(), "the second invocation is a cache hit")
	assert.Equal(t, first.RetrievalTimeMs, second.RetrievalTimeMs, "hits return the stored timing")

	fj, _ := json.Marshal(first)
	sj, _ := json.Marshal(second)
	assert.Equal(t, fj, sj, "identical queries return identical responses")
}

func TestSearchCoalescesConcurrentIdenticalQueries(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-1", "Disk Cleanup", "docs"))
	stub.delay = 50 * time.Millisecond
	e := newTestEngine(t, []*stubAdapter{stub}, withCache(t))

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.searches.Load(), "one fan-out serves the whole herd")
	first, err := json.Marshal(results[0])
	require.NoError(t, err)
	for i := 1; i < callers; i++ {
		got, err := json.Marshal(results[i])
		require.NoError(t, err)
		assert.Equal(t, first, got, "caller %d must see byte-identical results", i)
	}
}

func TestSearchFailuresAreNotCached(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-1", "Disk Cleanup", "docs"))
	stub.err = pperr.New(pperr.CodeUnavailable, "backend gone")
	e := newTestEngine(t, []*stubAdapter{stub}, withCache(t))

	_, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.Error(t, err)

	stub.err = nil
	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1, "recovery is visible immediately, the failure was never cached")
	assert.Equal(t, int32(2), stub.searches.Load())
}

func TestSearchRefreshBypassesAndOverwrites(t *testing.T) {
	stub := newStub("docs", stubDoc("kb-old", "Disk Cleanup", "docs"))
	e := newTestEngine(t, []*stubAdapter{stub}, withCache(t))

	res, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	assert.Equal(t, "kb-old", res.Documents[0].ID)

	stub.docs = []*datatypes.Document{stubDoc("kb-new", "Disk Cleanup", "docs")}

	res, err = e.Search(context.Background(), Request{Query: "disk cleanup", Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, "kb-new", res.Documents[0].ID, "refresh recomputes")

	res, err = e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	assert.Equal(t, "kb-new", res.Documents[0].ID, "refresh overwrote the entry")
	assert.Equal(t, int32(2), stub.searches.Load())
}

func TestSearchDistinctFiltersDoNotShareEntries(t *testing.T) {
	stub := newStub("docs",
		stubDoc("kb-1", "Disk Cleanup", "docs"),
	)
	e := newTestEngine(t, []*stubAdapter{stub}, withCache(t))

	_, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	_, err = e.Search(context.Background(), Request{
		Query:   "disk cleanup",
		Filters: &datatypes.SearchFilters{Limit: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.searches.Load(), "different filters key different entries")
}

func TestSearchStragglerNeverReachesCache(t *testing.T) {
	fast := newStub("fast", stubDoc("kb-fast", "Disk Cleanup", "fast"))
	slow := newStub("slow", stubDoc("kb-slow", "Disk Cleanup Extended", "slow"))
	slow.delay = 600 * time.Millisecond
	slow.ignoreCtx = true
	e := newTestEngine(t, []*stubAdapter{fast, slow}, withCache(t))

	first, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	require.Len(t, first.Documents, 1)
	assert.Equal(t, "kb-fast", first.Documents[0].ID)

	// Wait for the straggler's answer to land and be dropped, then ask
	// again. The entry written at return time must still be the only one.
	time.Sleep(800 * time.Millisecond)

	second, err := e.Search(context.Background(), Request{Query: "disk cleanup"})
	require.NoError(t, err)
	require.Len(t, second.Documents, 1, "the straggler's document must not surface later")
	assert.Equal(t, "kb-fast", second.Documents[0].ID)
	assert.Equal(t, int32(1), fast.searches.Load(), "the second invocation is a cache hit")
}

// =============================================================================
// Runbook search
// =============================================================================

func stubMatch(id, source string, confidence float64) *datatypes.RunbookMatch {
	return &datatypes.RunbookMatch{
		Runbook: &datatypes.Runbook{
			ID:          id,
			Title:       id,
			SourceName:  source,
			LastUpdated: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		Confidence:   confidence,
		MatchReasons: []string{"exact trigger match"},
	}
}

func TestSearchRunbooksMergesAndRanks(t *testing.T) {
	a := newStub("docs")
	a.matches = []*datatypes.RunbookMatch{
		stubMatch("rb-disk", "docs", 0.95),
		stubMatch("rb-mem", "docs", 0.90),
	}
	b := newStub("wiki")
	b.priority = 2
	b.matches = []*datatypes.RunbookMatch{
		stubMatch("rb-disk", "wiki", 0.90), // mirrored copy
		stubMatch("rb-net", "wiki", 0.97),
	}
	e := newTestEngine(t, []*stubAdapter{a, b})

	res, err := e.SearchRunbooks(context.Background(), RunbookRequest{
		AlertType: "disk_space",
		Severity:  datatypes.SeverityHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalFound)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, "rb-net", res.Matches[0].Runbook.ID)
	assert.Equal(t, "rb-disk", res.Matches[1].Runbook.ID)
	assert.Equal(t, "docs", res.Matches[1].Runbook.SourceName, "the stronger mirrored copy wins")
	assert.Equal(t, "rb-mem", res.Matches[2].Runbook.ID)
	for _, m := range res.Matches {
		assert.Equal(t, res.RetrievalTimeMs, m.RetrievalTime)
	}
}

func TestSearchRunbooksEmptyAlertIsEmptySuccess(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{stubMatch("rb-1", "docs", 0.9)}
	e := newTestEngine(t, []*stubAdapter{stub})

	res, err := e.SearchRunbooks(context.Background(), RunbookRequest{AlertType: "  "})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Equal(t, int32(0), stub.searches.Load())
}

func TestSearchRunbooksHonorsLimit(t *testing.T) {
	stub := newStub("docs")
	for i := 0; i < 8; i++ {
		stub.matches = append(stub.matches, stubMatch(string(rune('a'+i)), "docs", 0.9))
	}
	e := newTestEngine(t, []*stubAdapter{stub})

	res, err := e.SearchRunbooks(context.Background(), RunbookRequest{AlertType: "disk_space", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)
	assert.Equal(t, 8, res.TotalFound)

	res, err = e.SearchRunbooks(context.Background(), RunbookRequest{AlertType: "memory_pressure"})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 5, "the default limit applies when the caller sets none")
}

func TestSearchRunbooksUnavailableWhenAllSourcesFail(t *testing.T) {
	stub := newStub("docs")
	stub.err = pperr.New(pperr.CodeUnavailable, "backend gone")
	e := newTestEngine(t, []*stubAdapter{stub})

	_, err := e.SearchRunbooks(context.Background(), RunbookRequest{AlertType: "disk_space"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err))
}
