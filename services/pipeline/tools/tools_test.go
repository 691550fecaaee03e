// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/feedback"
)

// diskRunbookJSON is the structured fixture the lookup operations
// resolve against: a decision tree three levels deep, two procedure
// steps, and an escalation path.
const diskRunbookJSON = `{
  "id": "rb-disk-full",
  "title": "Disk Full Response",
  "triggers": ["disk_full", "disk_space"],
  "severity_mapping": {"critical": "page_oncall"},
  "decision_tree": {
    "id": "root",
    "question": "Is the database volume affected?",
    "children": [
      {
        "id": "db-volume",
        "question": "Can the volume be extended online?",
        "children": [
          {"id": "extend", "question": "", "terminal": true, "action": "extend the volume"}
        ]
      }
    ]
  },
  "procedures": [
    {"id": "check-usage", "name": "Check Usage", "description": "du -sh across mounts", "prerequisites": ["ssh access"]},
    {"id": "clean-logs", "name": "Clean Logs", "description": "rotate and drop stale logs"}
  ],
  "escalation_path": [
    {"level": 1, "name": "storage on-call", "channels": ["#storage"], "max_wait_minutes": 10},
    {"level": 2, "name": "infra lead", "channels": ["#storage", "pagerduty"], "max_wait_minutes": 20}
  ],
  "metadata": {"confidence": 0.9, "success_rate": 0.8}
}`

// singleStepRunbookJSON backs the bare-procedure-id path.
const singleStepRunbookJSON = `{
  "id": "rb-restart",
  "title": "Service Restart",
  "triggers": ["service_down"],
  "procedures": [
    {"id": "restart", "name": "Restart Service", "description": "systemctl restart api"}
  ]
}`

// stubAdapter is a scriptable source for tool tests.
type stubAdapter struct {
	name     string
	kind     datatypes.SourceKind
	priority int
	timeout  time.Duration

	byID       map[string]*datatypes.Document
	searchDocs []*datatypes.Document
	matches    []*datatypes.RunbookMatch
	runbookErr error
	healthy    bool

	gets            atomic.Int32
	searches        atomic.Int32
	runbookSearches atomic.Int32
}

func (s *stubAdapter) Name() string                         { return s.name }
func (s *stubAdapter) Kind() datatypes.SourceKind           { return s.kind }
func (s *stubAdapter) Priority() int                        { return s.priority }
func (s *stubAdapter) Timeout() time.Duration               { return s.timeout }
func (s *stubAdapter) Initialize(ctx context.Context) error { return nil }

func (s *stubAdapter) Search(ctx context.Context, query string, filters *datatypes.SearchFilters) ([]*datatypes.Document, error) {
	s.searches.Add(1)
	out := make([]*datatypes.Document, 0, len(s.searchDocs))
	for _, d := range s.searchDocs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *stubAdapter) Get(ctx context.Context, id string) (*datatypes.Document, error) {
	s.gets.Add(1)
	if d, ok := s.byID[id]; ok {
		return d.Clone(), nil
	}
	return nil, pperr.Newf(pperr.CodeNotFound, "document %q not found", id)
}

func (s *stubAdapter) SearchRunbooks(ctx context.Context, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) ([]*datatypes.RunbookMatch, error) {
	s.runbookSearches.Add(1)
	if s.runbookErr != nil {
		return nil, s.runbookErr
	}
	return s.matches, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) *datatypes.HealthCheck {
	return &datatypes.HealthCheck{SourceName: s.name, Healthy: s.healthy, LastCheck: time.Now()}
}
func (s *stubAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) { return false, nil }
func (s *stubAdapter) Metadata(ctx context.Context) *datatypes.SourceMetadata {
	return &datatypes.SourceMetadata{Name: s.name, Kind: s.kind, Priority: s.priority, Enabled: true}
}
func (s *stubAdapter) Cleanup(ctx context.Context) error { return nil }

func newStub(name string) *stubAdapter {
	return &stubAdapter{
		name:     name,
		kind:     datatypes.KindFile,
		priority: 1,
		timeout:  5 * time.Second,
		byID:     make(map[string]*datatypes.Document),
		healthy:  true,
	}
}

// withRunbook indexes a runbook document, content = the canonical JSON.
func (s *stubAdapter) withRunbook(id, raw string) *stubAdapter {
	s.byID[id] = &datatypes.Document{
		ID:         id,
		Title:      id,
		Content:    raw,
		SourceName: s.name,
		SourceKind: s.kind,
		Category:   datatypes.CategoryRunbook,
	}
	return s
}

func parsedMatch(t *testing.T, raw, source string, confidence float64) *datatypes.RunbookMatch {
	t.Helper()
	rb, err := adapters.ParseRunbookJSON([]byte(raw), source)
	require.NoError(t, err)
	return &datatypes.RunbookMatch{Runbook: rb, Confidence: confidence}
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, stubs []*stubAdapter, mutate ...func(*Deps)) *Service {
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

	deps := Deps{
		Registry: reg,
		Engine:   engine.New(engine.Deps{Registry: reg, Log: quietLog()}),
		Log:      quietLog(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	return New(deps)
}

func withFeedback(t *testing.T) func(*Deps) {
	t.Helper()
	return func(d *Deps) {
		store, err := feedback.OpenInMemory(quietLog(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		d.Feedback = store
	}
}

func withToolCache(t *testing.T) func(*Deps) {
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
// search_runbooks
// =============================================================================

func TestSearchRunbooksRequiresAlertAndSeverity(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	_, err := s.SearchRunbooks(context.Background(), RunbookSearchRequest{Severity: "critical"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.SearchRunbooks(context.Background(), RunbookSearchRequest{AlertType: "disk_full"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.SearchRunbooks(context.Background(), RunbookSearchRequest{AlertType: "disk_full", Severity: "urgent"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.SearchRunbooks(context.Background(), RunbookSearchRequest{AlertType: "disk_full", Severity: "critical", Limit: -1})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

func TestSearchRunbooksReturnsRankedMatches(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{parsedMatch(t, diskRunbookJSON, "docs", 0.95)}
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.SearchRunbooks(context.Background(), RunbookSearchRequest{
		AlertType: "disk_full",
		Severity:  "critical",
	})
	require.NoError(t, err)
	require.Len(t, res.Runbooks, 1)
	assert.Equal(t, "rb-disk-full", res.Runbooks[0].Runbook.ID)
	assert.Equal(t, 1, res.TotalFound)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, engine.StatusOK, res.Sources[0].Status)
}

func TestSearchRunbooksAcceptsMixedCaseSeverity(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	res, err := s.SearchRunbooks(context.Background(), RunbookSearchRequest{
		AlertType: "disk_full",
		Severity:  "Critical",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Runbooks)
}

// =============================================================================
// search_knowledge_base
// =============================================================================

func kbDoc(id, title, source string) *datatypes.Document {
	return &datatypes.Document{
		ID:          id,
		Title:       title,
		Excerpt:     "excerpt of " + title,
		SourceName:  source,
		SourceKind:  datatypes.KindFile,
		Category:    datatypes.CategoryGuide,
		LastUpdated: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSearchKnowledgeBaseFiltersBySourceName(t *testing.T) {
	a := newStub("docs")
	a.searchDocs = []*datatypes.Document{kbDoc("d-1", "Memory Leak Guide", "docs")}
	b := newStub("wiki")
	b.priority = 2
	b.searchDocs = []*datatypes.Document{kbDoc("w-1", "Memory Leak Notes", "wiki")}
	s := newTestService(t, []*stubAdapter{a, b})

	res, err := s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{
		Query:   "memory leak",
		Sources: []string{"wiki"},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "wiki", res.Results[0].SourceName)
	assert.Equal(t, 1, res.Total)
	assert.Len(t, res.Sources, 2, "the per-source summary still covers every fanned-out source")
}

func TestSearchKnowledgeBaseRejectsUnknownCategory(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	_, err := s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{
		Query:      "anything",
		Categories: []string{"recipes"},
	})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

func TestSearchKnowledgeBaseContentHydration(t *testing.T) {
	stub := newStub("docs")
	stub.searchDocs = []*datatypes.Document{kbDoc("d-1", "Memory Leak Guide", "docs")}
	stub.byID["d-1"] = &datatypes.Document{
		ID:         "d-1",
		Title:      "Memory Leak Guide",
		Content:    "full text of the guide",
		SourceName: "docs",
	}
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{Query: "memory leak"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Empty(t, res.Results[0].Content, "content stays excerpt-only by default")

	res, err = s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{
		Query:          "memory leak",
		IncludeContent: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "full text of the guide", res.Results[0].Content)
}

// =============================================================================
// Inflight bound
// =============================================================================

func TestOperationsRejectWhenSaturated(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")}, func(d *Deps) {
		d.MaxInflight = 1
	})

	require.True(t, s.inflight.TryAcquire(1), "claim the only slot")
	_, err := s.SearchRunbooks(context.Background(), RunbookSearchRequest{
		AlertType: "disk_full", Severity: "high",
	})
	assert.Equal(t, pperr.CodeOverloaded, pperr.CodeOf(err))

	_, err = s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{Query: "anything"})
	assert.Equal(t, pperr.CodeOverloaded, pperr.CodeOf(err))

	s.inflight.Release(1)
	_, err = s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{Query: "anything"})
	assert.NoError(t, err, "released slot admits the next request")
}

// =============================================================================
// list_sources
// =============================================================================

func TestListSourcesSummarizesAndCountsHealthy(t *testing.T) {
	a := newStub("docs")
	b := newStub("wiki")
	b.kind = datatypes.KindWiki
	b.priority = 2
	b.healthy = false
	s := newTestService(t, []*stubAdapter{a, b})

	res, err := s.ListSources(context.Background(), ListSourcesRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Healthy)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "docs", res.Sources[0].Name, "priority order")
	require.NotNil(t, res.Sources[0].Health)
	assert.True(t, res.Sources[0].Health.Healthy)
	assert.False(t, res.Sources[1].Health.Healthy)
}

func TestListSourcesKindFilter(t *testing.T) {
	a := newStub("docs")
	b := newStub("wiki")
	b.kind = datatypes.KindWiki
	s := newTestService(t, []*stubAdapter{a, b})

	res, err := s.ListSources(context.Background(), ListSourcesRequest{Kind: "wiki"})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "wiki", res.Sources[0].Name)

	_, err = s.ListSources(context.Background(), ListSourcesRequest{Kind: "ftp"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

func TestListSourcesSkipsHealthWhenAsked(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	off := false
	res, err := s.ListSources(context.Background(), ListSourcesRequest{IncludeHealth: &off})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Nil(t, res.Sources[0].Health)
	assert.Equal(t, 1, res.Healthy, "non-degraded metadata counts as healthy without a probe")
}

func TestListSourcesEmptyRegistryIsEmptySuccess(t *testing.T) {
	s := newTestService(t, nil)

	res, err := s.ListSources(context.Background(), ListSourcesRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Zero(t, res.Total)
	assert.Zero(t, res.Healthy)
}

func TestListSourcesIncludeStatsOverlaysFeedback(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub}, withFeedback(t))

	_, err := s.RecordResolutionFeedback(context.Background(), FeedbackRequest{
		IncidentID:            "inc-1",
		RunbookUsed:           "rb-disk-full",
		ResolutionTimeMinutes: 30,
		WasSuccessful:         true,
		Feedback:              "runbook resolved it",
	})
	require.NoError(t, err)

	res, err := s.ListSources(context.Background(), ListSourcesRequest{IncludeStats: true})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, int64(1), res.Sources[0].FeedbackSuccess)
	assert.Zero(t, res.Sources[0].FeedbackFailure)
	assert.InDelta(t, 1.0, res.Sources[0].SuccessRate, 1e-9)
}

// =============================================================================
// record_resolution_feedback
// =============================================================================

func TestRecordFeedbackValidatesInput(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")}, withFeedback(t))

	cases := []struct {
		name string
		req  FeedbackRequest
	}{
		{"missing incident", FeedbackRequest{Feedback: "x", ResolutionTimeMinutes: 1}},
		{"missing feedback", FeedbackRequest{IncidentID: "inc-1", ResolutionTimeMinutes: 1}},
		{"negative minutes", FeedbackRequest{IncidentID: "inc-1", Feedback: "x", ResolutionTimeMinutes: -1}},
		{"nul in incident", FeedbackRequest{IncidentID: "inc\x001", Feedback: "x", ResolutionTimeMinutes: 1}},
		{"nul in runbook", FeedbackRequest{IncidentID: "inc-1", RunbookUsed: "rb\x00", Feedback: "x", ResolutionTimeMinutes: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.RecordResolutionFeedback(context.Background(), tc.req)
			assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
		})
	}
}

func TestRecordFeedbackResolvesOwningSource(t *testing.T) {
	primary := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	secondary := newStub("mirror").withRunbook("rb-disk-full", diskRunbookJSON)
	secondary.priority = 2
	s := newTestService(t, []*stubAdapter{primary, secondary}, withFeedback(t))

	rcpt, err := s.RecordResolutionFeedback(context.Background(), FeedbackRequest{
		IncidentID:            "inc-1",
		RunbookUsed:           "rb-disk-full",
		ResolutionTimeMinutes: 25,
		WasSuccessful:         true,
		Feedback:              "cleared the alert",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.FeedbackID)

	rate, ok := s.feedback.SuccessRate("docs")
	require.True(t, ok, "the highest-priority owner takes the credit")
	assert.InDelta(t, 1.0, rate, 1e-9)

	_, ok = s.feedback.SuccessRate("mirror")
	assert.False(t, ok)
}

func TestRecordFeedbackUnresolvedRunbookStillRecords(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")}, withFeedback(t))

	rcpt, err := s.RecordResolutionFeedback(context.Background(), FeedbackRequest{
		IncidentID:            "inc-1",
		RunbookUsed:           "rb-nowhere",
		ResolutionTimeMinutes: 25,
		WasSuccessful:         true,
		Feedback:              "solved without a known runbook",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.FeedbackID)

	_, ok := s.feedback.SuccessRate("docs")
	assert.False(t, ok, "an unresolved runbook moves no rate")
}

func TestRecordFeedbackDisabledWithoutStore(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	_, err := s.RecordResolutionFeedback(context.Background(), FeedbackRequest{
		IncidentID:            "inc-1",
		ResolutionTimeMinutes: 5,
		WasSuccessful:         true,
		Feedback:              "fine",
	})
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err))
}

func TestErrorsLeaveWithCorrelationIDs(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	ctx := pperr.WithCorrelationID(context.Background(), "corr-123")
	_, err := s.SearchRunbooks(ctx, RunbookSearchRequest{Severity: "high"})
	require.Error(t, err)
	assert.Equal(t, "corr-123", pperr.AsError(err).CorrelationID)
}
