// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/PersonalPipeline/pkg/logging"
	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/feedback"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/tools"
)

const diskRunbookJSON = `{
  "id": "rb-disk-full",
  "title": "Disk Full Response",
  "triggers": ["disk_full", "disk_usage_high"],
  "severity_mapping": {"critical": "page_oncall"},
  "procedures": [
    {"id": "p1", "name": "Identify large files", "command": "du -sh /var/*"}
  ]
}`

const cleanupMarkdown = `---
title: Disk Cleanup Procedure
category: procedure
tags: [disk, storage]
---

# Disk Cleanup Procedure

When disk usage is high, find and remove stale artifacts.
`

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.GinMode = gin.TestMode
	cfg.Observability.EnableMetrics = false
	cfg.Observability.EnableTracing = false
	cfg.Feedback.Enabled = false
	return cfg
}

// newTestServer assembles a server with an isolated metrics registry so
// tests never collide on the process-global Prometheus registerer.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := baseConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	s, err := newWith(cfg, quietLogger(), observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(s.closeResources)
	return s
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func settingsNode(t *testing.T, v any) yaml.Node {
	t.Helper()
	raw, err := yaml.Marshal(v)
	require.NoError(t, err)
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	return *doc.Content[0]
}

// withFileSource seeds a file source holding one runbook and one
// markdown document and registers it in the configuration.
func withFileSource(t *testing.T) func(*config.Config) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "runbooks/disk-full.json", diskRunbookJSON)
	writeFile(t, root, "procedures/disk-cleanup.md", cleanupMarkdown)
	return func(cfg *config.Config) {
		cfg.Sources = append(cfg.Sources, config.SourceConfig{
			Name:     "local-docs",
			Kind:     "file",
			Enabled:  true,
			Priority: 1,
			Timeout:  config.Duration(5 * time.Second),
			Settings: settingsNode(t, map[string]any{"roots": []string{root}}),
		})
	}
}

func createSources(t *testing.T, s *Server) {
	t.Helper()
	require.Empty(t, s.registry.CreateAll(context.Background(), s.cfg.Sources))
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), "body: %s", w.Body.String())
}

// =============================================================================
// Probes
// =============================================================================

func TestLivenessAlwaysOK(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestHealthComputesSnapshotInline(t *testing.T) {
	s := newTestServer(t)

	// Not ready, no sources: two of four components are healthy, which
	// rolls up to degraded and still serves 200.
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap health.Snapshot
	decodeInto(t, w, &snap)
	assert.Equal(t, health.StatusDegraded, snap.Status)
	assert.Contains(t, snap.Components, health.ComponentSources)
	assert.False(t, snap.CheckedAt.IsZero())
}

func TestHealthUnhealthyMapsTo503(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// A one-byte heap limit fails the performance gate; with readiness
	// never flipped and no sources, the roll-up lands below degraded.
	agg := health.New(health.Deps{
		Perf:      health.NewTracker(0),
		Log:       quietLogger().Slog(),
		HeapLimit: 1,
	})
	h := &Handlers{health: agg, log: quietLogger().Slog()}
	r := gin.New()
	r.GET("/health", h.HandleHealth)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, health.StatusUnhealthy, snap.Status)
}

// =============================================================================
// Operations over HTTP
// =============================================================================

func TestBadBodyIsValidationError(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/search_runbooks",
		map[string]any{"alert_type": 123})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var e pperr.Error
	decodeInto(t, w, &e)
	assert.Equal(t, pperr.CodeValidation, e.Code)
	assert.NotEmpty(t, e.CorrelationID)
	assert.NotEmpty(t, e.Suggestion)
	assert.NotEmpty(t, w.Header().Get(correlationHeader))
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	req.Header.Set(correlationHeader, "incident-4711")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "incident-4711", w.Header().Get(correlationHeader))
}

func TestSearchRunbooksEndToEnd(t *testing.T) {
	s := newTestServer(t, withFileSource(t))
	createSources(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/search_runbooks",
		tools.RunbookSearchRequest{AlertType: "disk_full", Severity: "critical"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp tools.RunbookSearchResponse
	decodeInto(t, w, &resp)
	require.NotEmpty(t, resp.Runbooks)
	assert.Equal(t, "rb-disk-full", resp.Runbooks[0].Runbook.ID)
	assert.Positive(t, resp.Runbooks[0].Confidence)
}

func TestSearchKnowledgeBaseEndToEnd(t *testing.T) {
	s := newTestServer(t, withFileSource(t))
	createSources(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/search_knowledge_base",
		tools.KnowledgeBaseRequest{Query: "disk cleanup"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp tools.KnowledgeBaseResponse
	decodeInto(t, w, &resp)
	assert.NotEmpty(t, resp.Results)
}

func TestListSourcesQueryParams(t *testing.T) {
	s := newTestServer(t, withFileSource(t))
	createSources(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/v1/sources?include_stats=true&include_health=false", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tools.SourcesResponse
	decodeInto(t, w, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "local-docs", resp.Sources[0].Name)
	assert.Nil(t, resp.Sources[0].Health)

	w = doJSON(t, s, http.MethodGet, "/api/v1/sources?include_health=maybe", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeedbackDisabledIsUnavailable(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/feedback", tools.FeedbackRequest{
		IncidentID:            "INC-1",
		ResolutionTimeMinutes: 10,
		WasSuccessful:         true,
		Feedback:              "helpful",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var e pperr.Error
	decodeInto(t, w, &e)
	assert.Equal(t, pperr.CodeUnavailable, e.Code)
}

func TestFeedbackRecordsWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Feedback.Enabled = true
		cfg.Feedback.Dir = dir
	})

	w := doJSON(t, s, http.MethodPost, "/api/v1/feedback", tools.FeedbackRequest{
		IncidentID:            "INC-2026-0042",
		RunbookUsed:           "rb-disk-full",
		ResolutionTimeMinutes: 18,
		WasSuccessful:         true,
		Feedback:              "runbook steps resolved it",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var receipt feedback.Receipt
	decodeInto(t, w, &receipt)
	assert.NotEmpty(t, receipt.FeedbackID)
	assert.False(t, receipt.StoredAt.IsZero())
}

// =============================================================================
// Admin surface
// =============================================================================

func TestAdminBreakerLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.breakers.Get("db-main")

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/breakers/db-main/trip", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap breaker.Snapshot
	decodeInto(t, w, &snap)
	assert.Equal(t, breaker.StateOpen.String(), snap.State)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/breakers/db-main/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeInto(t, w, &snap)
	assert.Equal(t, breaker.StateClosed.String(), snap.State)

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/breakers/ghost/trip", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminListBreakers(t *testing.T) {
	s := newTestServer(t)
	s.breakers.Get("wiki-main")

	w := doJSON(t, s, http.MethodGet, "/api/v1/admin/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Breakers map[string]breaker.Snapshot `json:"breakers"`
	}
	decodeInto(t, w, &resp)
	assert.Contains(t, resp.Breakers, "wiki-main")
}

func TestAdminCacheClear(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/cache/clear?type=runbooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":0,"content_type":"runbooks"}`, w.Body.String())

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/cache/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":0}`, w.Body.String())
}

func TestAdminCacheClearWithCachingDisabled(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Cache.Enabled = false })

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/cache/clear", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminWarmupPrimesSeededSource(t *testing.T) {
	s := newTestServer(t, withFileSource(t))
	createSources(t, s)
	require.NotNil(t, s.warmer, "default config flags runbooks for warmup")

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/warmup", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Primed int `json:"primed"`
	}
	decodeInto(t, w, &resp)
	assert.Positive(t, resp.Primed)
}

func TestAdminWarmupWithoutWarmer(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Cache.Enabled = false })
	require.Nil(t, s.warmer)

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/warmup", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRefreshSource(t *testing.T) {
	s := newTestServer(t, withFileSource(t))
	createSources(t, s)

	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/sources/local-docs/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Source    string `json:"source"`
		Refreshed bool   `json:"refreshed"`
	}
	decodeInto(t, w, &resp)
	assert.Equal(t, "local-docs", resp.Source)
	assert.True(t, resp.Refreshed, "forced refresh always rebuilds")

	w = doJSON(t, s, http.MethodPost, "/api/v1/admin/sources/ghost/refresh", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Assembly and lifecycle
// =============================================================================

func TestMetricsRouteGatedByConfig(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s = newTestServer(t, func(cfg *config.Config) { cfg.Observability.EnableMetrics = true })
	w = doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCacheDisabledLeavesServiceNil(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Cache.Enabled = false })
	assert.Nil(t, s.cache)
	assert.Nil(t, s.warmer)

	// Operations still work without a cache.
	w := doJSON(t, s, http.MethodGet, "/api/v1/sources", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunServesAndShutsDownCleanly(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.Port = 0 // ephemeral
		cfg.Server.ShutdownGrace = config.Duration(2 * time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.health.Ready() },
		3*time.Second, 10*time.Millisecond, "server should flip ready once listening")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish within grace")
	}
	assert.False(t, s.health.Ready())
}

func TestRefreshTick(t *testing.T) {
	src := func(enabled bool, every time.Duration) config.SourceConfig {
		return config.SourceConfig{Name: "s", Kind: "file", Enabled: enabled,
			RefreshInterval: config.Duration(every)}
	}

	assert.Zero(t, refreshTick(nil))
	assert.Zero(t, refreshTick([]config.SourceConfig{src(false, time.Minute)}))
	assert.Equal(t, defaultRefreshTick, refreshTick([]config.SourceConfig{src(true, 0)}))
	assert.Equal(t, minRefreshTick, refreshTick([]config.SourceConfig{src(true, time.Second)}))
	assert.Equal(t, 2*time.Minute, refreshTick([]config.SourceConfig{
		src(true, 10*time.Minute), src(true, 2*time.Minute)}))
}

func TestWarmupPlan(t *testing.T) {
	cfg := config.CacheConfig{
		Enabled:  true,
		Strategy: cache.StrategyMemoryOnly,
		Memory:   config.MemoryCacheConfig{MaxKeys: 10, TTL: config.Duration(time.Hour)},
		ContentTypes: map[string]config.ContentTypePolicy{
			"runbooks":       {TTL: config.Duration(time.Hour), Warmup: true},
			"knowledge_base": {TTL: config.Duration(20 * time.Minute), Warmup: true},
			"procedures":     {TTL: config.Duration(30 * time.Minute)},
		},
	}
	svc, err := cache.New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	types, interval := warmupPlan(cfg, svc)
	assert.Equal(t, []string{"knowledge_base", "runbooks"}, types)
	assert.Equal(t, 10*time.Minute, interval, "half the shortest warmed TTL")

	types, interval = warmupPlan(cfg, nil)
	assert.Nil(t, types)
	assert.Zero(t, interval)
}
