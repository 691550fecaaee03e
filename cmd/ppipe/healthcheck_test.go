// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
)

// healthServerReturning serves the snapshot with the given HTTP status,
// the way the real /health endpoint does for healthy (200) and
// unhealthy (503) verdicts.
func healthServerReturning(t *testing.T, status int, snap *health.Snapshot) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(snap))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchHealthDecodesHealthyResponse(t *testing.T) {
	ts := healthServerReturning(t, http.StatusOK, &health.Snapshot{
		Status:        health.StatusHealthy,
		HealthPercent: 100,
		CheckedAt:     time.Now().UTC(),
	})

	snap, err := fetchHealth(ts.Client(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, snap.Status)
	assert.Equal(t, exitOK, exitCodeFor(snap))
}

func TestFetchHealthDecodesUnhealthy503(t *testing.T) {
	ts := healthServerReturning(t, http.StatusServiceUnavailable, &health.Snapshot{
		Status:        health.StatusUnhealthy,
		HealthPercent: 25,
	})

	snap, err := fetchHealth(ts.Client(), ts.URL)
	require.NoError(t, err, "503 still carries a snapshot body")
	assert.Equal(t, health.StatusUnhealthy, snap.Status)
	assert.Equal(t, exitUnhealthy, exitCodeFor(snap))
}

func TestFetchHealthUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	snap, err := fetchHealth(&http.Client{Timeout: time.Second}, base)
	require.Error(t, err)
	assert.Nil(t, snap)

	e := pperr.AsError(err)
	assert.Equal(t, pperr.CodeUnavailable, e.Code)
	assert.NotEmpty(t, e.Suggestion)
}

func TestFetchHealthRejectsUnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	_, err := fetchHealth(ts.Client(), ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestExitCodeForDegradedStillExitsZero(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeFor(&health.Snapshot{Status: health.StatusHealthy}))
	assert.Equal(t, exitOK, exitCodeFor(&health.Snapshot{Status: health.StatusDegraded}))
	assert.Equal(t, exitUnhealthy, exitCodeFor(&health.Snapshot{Status: health.StatusUnhealthy}))
}

func TestRenderSnapshotPlainOutput(t *testing.T) {
	snap := &health.Snapshot{
		Status:        health.StatusDegraded,
		HealthPercent: 50,
		Components: map[string]health.Component{
			"cache":   {Status: health.StatusHealthy, Detail: "hit rate 81.0%"},
			"sources": {Status: health.StatusDegraded, Detail: "1 of 2 sources healthy"},
		},
		Sources: []*datatypes.HealthCheck{
			{SourceName: "local-docs", Healthy: true, DocumentCount: 42, ResponseTime: 3, BreakerState: "CLOSED"},
			{SourceName: "team-wiki", Healthy: false, ErrorMessage: "connection refused"},
		},
		Performance: health.PerfReport{SampleCount: 10, P95Ms: 12.4},
		CheckedAt:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		ElapsedMs:   3,
	}

	var b strings.Builder
	renderSnapshot(&b, snap, false)
	out := b.String()

	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "50% of components healthy")
	assert.Contains(t, out, "cache")
	assert.Contains(t, out, "hit rate 81.0%")
	assert.Contains(t, out, "local-docs")
	assert.Contains(t, out, "breaker CLOSED")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "p95 12.4ms")
	assert.NotContains(t, out, "\x1b[", "plain mode emits no ANSI escapes")
}

func TestRenderSnapshotSkipsEmptySections(t *testing.T) {
	snap := &health.Snapshot{
		Status:        health.StatusHealthy,
		HealthPercent: 100,
		Components: map[string]health.Component{
			"server": {Status: health.StatusHealthy},
		},
	}

	var b strings.Builder
	renderSnapshot(&b, snap, false)
	out := b.String()

	assert.NotContains(t, out, "performance", "no samples means no performance section")
	assert.NotContains(t, out, "sources", "no sources section without sources")
}
