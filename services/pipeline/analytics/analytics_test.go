// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analytics

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDisabledReturnsNil(t *testing.T) {
	e, err := New(config.AnalyticsConfig{Enabled: false}, quietLog())
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestNilExporterIsInert(t *testing.T) {
	var e *Exporter
	e.Record(Sample{Operation: "search", Success: true})
	e.Close()
	e.Close()
}

func TestNewRequiresToken(t *testing.T) {
	os.Unsetenv("PPIPE_TEST_ANALYTICS_TOKEN")
	_, err := New(config.AnalyticsConfig{
		Enabled:  true,
		URL:      "http://localhost:8086",
		TokenEnv: "PPIPE_TEST_ANALYTICS_TOKEN",
		Org:      "personal-pipeline",
		Bucket:   "pipeline-usage",
	}, quietLog())
	require.Error(t, err)
	assert.True(t, pperr.Is(err, pperr.CodeConfig))
}

func TestRecordAndCloseDoNotBlock(t *testing.T) {
	t.Setenv("PPIPE_TEST_ANALYTICS_TOKEN", "test-token")
	e, err := New(config.AnalyticsConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:1", // nothing listens; delivery failures drain quietly
		TokenEnv:      "PPIPE_TEST_ANALYTICS_TOKEN",
		Org:           "personal-pipeline",
		Bucket:        "pipeline-usage",
		FlushInterval: config.Duration(time.Hour),
	}, quietLog())
	require.NoError(t, err)
	require.NotNil(t, e)

	done := make(chan struct{})
	go func() {
		e.Record(Sample{
			Operation: "search_runbooks",
			Intent:    "find_runbook",
			Class:     "critical",
			CacheHit:  true,
			Success:   true,
			Results:   3,
			Latency:   42 * time.Millisecond,
		})
		e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("record/close did not return")
	}
}
