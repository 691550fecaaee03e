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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
)

// withEngineCache rebuilds the engine with a memory cache so warm runs
// have somewhere to land.
func withEngineCache(t *testing.T) func(*Deps) {
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
		d.Engine = engine.New(engine.Deps{Registry: d.Registry, Cache: svc, Log: quietLog()})
	}
}

func TestWarmPrimesRunbookSeedsOnce(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{parsedMatch(t, diskRunbookJSON, "docs", 0.9)}
	s := newTestService(t, []*stubAdapter{stub}, withEngineCache(t))

	primed, err := s.Warm(context.Background(), cache.TypeRunbooks)
	require.NoError(t, err)
	assert.Equal(t, len(warmAlerts), primed)
	assert.Equal(t, int32(len(warmAlerts)), stub.runbookSearches.Load())

	primed, err = s.Warm(context.Background(), cache.TypeRunbooks)
	require.NoError(t, err)
	assert.Equal(t, len(warmAlerts), primed)
	assert.Equal(t, int32(len(warmAlerts)), stub.runbookSearches.Load(),
		"a repeat run is served from the primed entries")
}

func TestWarmKnowledgeServesTheRealQuery(t *testing.T) {
	stub := newStub("docs")
	stub.searchDocs = []*datatypes.Document{kbDoc("d-1", "Incident Response Guide", "docs")}
	s := newTestService(t, []*stubAdapter{stub}, withEngineCache(t))

	primed, err := s.Warm(context.Background(), cache.TypeKnowledgeBase)
	require.NoError(t, err)
	assert.Equal(t, len(warmQueries), primed)

	before := stub.searches.Load()
	res, err := s.SearchKnowledgeBase(context.Background(), KnowledgeBaseRequest{Query: warmQueries[0]})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, before, stub.searches.Load(),
		"a client asking the seeded question never reaches the adapters")
}

func TestWarmHasNoSeedsForLookupTypes(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	for _, ct := range []string{cache.TypeProcedures, cache.TypeDecisionTrees, cache.TypeWebResponse, "unknown"} {
		primed, err := s.Warm(context.Background(), ct)
		require.NoError(t, err)
		assert.Zero(t, primed, ct)
	}
}

func TestWarmIgnoresInflightBound(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{parsedMatch(t, diskRunbookJSON, "docs", 0.9)}
	s := newTestService(t, []*stubAdapter{stub}, func(d *Deps) { d.MaxInflight = 1 })

	require.True(t, s.inflight.TryAcquire(1), "claim the only slot")
	defer s.inflight.Release(1)

	primed, err := s.Warm(context.Background(), cache.TypeRunbooks)
	require.NoError(t, err)
	assert.Equal(t, len(warmAlerts), primed, "warmup never competes for request slots")
}

func TestWarmKeepsGoingPastFailingSeeds(t *testing.T) {
	stub := newStub("docs")
	stub.runbookErr = pperr.New(pperr.CodeUnavailable, "index rebuilding")
	s := newTestService(t, []*stubAdapter{stub})

	primed, err := s.Warm(context.Background(), cache.TypeRunbooks)
	assert.Error(t, err)
	assert.Zero(t, primed)
	assert.Equal(t, int32(len(warmAlerts)), stub.runbookSearches.Load(), "every seed is attempted")
}
