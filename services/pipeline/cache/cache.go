// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the two-tier response cache.
//
// L1 is an in-process LRU with per-entry expiry; L2 is Redis, guarded by
// its own circuit breaker. Keys follow the shape
//
//	${content_type}:${identifier}
//
// where the content type selects the TTL policy. Concurrent misses for
// the same key coalesce behind a single loader (singleflight), so a cold
// cache under a thundering herd produces exactly one backend call.
//
// # Strategies
//
//   - memory_only: L1 alone
//   - distributed_only: L2 alone; a broken Redis degrades to pass-through
//   - hybrid: read L1 then L2 (promoting hits into L1 with the remaining
//     TTL); write L1 synchronously, L2 asynchronously
//
// An L2 failure is never the caller's problem: hybrid reads fall back to
// the loader and hybrid writes log, count, and move on.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

// Content types with dedicated TTL policies. Keys built with an
// unrecognized type fall back to the default TTL.
const (
	TypeRunbooks      = "runbooks"
	TypeProcedures    = "procedures"
	TypeDecisionTrees = "decision_trees"
	TypeKnowledgeBase = "knowledge_base"
	TypeWebResponse   = "web_response"
)

// ContentTypes lists the canonical content types in declaration order.
func ContentTypes() []string {
	return []string{TypeRunbooks, TypeProcedures, TypeDecisionTrees, TypeKnowledgeBase, TypeWebResponse}
}

// Key builds the canonical cache key for a content type and identifier.
func Key(contentType, identifier string) string {
	return contentType + ":" + identifier
}

// TypeOfKey extracts the content-type prefix of a cache key, or "" when
// the key does not follow the canonical shape.
func TypeOfKey(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

// Strategy names accepted by the configuration.
const (
	StrategyMemoryOnly      = "memory_only"
	StrategyDistributedOnly = "distributed_only"
	StrategyHybrid          = "hybrid"
)

// =============================================================================
// Service
// =============================================================================

// Service is the two-tier cache.
//
// # Thread Safety
//
// Safe for concurrent use. L1 serializes internally; L2 commands run on
// go-redis's pooled connections; per-key write ordering is provided by
// the singleflight gate in GetOrLoad.
type Service struct {
	strategy string
	l1       *memoryStore
	l2       *redisStore

	defaultTTL time.Duration
	l2TTL      time.Duration
	typeTTLs   map[string]time.Duration

	flight  singleflight.Group
	metrics *observability.PipelineMetrics

	hits        atomic.Int64
	misses      atomic.Int64
	l2Errors    atomic.Int64
	l2Connected atomic.Bool

	typeMu    sync.Mutex
	typeStats map[string]*TypeStats

	sweepDone chan struct{}
	closeOnce sync.Once
}

// TypeStats is the per-content-type hit/miss breakdown.
type TypeStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits        int64                `json:"hits"`
	Misses      int64                `json:"misses"`
	HitRate     float64              `json:"hit_rate"`
	Entries     int                  `json:"entries"`
	ByType      map[string]TypeStats `json:"by_type"`
	L2Enabled   bool                 `json:"l2_enabled"`
	L2Connected bool                 `json:"l2_connected"`
	L2Errors    int64                `json:"l2_errors"`
}

// New builds the cache from configuration.
//
// # Description
//
// The distributed tier is constructed only when the strategy wants it and
// cfg.Distributed.Enabled is true; a hybrid deployment without Redis runs
// on L1 alone and reports the L2 tier as disconnected. The cache-redis
// breaker comes from the shared registry so the admin surface can trip
// and reset it like any other dependency.
//
// # Inputs
//
//   - cfg: the cache block of the loaded configuration
//   - breakers: shared breaker registry; may not be nil when L2 is enabled
//   - metrics: may be nil (tests); counters are skipped when absent
//
// # Outputs
//
//   - *Service: ready for use; call Close during shutdown
//   - error: ConfigError for an unusable distributed URL
func New(cfg config.CacheConfig, breakers *breaker.Registry, metrics *observability.PipelineMetrics) (*Service, error) {
	s := &Service{
		strategy:   cfg.Strategy,
		defaultTTL: cfg.Memory.TTL.Std(),
		l2TTL:      cfg.Distributed.TTL.Std(),
		typeTTLs:   make(map[string]time.Duration, len(cfg.ContentTypes)),
		metrics:    metrics,
		typeStats:  make(map[string]*TypeStats),
		sweepDone:  make(chan struct{}),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = time.Hour
	}
	if s.l2TTL <= 0 {
		s.l2TTL = 2 * time.Hour
	}
	for name, policy := range cfg.ContentTypes {
		if policy.TTL > 0 {
			s.typeTTLs[name] = policy.TTL.Std()
		}
	}

	if s.strategy != StrategyDistributedOnly {
		s.l1 = newMemoryStore(cfg.Memory.MaxKeys, func(reason string) {
			if s.metrics != nil {
				s.metrics.RecordCacheEviction(reason)
			}
		})
	}

	if s.strategy != StrategyMemoryOnly && cfg.Distributed.Enabled {
		br := breakers.GetWithConfig(l2BreakerName, breaker.Config{
			OperationTimeout: cfg.Distributed.ConnectionTimeout.Std(),
		})
		l2, err := newRedisStore(cfg.Distributed.URL, cfg.Distributed.KeyPrefix,
			cfg.Distributed.ConnectionTimeout.Std(), br)
		if err != nil {
			return nil, err
		}
		s.l2 = l2
	}

	if s.l1 != nil && cfg.Memory.CheckPeriod > 0 {
		go s.sweepLoop(cfg.Memory.CheckPeriod.Std())
	}
	return s, nil
}

// TTLFor returns the TTL policy for a content type.
func (s *Service) TTLFor(contentType string) time.Duration {
	if ttl, ok := s.typeTTLs[contentType]; ok {
		return ttl
	}
	return s.defaultTTL
}

// Get returns the cached payload for key, trying L1 then L2. An L2 hit
// is promoted into L1 with its remaining TTL so the next read is local.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool) {
	contentType := TypeOfKey(key)
	now := time.Now()

	if s.l1 != nil {
		if payload, _, ok := s.l1.get(key, now); ok {
			s.recordHit("l1", contentType)
			return payload, true
		}
	}

	if s.l2 != nil {
		payload, remaining, err := s.l2.get(ctx, key)
		switch {
		case err == nil:
			s.l2Connected.Store(true)
			if s.l1 != nil && remaining > 0 {
				s.l1.set(key, payload, contentType, remaining, now)
			}
			s.recordHit("l2", contentType)
			return payload, true
		case pperr.Is(err, pperr.CodeNotFound):
			s.l2Connected.Store(true)
		default:
			s.noteL2Error("read", key, err)
		}
	}

	s.recordMiss(contentType)
	return nil, false
}

// Set stores payload under key with the content type's TTL. The L1 write
// is synchronous; the L2 write is fire-and-forget, and its failure is
// logged and counted but never surfaced to the caller.
func (s *Service) Set(ctx context.Context, key string, payload []byte) {
	contentType := TypeOfKey(key)
	ttl := s.TTLFor(contentType)

	if s.l1 != nil {
		s.l1.set(key, payload, contentType, ttl, time.Now())
	}
	if s.l2 == nil {
		return
	}

	l2TTL := ttl
	if _, typed := s.typeTTLs[contentType]; !typed {
		l2TTL = s.l2TTL
	}
	payloadCopy := append([]byte(nil), payload...)
	go func() {
		// Detached from the request: the caller's deadline must not
		// cancel a write that is already someone else's future hit.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.l2.set(ctx, key, payloadCopy, l2TTL); err != nil {
			s.noteL2Error("write", key, err)
		} else {
			s.l2Connected.Store(true)
		}
	}()
}

// GetOrLoad returns the cached payload or runs loader to produce it,
// coalescing concurrent misses for the same key into one loader call.
//
// # Description
//
// The loader runs under the leading caller's context; waiters that reach
// their own deadline first receive a Timeout while the leader continues.
// The loaded payload passes through Set, so both tiers are populated and
// every waiter receives the same bytes.
func (s *Service) GetOrLoad(ctx context.Context, key string, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if payload, ok := s.Get(ctx, key); ok {
		return payload, nil
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		// Double-check: a racing Set may have landed while we queued.
		if payload, ok := s.Get(ctx, key); ok {
			return payload, nil
		}
		payload, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(ctx, key, payload)
		return payload, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, pperr.Wrap(pperr.CodeTimeout, "cache load exceeded the caller's deadline", ctx.Err())
	}
}

// Delete removes key from both tiers. The L2 delete failure is absorbed:
// the entry will age out by TTL.
func (s *Service) Delete(ctx context.Context, key string) {
	if s.l1 != nil {
		s.l1.delete(key)
	}
	if s.l2 != nil {
		if err := s.l2.delete(ctx, key); err != nil {
			s.noteL2Error("delete", key, err)
		}
	}
}

// ClearByType removes every entry of the given content type from both
// tiers and returns the number of L1 entries removed.
func (s *Service) ClearByType(ctx context.Context, contentType string) int {
	removed := 0
	if s.l1 != nil {
		removed = s.l1.clearPrefix(contentType + ":")
	}
	if s.l2 != nil {
		if _, err := s.l2.clearPrefix(ctx, contentType+":"); err != nil {
			s.noteL2Error("clear_type", contentType, err)
		}
	}
	return removed
}

// ClearAll empties both tiers.
func (s *Service) ClearAll(ctx context.Context) int {
	removed := 0
	if s.l1 != nil {
		removed = s.l1.clear()
	}
	if s.l2 != nil {
		if _, err := s.l2.clearPrefix(ctx, ""); err != nil {
			s.noteL2Error("clear_all", "", err)
		}
	}
	return removed
}

// Ping probes the distributed tier. Memory-only caches report healthy.
func (s *Service) Ping(ctx context.Context) error {
	if s.l2 == nil {
		return nil
	}
	err := s.l2.ping(ctx)
	s.l2Connected.Store(err == nil)
	return err
}

// L2Enabled reports whether a distributed tier was configured.
func (s *Service) L2Enabled() bool {
	return s.l2 != nil
}

// Stats returns a point-in-time snapshot.
func (s *Service) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	st := Stats{
		Hits:        hits,
		Misses:      misses,
		ByType:      make(map[string]TypeStats),
		L2Enabled:   s.l2 != nil,
		L2Connected: s.l2Connected.Load(),
		L2Errors:    s.l2Errors.Load(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if s.l1 != nil {
		st.Entries = s.l1.len()
	}

	s.typeMu.Lock()
	for name, ts := range s.typeStats {
		st.ByType[name] = *ts
	}
	s.typeMu.Unlock()
	return st
}

// Close stops the sweeper and releases the Redis connection pool.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.sweepDone)
		if s.l2 != nil {
			err = s.l2.close()
		}
	})
	return err
}

// =============================================================================
// Internals
// =============================================================================

func (s *Service) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepDone:
			return
		case now := <-ticker.C:
			if swept := s.l1.sweep(now); swept > 0 {
				slog.Debug("cache sweep evicted expired entries", "count", swept)
			}
		}
	}
}

func (s *Service) recordHit(tier, contentType string) {
	s.hits.Add(1)
	s.bumpType(contentType, true)
	if s.metrics != nil {
		s.metrics.RecordCacheHit(tier, contentType)
	}
}

func (s *Service) recordMiss(contentType string) {
	s.misses.Add(1)
	s.bumpType(contentType, false)
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(contentType)
	}
}

func (s *Service) bumpType(contentType string, hit bool) {
	if contentType == "" {
		contentType = "untyped"
	}
	s.typeMu.Lock()
	ts, ok := s.typeStats[contentType]
	if !ok {
		ts = &TypeStats{}
		s.typeStats[contentType] = ts
	}
	if hit {
		ts.Hits++
	} else {
		ts.Misses++
	}
	s.typeMu.Unlock()
}

// noteL2Error logs and counts an absorbed distributed-tier failure.
// CircuitOpen rejections are counted but logged at Debug: once the
// breaker is open, one WARN per request is noise.
func (s *Service) noteL2Error(op, key string, err error) {
	s.l2Errors.Add(1)
	s.l2Connected.Store(false)
	if s.metrics != nil {
		s.metrics.RecordCacheL2Error()
	}
	if pperr.Is(err, pperr.CodeCircuitOpen) {
		slog.Debug("distributed cache skipped, breaker open", "op", op, "key", key)
		return
	}
	slog.Warn("distributed cache operation failed", "op", op, "key", key, "error", err)
}
