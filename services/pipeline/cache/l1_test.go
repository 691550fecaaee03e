// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	m := newMemoryStore(10, nil)
	now := time.Now()

	m.set("runbooks:rb-1", []byte(`{"id":"rb-1"}`), TypeRunbooks, time.Minute, now)

	payload, remaining, ok := m.get("runbooks:rb-1", now)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"id":"rb-1"}`), payload)
	assert.Equal(t, time.Minute, remaining)

	_, _, ok = m.get("runbooks:rb-2", now)
	assert.False(t, ok)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	m := newMemoryStore(10, nil)
	now := time.Now()

	m.set("k:1", []byte("original"), "k", time.Minute, now)

	first, _, ok := m.get("k:1", now)
	require.True(t, ok)
	first[0] = 'X'

	second, _, ok := m.get("k:1", now)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), second, "caller mutation must not reach the stored payload")
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	evictions := make([]string, 0, 1)
	m := newMemoryStore(10, func(reason string) { evictions = append(evictions, reason) })
	now := time.Now()

	m.set("k:1", []byte("v"), "k", time.Minute, now)

	_, _, ok := m.get("k:1", now.Add(2*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 0, m.len(), "expired entry should be evicted on read")
	assert.Equal(t, []string{"expired"}, evictions)
}

func TestMemoryStoreCapacityEvictsLRU(t *testing.T) {
	m := newMemoryStore(3, nil)
	now := time.Now()

	m.set("k:1", []byte("1"), "k", time.Minute, now)
	m.set("k:2", []byte("2"), "k", time.Minute, now)
	m.set("k:3", []byte("3"), "k", time.Minute, now)

	// Touch k:1 so k:2 becomes the oldest.
	_, _, ok := m.get("k:1", now)
	require.True(t, ok)

	m.set("k:4", []byte("4"), "k", time.Minute, now)

	_, _, ok = m.get("k:2", now)
	assert.False(t, ok, "least recently used entry should have been evicted")
	for _, key := range []string{"k:1", "k:3", "k:4"} {
		_, _, ok = m.get(key, now)
		assert.True(t, ok, "%s should survive", key)
	}
}

func TestMemoryStoreReplaceDoesNotEvict(t *testing.T) {
	m := newMemoryStore(2, nil)
	now := time.Now()

	m.set("k:1", []byte("old"), "k", time.Minute, now)
	m.set("k:2", []byte("2"), "k", time.Minute, now)
	m.set("k:1", []byte("new"), "k", time.Minute, now)

	payload, _, ok := m.get("k:1", now)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), payload)

	_, _, ok = m.get("k:2", now)
	assert.True(t, ok, "replacing an existing key must not evict a neighbor")
}

func TestMemoryStoreClearPrefix(t *testing.T) {
	m := newMemoryStore(100, nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		m.set(Key(TypeRunbooks, fmt.Sprintf("rb-%d", i)), []byte("v"), TypeRunbooks, time.Minute, now)
	}
	m.set(Key(TypeProcedures, "proc-1"), []byte("v"), TypeProcedures, time.Minute, now)

	removed := m.clearPrefix(TypeRunbooks + ":")
	assert.Equal(t, 5, removed)
	assert.Equal(t, 1, m.len())

	_, _, ok := m.get(Key(TypeProcedures, "proc-1"), now)
	assert.True(t, ok)
}

func TestMemoryStoreSweep(t *testing.T) {
	m := newMemoryStore(100, nil)
	now := time.Now()

	m.set("k:expired-1", []byte("v"), "k", time.Second, now)
	m.set("k:expired-2", []byte("v"), "k", time.Second, now)
	m.set("k:fresh", []byte("v"), "k", time.Hour, now)

	swept := m.sweep(now.Add(time.Minute))
	assert.Equal(t, 2, swept)
	assert.Equal(t, 1, m.len())
}

func TestMemoryStoreDelete(t *testing.T) {
	m := newMemoryStore(10, nil)
	now := time.Now()

	m.set("k:1", []byte("v"), "k", time.Minute, now)
	assert.True(t, m.delete("k:1"))
	assert.False(t, m.delete("k:1"))
	assert.Equal(t, 0, m.len())
}
