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
	"container/list"
	"strings"
	"sync"
	"time"
)

// entry is one cached value in the in-process tier.
//
// Entries are immutable once stored; readers receive payload copies so a
// caller's mutation can never poison another's view.
type entry struct {
	key         string
	payload     []byte
	contentType string
	createdAt   time.Time
	expiresAt   time.Time

	lruElement *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// remaining returns the entry's unexpired lifetime at now, or 0.
func (e *entry) remaining(now time.Time) time.Duration {
	if d := e.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// memoryStore is the L1 tier: a capacity-bounded LRU with per-entry expiry.
//
// # Thread Safety
//
// Safe for concurrent use. All operations take the store mutex; none of
// them perform I/O while holding it.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	maxKeys int

	onEvict func(reason string)
}

func newMemoryStore(maxKeys int, onEvict func(reason string)) *memoryStore {
	if maxKeys < 1 {
		maxKeys = 1
	}
	if onEvict == nil {
		onEvict = func(string) {}
	}
	return &memoryStore{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxKeys: maxKeys,
		onEvict: onEvict,
	}
}

// get returns a copy of the payload and its remaining TTL. Expired entries
// are evicted lazily here rather than waiting for the sweeper.
func (m *memoryStore) get(key string, now time.Time) (payload []byte, remaining time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.entries[key]
	if !found {
		return nil, 0, false
	}
	if e.expired(now) {
		m.removeLocked(e)
		m.onEvict("expired")
		return nil, 0, false
	}

	m.lru.MoveToFront(e.lruElement)
	return append([]byte(nil), e.payload...), e.remaining(now), true
}

// set stores a payload under key, replacing any previous entry and
// evicting the least recently used entry at capacity.
func (m *memoryStore) set(key string, payload []byte, contentType string, ttl time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.removeLocked(old)
	}
	for len(m.entries) >= m.maxKeys {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest.Value.(*entry))
		m.onEvict("capacity")
	}

	e := &entry{
		key:         key,
		payload:     append([]byte(nil), payload...),
		contentType: contentType,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
	}
	e.lruElement = m.lru.PushFront(e)
	m.entries[key] = e
}

// delete removes key. Reports whether an entry existed.
func (m *memoryStore) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	m.removeLocked(e)
	m.onEvict("invalidated")
	return true
}

// clearPrefix removes every entry whose key starts with prefix and
// returns the number removed. O(keys), which the invalidation contract
// allows.
func (m *memoryStore) clearPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(e)
			m.onEvict("invalidated")
			removed++
		}
	}
	return removed
}

// clear drops every entry.
func (m *memoryStore) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	m.entries = make(map[string]*entry)
	m.lru.Init()
	for i := 0; i < n; i++ {
		m.onEvict("invalidated")
	}
	return n
}

// sweep evicts every expired entry. Called by the Service's check-period
// ticker so idle entries do not linger until the next read.
func (m *memoryStore) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.removeLocked(e)
			m.onEvict("expired")
			swept++
		}
	}
	return swept
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// removeLocked unlinks an entry. Caller holds m.mu.
func (m *memoryStore) removeLocked(e *entry) {
	if e.lruElement != nil {
		m.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	delete(m.entries, e.key)
}
