// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"math"
	"sort"
	"sync"
	"time"
)

// defaultWindow is how many finished requests the tracker remembers.
const defaultWindow = 512

type sample struct {
	d  time.Duration
	ok bool
}

// Tracker keeps a bounded window of recent request outcomes. The
// performance gate reads p95 latency and error rate from it; older
// samples fall out as new ones arrive, so a past incident does not
// pin the gate red forever.
//
// # Thread Safety
//
// Safe for concurrent use. Observe is a ring write under a mutex;
// Stats copies the window out before sorting.
type Tracker struct {
	mu     sync.Mutex
	window []sample
	next   int
	count  int
}

// NewTracker builds a tracker remembering the last window requests.
// Values below 1 fall back to the default window.
func NewTracker(window int) *Tracker {
	if window < 1 {
		window = defaultWindow
	}
	return &Tracker{window: make([]sample, window)}
}

// Observe records one finished request.
func (t *Tracker) Observe(d time.Duration, ok bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.window[t.next] = sample{d: d, ok: ok}
	t.next = (t.next + 1) % len(t.window)
	if t.count < len(t.window) {
		t.count++
	}
	t.mu.Unlock()
}

// Stats summarizes the current window. A zero count means no request
// has finished yet; p95 and error rate are zero then.
func (t *Tracker) Stats() (count int, p95 time.Duration, errorRate float64) {
	if t == nil {
		return 0, 0, 0
	}
	t.mu.Lock()
	n := t.count
	durations := make([]time.Duration, 0, n)
	failures := 0
	for i := 0; i < n; i++ {
		durations = append(durations, t.window[i].d)
		if !t.window[i].ok {
			failures++
		}
	}
	t.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return n, percentile(durations, 0.95), float64(failures) / float64(n)
}

// percentile interpolates linearly between the two samples straddling
// the requested rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	fraction := index - float64(lower)
	return time.Duration(float64(sorted[lower])*(1-fraction) + float64(sorted[upper])*fraction)
}
