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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerEmptyWindow(t *testing.T) {
	tr := NewTracker(16)
	count, p95, errorRate := tr.Stats()
	assert.Zero(t, count)
	assert.Zero(t, p95)
	assert.Zero(t, errorRate)
}

func TestTrackerPercentileInterpolates(t *testing.T) {
	tr := NewTracker(128)
	for i := 1; i <= 100; i++ {
		tr.Observe(time.Duration(i)*time.Millisecond, true)
	}
	count, p95, errorRate := tr.Stats()
	assert.Equal(t, 100, count)
	assert.InDelta(t, 95.05, float64(p95)/float64(time.Millisecond), 0.01)
	assert.Zero(t, errorRate)
}

func TestTrackerErrorRate(t *testing.T) {
	tr := NewTracker(16)
	for i := 0; i < 9; i++ {
		tr.Observe(time.Millisecond, true)
	}
	tr.Observe(time.Millisecond, false)
	count, _, errorRate := tr.Stats()
	assert.Equal(t, 10, count)
	assert.InDelta(t, 0.1, errorRate, 1e-9)
}

func TestTrackerWindowSlides(t *testing.T) {
	tr := NewTracker(4)
	for i := 0; i < 4; i++ {
		tr.Observe(time.Second, false)
	}
	for i := 0; i < 4; i++ {
		tr.Observe(time.Millisecond, true)
	}
	count, p95, errorRate := tr.Stats()
	assert.Equal(t, 4, count)
	assert.Zero(t, errorRate, "old failures fell out of the window")
	assert.Equal(t, time.Millisecond, p95)
}

func TestTrackerNilIsInert(t *testing.T) {
	var tr *Tracker
	tr.Observe(time.Second, false)
	count, p95, errorRate := tr.Stats()
	assert.Zero(t, count)
	assert.Zero(t, p95)
	assert.Zero(t, errorRate)
}
