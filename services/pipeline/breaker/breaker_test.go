// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

var errBackend = errors.New("backend exploded")

func failing(ctx context.Context) error { return errBackend }
func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThresholdInWindow(t *testing.T) {
	br := New("src", Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		err := br.Execute(context.Background(), failing)
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, StateClosed, br.State())
	}

	err := br.Execute(context.Background(), failing)
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, br.State())

	// While open, work must not run.
	invoked := false
	err = br.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.True(t, pperr.Is(err, pperr.CodeCircuitOpen))
	assert.False(t, invoked)
}

func TestBreakerPrunesFailuresOutsideWindow(t *testing.T) {
	br := New("src", Config{FailureThreshold: 3, MonitoringWindow: 50 * time.Millisecond})

	require.Error(t, br.Execute(context.Background(), failing))
	require.Error(t, br.Execute(context.Background(), failing))

	// Let the first two failures age out of the window.
	time.Sleep(70 * time.Millisecond)

	require.Error(t, br.Execute(context.Background(), failing))
	assert.Equal(t, StateClosed, br.State(), "stale failures must not count toward the threshold")
	assert.Equal(t, 1, br.Snapshot().Failures)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	br := New("src", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Millisecond,
	})

	require.Error(t, br.Execute(context.Background(), failing))
	require.Equal(t, StateOpen, br.State())

	// Before the recovery timeout the breaker still rejects.
	err := br.Execute(context.Background(), succeeding)
	require.True(t, pperr.Is(err, pperr.CodeCircuitOpen))

	time.Sleep(40 * time.Millisecond)

	// First probe success: half-open, not yet closed.
	require.NoError(t, br.Execute(context.Background(), succeeding))
	assert.Equal(t, StateHalfOpen, br.State())

	// Second probe success reaches the success threshold.
	require.NoError(t, br.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, br.State())
	assert.Equal(t, 0, br.Snapshot().Failures)
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	br := New("src", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	require.Error(t, br.Execute(context.Background(), failing))
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = br.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// The probe slot is held; a second call must be rejected.
	err := br.Execute(context.Background(), succeeding)
	assert.True(t, pperr.Is(err, pperr.CodeCircuitOpen))

	close(release)
	wg.Wait()
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	br := New("src", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	require.Error(t, br.Execute(context.Background(), failing))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, br.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, br.State())

	// The recovery clock restarted; an immediate call is still rejected.
	err := br.Execute(context.Background(), succeeding)
	assert.True(t, pperr.Is(err, pperr.CodeCircuitOpen))
}

func TestBreakerOperationTimeoutCountsAsFailure(t *testing.T) {
	br := New("src", Config{FailureThreshold: 1, OperationTimeout: 15 * time.Millisecond})

	err := br.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, br.State())
}

func TestBreakerRejectionsDoNotSelfReinforce(t *testing.T) {
	br := New("src", Config{FailureThreshold: 2})
	br.Trip("maintenance")

	for i := 0; i < 5; i++ {
		err := br.Execute(context.Background(), succeeding)
		require.True(t, pperr.Is(err, pperr.CodeCircuitOpen))
	}

	br.Reset()
	assert.Equal(t, StateClosed, br.State())
	assert.Equal(t, 0, br.Snapshot().Failures, "rejections must not appear in the failure window")

	// One real failure is below the threshold of two.
	require.Error(t, br.Execute(context.Background(), failing))
	assert.Equal(t, StateClosed, br.State())
}

func TestBreakerNestedCircuitOpenNotCounted(t *testing.T) {
	br := New("outer", Config{FailureThreshold: 1})

	err := br.Execute(context.Background(), func(ctx context.Context) error {
		return pperr.New(pperr.CodeCircuitOpen, "inner: circuit open")
	})
	require.Error(t, err)
	assert.Equal(t, StateClosed, br.State(), "a nested breaker rejection must not trip the outer breaker")
}

func TestBreakerManualTripAndReset(t *testing.T) {
	br := New("src", Config{})
	require.Equal(t, StateClosed, br.State())

	br.Trip("credential rotation")
	assert.Equal(t, StateOpen, br.State())

	snap := br.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.False(t, snap.NextRetry.IsZero())

	br.Reset()
	assert.Equal(t, StateClosed, br.State())
	assert.True(t, br.Snapshot().NextRetry.IsZero())
}

func TestRegistryGetOrCreate(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	a := reg.Get("confluence-ops")
	b := reg.Get("confluence-ops")
	assert.Same(t, a, b)

	_, ok := reg.Lookup("nope")
	assert.False(t, ok)

	got, ok := reg.Lookup("confluence-ops")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestRegistryEventsDeliveredAndBounded(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1})
	events := reg.Subscribe(4)

	br := reg.Get("src")
	require.Error(t, br.Execute(context.Background(), failing))

	select {
	case ev := <-events:
		assert.Equal(t, EventStateChange, ev.Kind)
		assert.Equal(t, "src", ev.Breaker)
		assert.Equal(t, StateClosed, ev.From)
		assert.Equal(t, StateOpen, ev.To)
	case <-time.After(time.Second):
		t.Fatal("no state_change event delivered")
	}

	// A rejection produces a fallback event.
	_ = br.Execute(context.Background(), succeeding)
	select {
	case ev := <-events:
		assert.Equal(t, EventFallback, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no fallback event delivered")
	}

	// Overflowing the queue must not block the breaker.
	for i := 0; i < 50; i++ {
		_ = br.Execute(context.Background(), succeeding)
	}
	assert.Equal(t, StateOpen, br.State())
}

func TestRegistrySnapshots(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	reg.Get("a")
	reg.Get("b").Trip("")

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "CLOSED", snaps["a"].State)
	assert.Equal(t, "OPEN", snaps["b"].State)

	reg.ResetAll()
	assert.Equal(t, "CLOSED", reg.Snapshots()["b"].State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN(9)", State(9).String())
}
