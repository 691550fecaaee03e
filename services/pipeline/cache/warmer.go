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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

// WarmFunc loads the critical entries of one content type into the cache
// and returns how many it stored. It is supplied by the retrieval layer,
// which knows what "critical" means per type.
type WarmFunc func(ctx context.Context, contentType string) (int, error)

// Warmer preloads flagged content types shortly after startup and again
// on an interval, so the first page during an incident never pays a cold
// cache.
//
// # Thread Safety
//
// Start and Stop are safe to call from different goroutines; Stop blocks
// until the loop exits. A second Start after Stop is not supported.
type Warmer struct {
	contentTypes []string
	warm         WarmFunc
	delay        time.Duration
	interval     time.Duration
	runTimeout   time.Duration
	metrics      *observability.PipelineMetrics

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWarmer builds a warmer for the given content types.
//
// delay is how long after Start the first run fires; interval is the
// spacing of subsequent runs (0 disables repeats). Each run is bounded
// by runTimeout per content type.
func NewWarmer(contentTypes []string, warm WarmFunc, delay, interval, runTimeout time.Duration,
	metrics *observability.PipelineMetrics) *Warmer {
	if runTimeout <= 0 {
		runTimeout = 30 * time.Second
	}
	return &Warmer{
		contentTypes: contentTypes,
		warm:         warm,
		delay:        delay,
		interval:     interval,
		runTimeout:   runTimeout,
		metrics:      metrics,
		done:         make(chan struct{}),
	}
}

// Start launches the warmup loop. It returns immediately; the first run
// fires after the configured delay.
func (w *Warmer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || len(w.contentTypes) == 0 || w.warm == nil {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
	slog.Info("cache warmer started",
		"content_types", w.contentTypes,
		"delay", w.delay.String(),
		"interval", w.interval.String())
}

// Stop halts the loop and waits for any in-flight run to finish.
func (w *Warmer) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// RunOnce warms every configured content type immediately. The admin
// surface calls this for on-demand warmup.
func (w *Warmer) RunOnce(ctx context.Context) (int, error) {
	return w.runAll(ctx)
}

func (w *Warmer) loop() {
	defer w.wg.Done()

	delay := time.NewTimer(w.delay)
	defer delay.Stop()

	select {
	case <-w.done:
		return
	case <-delay.C:
	}
	w.run()

	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.run()
		}
	}
}

func (w *Warmer) run() {
	start := time.Now()
	total, err := w.runAll(context.Background())
	if err != nil {
		slog.Warn("cache warmup finished with errors",
			"entries", total,
			"duration", time.Since(start).String(),
			"error", err)
		if w.metrics != nil {
			w.metrics.RecordWarmupRun(false)
		}
		return
	}
	slog.Info("cache warmup complete",
		"entries", total,
		"duration", time.Since(start).String())
	if w.metrics != nil {
		w.metrics.RecordWarmupRun(true)
	}
}

// runAll warms each content type in turn. One failing type does not stop
// the rest; the first error is kept for the caller.
func (w *Warmer) runAll(ctx context.Context) (int, error) {
	var firstErr error
	total := 0
	for _, ct := range w.contentTypes {
		runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
		n, err := w.warm(runCtx, ct)
		cancel()
		if err != nil {
			slog.Warn("cache warmup failed for content type", "content_type", ct, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	return total, firstErr
}
