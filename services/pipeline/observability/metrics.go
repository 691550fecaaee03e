// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for Personal Pipeline.
//
// # Description
//
// This package implements Prometheus metrics for monitoring retrieval
// operations. Metrics include:
//   - Query counters and latency histograms (by operation and deadline class)
//   - Per-source request counters and latency
//   - Cache hit/miss/eviction counters per tier and content type
//   - Circuit breaker state gauges and transition counters
//   - Inflight request gauge and overload rejections
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "personal_pipeline"

// Subsystems group metrics by the component they observe.
const (
	pipelineSubsystem = "pipeline"
	sourceSubsystem   = "source"
	cacheSubsystem    = "cache"
	breakerSubsystem  = "breaker"
	serverSubsystem   = "server"
)

// PipelineMetrics holds all Prometheus metrics for retrieval operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring query
// performance, source health, cache effectiveness, and breaker activity.
// Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type PipelineMetrics struct {
	// QueriesTotal counts tool operations by name and outcome.
	// Labels: operation (search_runbooks, get_procedure, ...), status (success, error)
	QueriesTotal *prometheus.CounterVec

	// QueryDurationSeconds measures end-to-end tool operation latency.
	// Labels: operation, deadline_class (critical, standard, bulk)
	QueryDurationSeconds *prometheus.HistogramVec

	// StageDurationSeconds measures per-stage pipeline latency.
	// Labels: stage (classify, plan, fanout, rank)
	StageDurationSeconds *prometheus.HistogramVec

	// IntentTotal counts classified query intents.
	// Labels: intent
	IntentTotal *prometheus.CounterVec

	// SourceRequestsTotal counts adapter calls by source and outcome.
	// Labels: source, status (success, error, timeout, circuit_open)
	SourceRequestsTotal *prometheus.CounterVec

	// SourceLatencySeconds measures per-source retrieval latency.
	// Labels: source
	SourceLatencySeconds *prometheus.HistogramVec

	// CacheHitsTotal counts cache hits by tier and content type.
	// Labels: tier (l1, l2), content_type
	CacheHitsTotal *prometheus.CounterVec

	// CacheMissesTotal counts full misses by content type.
	// Labels: content_type
	CacheMissesTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts L1 evictions.
	// Labels: reason (expired, capacity, invalidated)
	CacheEvictionsTotal *prometheus.CounterVec

	// CacheL2ErrorsTotal counts distributed-tier failures that were
	// absorbed without failing the caller.
	CacheL2ErrorsTotal prometheus.Counter

	// BreakerState reports each breaker's state ordinal.
	// 0=CLOSED 1=OPEN 2=HALF_OPEN. Labels: breaker
	BreakerState *prometheus.GaugeVec

	// BreakerTransitionsTotal counts state changes.
	// Labels: breaker, to (CLOSED, OPEN, HALF_OPEN)
	BreakerTransitionsTotal *prometheus.CounterVec

	// ActiveRequests tracks in-flight requests against the global bound.
	ActiveRequests prometheus.Gauge

	// OverloadRejectionsTotal counts requests rejected at saturation.
	OverloadRejectionsTotal prometheus.Counter

	// FeedbackTotal counts recorded resolution feedback.
	// Labels: outcome (successful, unsuccessful)
	FeedbackTotal *prometheus.CounterVec

	// EventClients tracks connected event-stream subscribers.
	EventClients prometheus.Gauge

	// WarmupRunsTotal counts cache warmup executions.
	// Labels: status (success, error)
	WarmupRunsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics initializes the default metrics instance on the global
// Prometheus registry.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup.
//
// # Outputs
//
//   - *PipelineMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates a PipelineMetrics set on the given registerer.
// Tests pass an isolated prometheus.NewRegistry() to avoid conflicts
// with the global registry.
func NewMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "queries_total",
				Help:      "Total tool operations by name and outcome",
			},
			[]string{"operation", "status"},
		),

		QueryDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "query_duration_seconds",
				Help:      "End-to-end tool operation latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1.0, 2.5},
			},
			[]string{"operation", "deadline_class"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.3, 0.5, 1.0},
			},
			[]string{"stage"},
		),

		IntentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "intent_total",
				Help:      "Classified query intents",
			},
			[]string{"intent"},
		),

		SourceRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sourceSubsystem,
				Name:      "requests_total",
				Help:      "Adapter calls by source and outcome",
			},
			[]string{"source", "status"},
		),

		SourceLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sourceSubsystem,
				Name:      "latency_seconds",
				Help:      "Per-source retrieval latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1.0, 2.0},
			},
			[]string{"source"},
		),

		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "hits_total",
				Help:      "Cache hits by tier and content type",
			},
			[]string{"tier", "content_type"},
		),

		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "misses_total",
				Help:      "Cache misses by content type",
			},
			[]string{"content_type"},
		),

		CacheEvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "evictions_total",
				Help:      "L1 evictions by reason",
			},
			[]string{"reason"},
		),

		CacheL2ErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "l2_errors_total",
				Help:      "Distributed tier failures absorbed without failing the caller",
			},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: breakerSubsystem,
				Name:      "state",
				Help:      "Breaker state ordinal: 0=CLOSED 1=OPEN 2=HALF_OPEN",
			},
			[]string{"breaker"},
		),

		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: breakerSubsystem,
				Name:      "transitions_total",
				Help:      "Breaker state changes by destination state",
			},
			[]string{"breaker", "to"},
		),

		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "active_requests",
				Help:      "In-flight requests against the global bound",
			},
		),

		OverloadRejectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "overload_rejections_total",
				Help:      "Requests rejected because the inflight bound was reached",
			},
		),

		FeedbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "feedback_total",
				Help:      "Recorded resolution feedback by outcome",
			},
			[]string{"outcome"},
		),

		EventClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: serverSubsystem,
				Name:      "event_clients",
				Help:      "Connected event-stream subscribers",
			},
		),

		WarmupRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "warmup_runs_total",
				Help:      "Cache warmup executions by outcome",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordQuery records a completed tool operation.
//
// # Inputs
//
//   - operation: tool operation name.
//   - deadlineClass: critical, standard, or bulk.
//   - seconds: end-to-end latency.
//   - success: whether the operation completed successfully.
func (m *PipelineMetrics) RecordQuery(operation, deadlineClass string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.QueriesTotal.WithLabelValues(operation, status).Inc()
	m.QueryDurationSeconds.WithLabelValues(operation, deadlineClass).Observe(seconds)
}

// RecordStage records one pipeline stage's latency.
func (m *PipelineMetrics) RecordStage(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordIntent records a classified intent.
func (m *PipelineMetrics) RecordIntent(intent string) {
	m.IntentTotal.WithLabelValues(intent).Inc()
}

// RecordSourceRequest records one adapter call.
//
// # Inputs
//
//   - source: source name.
//   - status: success, error, timeout, or circuit_open.
//   - seconds: retrieval latency.
func (m *PipelineMetrics) RecordSourceRequest(source, status string, seconds float64) {
	m.SourceRequestsTotal.WithLabelValues(source, status).Inc()
	m.SourceLatencySeconds.WithLabelValues(source).Observe(seconds)
}

// RecordCacheHit records a hit on the given tier.
func (m *PipelineMetrics) RecordCacheHit(tier, contentType string) {
	m.CacheHitsTotal.WithLabelValues(tier, contentType).Inc()
}

// RecordCacheMiss records a full miss.
func (m *PipelineMetrics) RecordCacheMiss(contentType string) {
	m.CacheMissesTotal.WithLabelValues(contentType).Inc()
}

// RecordCacheEviction records an L1 eviction.
func (m *PipelineMetrics) RecordCacheEviction(reason string) {
	m.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheL2Error records an absorbed distributed-tier failure.
func (m *PipelineMetrics) RecordCacheL2Error() {
	m.CacheL2ErrorsTotal.Inc()
}

// SetBreakerState reports a breaker's current state ordinal.
func (m *PipelineMetrics) SetBreakerState(breaker string, ordinal float64) {
	m.BreakerState.WithLabelValues(breaker).Set(ordinal)
}

// RecordBreakerTransition counts a state change.
func (m *PipelineMetrics) RecordBreakerTransition(breaker, to string) {
	m.BreakerTransitionsTotal.WithLabelValues(breaker, to).Inc()
}

// RequestStarted increments the inflight gauge.
func (m *PipelineMetrics) RequestStarted() {
	m.ActiveRequests.Inc()
}

// RequestEnded decrements the inflight gauge.
func (m *PipelineMetrics) RequestEnded() {
	m.ActiveRequests.Dec()
}

// RecordOverloadRejection counts a request rejected at saturation.
func (m *PipelineMetrics) RecordOverloadRejection() {
	m.OverloadRejectionsTotal.Inc()
}

// RecordFeedback counts one resolution feedback record.
func (m *PipelineMetrics) RecordFeedback(wasSuccessful bool) {
	outcome := "successful"
	if !wasSuccessful {
		outcome = "unsuccessful"
	}
	m.FeedbackTotal.WithLabelValues(outcome).Inc()
}

// EventClientConnected increments the subscriber gauge.
func (m *PipelineMetrics) EventClientConnected() {
	m.EventClients.Inc()
}

// EventClientDisconnected decrements the subscriber gauge.
func (m *PipelineMetrics) EventClientDisconnected() {
	m.EventClients.Dec()
}

// RecordWarmupRun counts one warmup execution.
func (m *PipelineMetrics) RecordWarmupRun(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.WarmupRunsTotal.WithLabelValues(status).Inc()
}
