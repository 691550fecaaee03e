// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server assembles the Personal Pipeline process and exposes it
// over HTTP.
//
// # Description
//
// New wires configuration into the component graph: breaker registry,
// cache, adapter registry with its factories, the optional semantic and
// analytics layers, the feedback store, the retrieval engine, the tool
// service and the health aggregator. Run then performs the startup I/O
// (source creation, background loops, the listener) and blocks until the
// context is cancelled, at which point it drains in-flight requests
// within server.shutdown_grace and tears the graph down in reverse.
//
// Construction errors are configuration problems; errors out of Run are
// runtime failures. The split lets the CLI map them to distinct exit
// codes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/PersonalPipeline/pkg/logging"
	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters/dbadapter"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters/fileadapter"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters/githost"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters/webadapter"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters/wiki"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/analytics"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/feedback"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/semantic"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/tools"
)

const (
	// eventBuffer sizes the breaker and health subscriptions feeding the
	// event stream; bursts beyond it drop rather than block a publisher.
	eventBuffer = 64

	// readHeaderTimeout bounds how long a client may dawdle over its
	// request headers.
	readHeaderTimeout = 10 * time.Second

	// minWarmInterval floors the warmup cadence so short TTLs cannot turn
	// the warmer into a load generator.
	minWarmInterval = time.Minute

	// defaultRefreshTick spaces scheduled index refreshes when no source
	// declares an interval of its own.
	defaultRefreshTick = 5 * time.Minute

	// minRefreshTick floors the scheduler; adapters skip refreshes that
	// are not yet due, so a short tick costs little beyond the walk.
	minRefreshTick = 30 * time.Second
)

// Server is the assembled Personal Pipeline process.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	metrics   *observability.PipelineMetrics
	stopTrace func(context.Context)
	breakers  *breaker.Registry
	cache     *cache.Service
	registry  *adapters.Registry
	scorer    *semantic.Scorer
	store     *feedback.Store
	exporter  *analytics.Exporter
	engine    *engine.Engine
	tools     *tools.Service
	perf      *health.Tracker
	health    *health.Aggregator
	warmer    *cache.Warmer
	hub       *hub
	handlers  *Handlers
	router    *gin.Engine
	http      *http.Server

	wg sync.WaitGroup
}

// New assembles a Server from configuration. It validates and constructs
// every component but performs no network I/O beyond what construction
// itself requires; call Run to start serving.
func New(cfg *config.Config, lg *logging.Logger) (*Server, error) {
	var metrics *observability.PipelineMetrics
	if cfg.Observability.EnableMetrics {
		metrics = observability.InitMetrics()
	}
	return newWith(cfg, lg, metrics)
}

// newWith is New with the metrics instance injected, so tests can use an
// isolated Prometheus registry instead of the process-global one.
func newWith(cfg *config.Config, lg *logging.Logger, metrics *observability.PipelineMetrics) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     lg.Slog().With("component", "server"),
		metrics: metrics,
	}
	ok := false
	defer func() {
		if !ok {
			s.closeResources()
		}
	}()

	stopTrace, err := observability.InitTracer(observability.TracingConfig{
		Enabled:     cfg.Observability.EnableTracing,
		Endpoint:    cfg.Observability.OTelEndpoint,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "tracing initialization failed", err)
	}
	s.stopTrace = stopTrace

	s.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout.Std(),
		MonitoringWindow: cfg.CircuitBreaker.MonitoringWindow.Std(),
		OperationTimeout: cfg.CircuitBreaker.OperationTimeout.Std(),
	})

	if cfg.Cache.Enabled {
		s.cache, err = cache.New(cfg.Cache, s.breakers, metrics)
		if err != nil {
			return nil, err
		}
	}

	s.registry = adapters.NewRegistry(adapters.Deps{
		Breakers: s.breakers,
		Cache:    s.cache,
		Metrics:  metrics,
	})
	s.registry.RegisterFactory("file", fileadapter.New)
	s.registry.RegisterFactory("git_host", githost.New)
	s.registry.RegisterFactory("wiki", wiki.New)
	s.registry.RegisterFactory("database", dbadapter.New)
	s.registry.RegisterFactory("web", webadapter.New)

	if cfg.Semantic.Enabled {
		s.scorer, err = semantic.New(cfg.Semantic)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Feedback.Enabled {
		s.store, err = feedback.Open(cfg.Feedback, lg.Slog(), metrics)
		if err != nil {
			return nil, err
		}
	}

	s.exporter, err = analytics.New(cfg.Analytics, lg.Slog())
	if err != nil {
		return nil, err
	}

	engDeps := engine.Deps{
		Registry: s.registry,
		Breakers: s.breakers,
		Cache:    s.cache,
		Semantic: s.scorer,
		Metrics:  metrics,
		Log:      lg.Slog(),
	}
	if s.store != nil {
		engDeps.Rates = s.store
	}
	if s.exporter != nil {
		exporter := s.exporter
		engDeps.Usage = func(u engine.UsageSample) {
			exporter.Record(analytics.Sample{
				Operation: u.Operation,
				Intent:    u.Intent,
				Class:     u.Class,
				CacheHit:  u.CacheHit,
				Success:   u.Success,
				Results:   u.Results,
				Latency:   u.Latency,
			})
		}
	}
	s.engine = engine.New(engDeps)

	s.tools = tools.New(tools.Deps{
		Registry:    s.registry,
		Engine:      s.engine,
		Cache:       s.cache,
		Feedback:    s.store,
		Metrics:     metrics,
		Log:         lg.Slog(),
		MaxInflight: int64(cfg.Server.MaxConcurrentRequests),
	})

	s.perf = health.NewTracker(0)
	s.health = health.New(health.Deps{
		Registry: s.registry,
		Cache:    s.cache,
		Perf:     s.perf,
		Log:      lg.Slog(),
	})

	if types, interval := warmupPlan(cfg.Cache, s.cache); len(types) > 0 {
		s.warmer = cache.NewWarmer(types, s.tools.Warm,
			cfg.Cache.WarmupDelay.Std(), interval, 0, metrics)
	}

	s.hub = newHub(cfg.Server.CORSOrigins, metrics, lg.Slog())
	s.handlers = &Handlers{
		tools:    s.tools,
		health:   s.health,
		breakers: s.breakers,
		cache:    s.cache,
		registry: s.registry,
		warmer:   s.warmer,
		hub:      s.hub,
		log:      s.log,
	}

	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ok = true
	return s, nil
}

// buildRouter constructs the gin engine with the middleware chain and
// every route.
func (s *Server) buildRouter() *gin.Engine {
	mode := s.cfg.Server.GinMode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	serviceName := s.cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "personal-pipeline"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationMiddleware())
	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	}
	r.Use(accessLogMiddleware(s.log))
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/health", s.handlers.HandleHealth)
	r.GET("/health/live", s.handlers.HandleLive)
	if s.cfg.Observability.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api/v1")
	api.Use(perfMiddleware(s.perf))
	if d := s.cfg.Server.RequestTimeout.Std(); d > 0 {
		api.Use(timeoutMiddleware(d))
	}
	RegisterRoutes(api, s.handlers)
	return r
}

// Run starts the server and blocks until ctx is cancelled or serving
// fails.
//
// # Description
//
// Startup order: sources are created best-effort, the optional vector
// backend is probed, background loops start (health poller, feedback
// snapshots, event hub, refresh scheduler), the listener binds, the
// server flips ready, and the cache warmer arms itself for its first
// run after warmup_delay. On cancellation the same order unwinds in
// reverse, bounded by server.shutdown_grace.
//
// # Outputs
//
//   - error: nil after a clean shutdown; Unavailable when the listener
//     cannot bind or serving fails
func (s *Server) Run(ctx context.Context) error {
	start := time.Now()

	if errs := s.registry.CreateAll(ctx, s.cfg.Sources); len(errs) > 0 {
		s.log.Warn("some sources failed to initialize",
			"failed", len(errs),
			"configured", len(s.cfg.Sources))
	}
	if s.scorer != nil {
		_ = s.scorer.Initialize(ctx)
	}

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	s.health.Start(bgCtx, s.cfg.Server.HealthCheckInterval.Std())
	if s.store != nil && s.cfg.Feedback.SnapshotBucket != "" {
		s.store.StartSnapshots(bgCtx, s.cfg.Feedback.SnapshotBucket, s.cfg.Feedback.SnapshotInterval.Std())
	}
	s.hub.Start(s.breakers.Subscribe(eventBuffer), s.health.Subscribe(eventBuffer))
	s.startRefreshLoop(bgCtx)

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		s.shutdown(cancelBackground)
		return pperr.Wrap(pperr.CodeUnavailable, "cannot listen on "+s.http.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	s.health.SetReady(true)
	if s.warmer != nil {
		s.warmer.Start()
	}
	s.log.Info("personal pipeline ready",
		"addr", s.http.Addr,
		"sources", s.registry.Len(),
		"cache", s.cache != nil,
		"startup_ms", time.Since(start).Milliseconds())

	select {
	case err := <-serveErr:
		s.shutdown(cancelBackground)
		return pperr.Wrap(pperr.CodeUnavailable, "http server failed", err)
	case <-ctx.Done():
		s.shutdown(cancelBackground)
		return nil
	}
}

// shutdown unwinds the process in reverse startup order.
func (s *Server) shutdown(cancelBackground context.CancelFunc) {
	grace := s.cfg.Server.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	s.log.Info("shutting down", "grace", grace.String())

	s.health.SetReady(false)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), grace)
	defer cancelDrain()
	if err := s.http.Shutdown(drainCtx); err != nil {
		s.log.Warn("graceful drain incomplete, closing connections", "error", err)
		_ = s.http.Close()
	}

	if s.warmer != nil {
		s.warmer.Stop()
	}
	cancelBackground()
	s.wg.Wait()
	s.health.Stop()
	s.hub.Stop()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), grace)
	defer cancelCleanup()
	if errs := s.registry.Cleanup(cleanupCtx); len(errs) > 0 {
		s.log.Warn("source cleanup finished with errors", "errors", len(errs))
	}
	if s.stopTrace != nil {
		s.stopTrace(cleanupCtx)
	}

	s.closeResources()
	config.PurgeCredentials()
	s.log.Info("shutdown complete")
}

// closeResources releases the owned stores in teardown order: analytics
// flushes first, then feedback, then the cache.
func (s *Server) closeResources() {
	s.exporter.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// startRefreshLoop schedules background index refreshes. Adapters gate on
// their own refresh_interval, so the loop only walks the registry.
func (s *Server) startRefreshLoop(ctx context.Context) {
	interval := refreshTick(s.cfg.Sources)
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if failures := s.registry.RefreshAll(ctx, false); len(failures) > 0 {
					s.log.Warn("scheduled refresh finished with failures", "failed", len(failures))
				}
			}
		}
	}()
}

// refreshTick picks the scheduler cadence: the shortest declared
// refresh_interval across enabled sources, floored, or a default when no
// source declares one. Zero when nothing is enabled.
func refreshTick(sources []config.SourceConfig) time.Duration {
	enabled := false
	var shortest time.Duration
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		enabled = true
		if d := src.RefreshInterval.Std(); d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	if !enabled {
		return 0
	}
	if shortest == 0 {
		return defaultRefreshTick
	}
	if shortest < minRefreshTick {
		return minRefreshTick
	}
	return shortest
}

// warmupPlan lists the content types flagged for warmup and derives the
// repeat cadence: half the shortest warmed TTL, so entries are re-primed
// before they can age out.
func warmupPlan(cfg config.CacheConfig, svc *cache.Service) ([]string, time.Duration) {
	if svc == nil {
		return nil, 0
	}
	var types []string
	for name, policy := range cfg.ContentTypes {
		if policy.Warmup {
			types = append(types, name)
		}
	}
	if len(types) == 0 {
		return nil, 0
	}
	sort.Strings(types)

	var shortest time.Duration
	for _, ct := range types {
		if ttl := svc.TTLFor(ct); shortest == 0 || ttl < shortest {
			shortest = ttl
		}
	}
	interval := shortest / 2
	if interval < minWarmInterval {
		interval = minWarmInterval
	}
	return types, interval
}
