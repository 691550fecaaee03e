// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semantic scores retrieval candidates against a Weaviate near-text
// index of the indexed corpus.
//
// The layer is optional. A nil *Scorer is valid and inert, a backend that is
// down at startup leaves the pipeline scoring on match strength alone, and a
// backend that drops out later does the same; the ranker treats a missing
// semantic score as zero rather than failing retrieval.
package semantic

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

const (
	defaultClass   = "OpsDocument"
	defaultTimeout = 5 * time.Second

	// batchSize bounds one upsert call to the backend.
	batchSize = 100

	// maxContentBytes caps the body stored per object. Vectorizers read a
	// bounded prefix; the full text stays with the owning adapter.
	maxContentBytes = 16 << 10

	// defaultScoreLimit is how many neighbors a query fetches when the
	// caller does not say.
	defaultScoreLimit = 50
)

// =============================================================================
// Scorer
// =============================================================================

// Scorer holds the vector index client and the class it reads and writes.
//
// # Thread Safety
//
// Safe for concurrent use. Score and Upsert may run while another goroutine
// retries the startup probe.
type Scorer struct {
	client  *weaviate.Client
	class   string
	url     string
	timeout time.Duration
	log     *slog.Logger

	// ensured flips once the ready probe and class check have passed;
	// degraded tracks whether the most recent call reached the backend.
	ensured  atomic.Bool
	degraded atomic.Bool
}

// New builds a Scorer from the semantic config block. The caller gates on
// cfg.Enabled; New assumes the layer is wanted.
func New(cfg config.SemanticConfig) (*Scorer, error) {
	if cfg.URL == "" {
		return nil, pperr.New(pperr.CodeConfig, "semantic.url must be set when the semantic layer is enabled")
	}

	scheme := "http"
	host := cfg.URL
	switch {
	case strings.HasPrefix(host, "https://"):
		scheme = "https"
		host = strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "semantic.url does not parse", err)
	}

	class := cfg.ClassName
	if class == "" {
		class = defaultClass
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Scorer{
		client:  client,
		class:   class,
		url:     cfg.URL,
		timeout: timeout,
		log:     slog.With(slog.String("component", "semantic")),
	}, nil
}

// Initialize probes the backend and makes sure the document class exists.
//
// An unreachable backend is not an error: the layer starts degraded and the
// next Score or Upsert call retries the probe.
func (s *Scorer) Initialize(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.ensureReady(ctx); err != nil {
		s.log.Warn("vector backend not reachable at startup, scoring disabled until it recovers",
			slog.String("url", s.url),
			slog.String("error", err.Error()))
		return nil
	}
	s.log.Info("semantic layer ready",
		slog.String("url", s.url),
		slog.String("class", s.class))
	return nil
}

// Available reports whether the backend answered the most recent call.
func (s *Scorer) Available() bool {
	return s != nil && s.ensured.Load() && !s.degraded.Load()
}

// Score returns near-text certainty per document id for the query's closest
// neighbors.
//
// # Inputs
//
//	ctx - Bounds the query together with the configured timeout.
//	query - Normalized query text. Blank returns nil.
//	limit - How many neighbors to fetch; <= 0 uses the default.
//
// # Outputs
//
//	map[string]float64 - Certainty in [0,1] keyed by document id. Documents
//	absent from the map scored below the cut and count as zero.
//	error - Non-nil when the backend is unreachable or rejects the query.
func (s *Scorer) Score(ctx context.Context, query string, limit int) (map[string]float64, error) {
	if s == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultScoreLimit
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	near := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	res, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(
			graphql.Field{Name: "docId"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithNearText(near).
		WithLimit(limit).
		Do(qctx)
	if err != nil {
		s.degraded.Store(true)
		return nil, s.classify("near-text query failed", err)
	}
	if len(res.Errors) > 0 {
		return nil, pperr.Newf(pperr.CodeInternal, "near-text query rejected: %s", pperr.Scrub(res.Errors[0].Message))
	}

	s.degraded.Store(false)
	return s.parseCertainties(res), nil
}

// Upsert writes documents into the class in batches. Object ids derive from
// document ids, so refreshing a source replaces its vectors in place.
//
// # Outputs
//
//	int - Documents the backend accepted.
//	error - Non-nil when a batch fails outright; accepted counts from
//	earlier batches are still returned.
func (s *Scorer) Upsert(ctx context.Context, docs []*datatypes.Document) (int, error) {
	if s == nil || len(docs) == 0 {
		return 0, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}

	stored := 0
	for start := 0; start < len(docs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return stored, pperr.Wrap(pperr.CodeTimeout, "upsert abandoned, deadline reached", err)
		}

		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		objects := make([]*models.Object, 0, end-start)
		for _, doc := range docs[start:end] {
			objects = append(objects, s.object(doc))
		}

		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(bctx)
		cancel()
		if err != nil {
			s.degraded.Store(true)
			return stored, s.classify("document batch rejected", err)
		}
		for _, obj := range res {
			if obj.Result != nil && obj.Result.Errors == nil {
				stored++
			}
		}
	}

	s.degraded.Store(false)
	s.log.Info("vector corpus upserted",
		slog.Int("documents", stored),
		slog.String("class", s.class))
	return stored, nil
}

// =============================================================================
// Internal
// =============================================================================

// ensureReady runs the one-time ready probe and class check. After a failed
// startup every call retries until the backend answers.
func (s *Scorer) ensureReady(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ready, err := s.client.Misc().ReadyChecker().Do(rctx)
	if err != nil {
		s.degraded.Store(true)
		return s.classify("vector backend unreachable", err)
	}
	if !ready {
		s.degraded.Store(true)
		return pperr.New(pperr.CodeUnavailable, "vector backend reports not ready")
	}
	if err := s.ensureClass(rctx); err != nil {
		s.degraded.Store(true)
		return err
	}

	s.ensured.Store(true)
	s.degraded.Store(false)
	return nil
}

// ensureClass creates the document class when the backend does not have it.
func (s *Scorer) ensureClass(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx)
	if err == nil {
		return nil
	}

	if err := s.client.Schema().ClassCreator().WithClass(classFor(s.class)).Do(ctx); err != nil {
		return pperr.Wrap(pperr.CodeUnavailable, "vector class create rejected", err)
	}
	s.log.Info("vector class created", slog.String("class", s.class))
	return nil
}

// object converts a document to its stored form. Bodies longer than the cap
// are cut; search hits with no body fall back to the excerpt.
func (s *Scorer) object(doc *datatypes.Document) *models.Object {
	content := doc.Content
	if content == "" {
		content = doc.Excerpt
	}
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes]
	}

	return &models.Object{
		Class: s.class,
		ID:    docUUID(doc.ID),
		Properties: map[string]interface{}{
			"docId":      doc.ID,
			"title":      doc.Title,
			"content":    content,
			"category":   string(doc.Category),
			"sourceName": doc.SourceName,
			"updatedAt":  doc.LastUpdated.UTC().Format(time.RFC3339),
		},
	}
}

// parseCertainties walks the Get response into a docId → certainty map.
func (s *Scorer) parseCertainties(res *models.GraphQLResponse) map[string]float64 {
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[s.class].([]interface{})
	if !ok || len(objects) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := obj["docId"].(string)
		if id == "" {
			continue
		}
		additional, ok := obj["_additional"].(map[string]interface{})
		if !ok {
			continue
		}
		certainty, ok := additional["certainty"].(float64)
		if !ok {
			continue
		}
		if certainty < 0 {
			certainty = 0
		}
		if certainty > 1 {
			certainty = 1
		}
		scores[id] = certainty
	}
	return scores
}

// classify maps transport failures onto the pipeline's error kinds.
func (s *Scorer) classify(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pperr.Wrap(pperr.CodeTimeout, msg+", deadline reached", err)
	}
	return pperr.Wrap(pperr.CodeUnavailable, msg, err)
}

// docUUID derives a stable object id from the document id, so re-upserting
// a document replaces its vector instead of duplicating it.
func docUUID(id string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("pp://doc/"+id)).String())
}
