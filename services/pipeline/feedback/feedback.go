// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback persists incident resolution feedback and derives
// per-source success rates from it.
//
// # Description
//
// Records live in an embedded Badger store keyed by (incident id,
// runbook used), which makes the write naturally idempotent: repeating
// the same report inside the dedupe window returns the original receipt
// instead of double-counting. Alongside the raw records the store keeps
// two running tallies — per runbook (resolution times, for the
// percentile analysis returned with each receipt) and per source
// (success and failure counts, the success-rate signal the ranker
// blends into its metadata term). Recording feedback is the only path
// that moves a source's success rate.
//
// # Thread Safety
//
// A Store is safe for concurrent use. Badger serializes the write
// transactions; the in-memory rate map is guarded separately so rate
// reads never wait on a disk write.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

const (
	// dedupeWindow is how long a repeated (incident, runbook) report
	// keeps returning the original receipt.
	dedupeWindow = 5 * time.Minute

	// recentTimesCap bounds the per-runbook resolution time history the
	// percentile analysis compares against.
	recentTimesCap = 100

	// gcInterval and gcDiscardRatio drive Badger value-log garbage
	// collection for on-disk stores.
	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

// Key prefixes. Records and tallies share one keyspace; the prefixes
// keep prefix scans cheap and collisions impossible.
const (
	recPrefix = "fb:rec:"
	srcPrefix = "fb:src:"
	rbPrefix  = "fb:rb:"
)

// Entry is one incident resolution report as the tool layer hands it
// over. SourceName is the adapter owning RunbookUsed when the caller
// could resolve it; without it the record still persists but no success
// rate moves.
type Entry struct {
	IncidentID        string
	RunbookUsed       string
	SourceName        string
	ResolutionMinutes float64
	WasSuccessful     bool
	Feedback          string
	RootCause         string
	ResolutionSummary string
}

// Analysis is the deterministic summary computed when a report is
// stored: how this resolution compares to the runbook's history and
// what the report did to the owning source's success rate.
type Analysis struct {
	// SampleSize is how many prior resolutions the comparison covers.
	SampleSize int `json:"sample_size"`

	// RunbookAvgMinutes is the runbook's mean resolution time before
	// this report.
	RunbookAvgMinutes float64 `json:"runbook_avg_minutes,omitempty"`

	// FasterThanPercent is the share of prior resolutions this one beat.
	FasterThanPercent float64 `json:"faster_than_percent,omitempty"`

	// SourceSuccessRate is the owning source's rate after this report.
	SourceSuccessRate float64 `json:"source_success_rate,omitempty"`

	// SuccessRateDelta is how much this report moved that rate.
	SuccessRateDelta float64 `json:"success_rate_delta,omitempty"`
}

// Record is the persisted form of one report.
type Record struct {
	ID                string    `json:"id"`
	IncidentID        string    `json:"incident_id"`
	RunbookUsed       string    `json:"runbook_used,omitempty"`
	SourceName        string    `json:"source_name,omitempty"`
	ResolutionMinutes float64   `json:"resolution_time_minutes"`
	WasSuccessful     bool      `json:"was_successful"`
	Feedback          string    `json:"feedback"`
	RootCause         string    `json:"root_cause,omitempty"`
	ResolutionSummary string    `json:"resolution_summary,omitempty"`
	StoredAt          time.Time `json:"stored_at"`
	Analysis          Analysis  `json:"analysis"`
}

// Receipt is what the caller gets back. A deduplicated write returns
// the original receipt, id and analysis included.
type Receipt struct {
	FeedbackID   string    `json:"feedback_id"`
	StoredAt     time.Time `json:"stored_at"`
	Analysis     Analysis  `json:"analysis"`
	Deduplicated bool      `json:"deduplicated,omitempty"`
}

// SourceStats is one source's feedback tally for listings.
type SourceStats struct {
	Success int64   `json:"success"`
	Failure int64   `json:"failure"`
	Rate    float64 `json:"rate"`
}

// sourceTally and runbookTally are the stored counter shapes.
type sourceTally struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

type runbookTally struct {
	Count        int64     `json:"count"`
	TotalMinutes float64   `json:"total_minutes"`
	Recent       []float64 `json:"recent,omitempty"`
}

// Store is the feedback store.
type Store struct {
	db      *badger.DB
	log     *slog.Logger
	metrics *observability.PipelineMetrics
	now     func() time.Time

	mu    sync.RWMutex
	rates map[string]sourceTally

	stop      chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// Open opens the on-disk store at cfg.Dir, creating it when absent.
//
// # Outputs
//
//   - *Store: ready for concurrent use; success rates recorded by
//     earlier runs are already loaded
//   - error: Config for an unusable directory, Internal for a store
//     that does not open
func Open(cfg config.FeedbackConfig, log *slog.Logger, metrics *observability.PipelineMetrics) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "./data/feedback"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "feedback directory is not writable", err)
	}

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	return open(opts, log, metrics, true)
}

// OpenInMemory opens a store that lives and dies with the process.
func OpenInMemory(log *slog.Logger, metrics *observability.PipelineMetrics) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	return open(opts, log, metrics, false)
}

func open(opts badger.Options, log *slog.Logger, metrics *observability.PipelineMetrics, runGC bool) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "feedback store does not open", err)
	}

	s := &Store{
		db:      db,
		log:     log.With("component", "feedback"),
		metrics: metrics,
		now:     time.Now,
		rates:   make(map[string]sourceTally),
		stop:    make(chan struct{}),
		gcDone:  make(chan struct{}),
	}
	if err := s.loadRates(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if runGC {
		go s.gcLoop()
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// loadRates scans the source tallies into the in-memory rate map, so a
// restart does not forget what feedback already established.
func (s *Store) loadRates() error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(srcPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			source := string(item.Key()[len(srcPrefix):])
			var tally sourceTally
			if err := item.Value(func(val []byte) error {
				return decode(val, &tally)
			}); err != nil {
				return err
			}
			s.rates[source] = tally
		}
		return nil
	})
	if err != nil {
		return pperr.Wrap(pperr.CodeInternal, "feedback tallies do not load", err)
	}
	return nil
}

// Record stores one resolution report.
//
// # Description
//
// The write is idempotent per (incident id, runbook used): a repeat
// inside the dedupe window returns the original receipt and moves no
// counter. A fresh write appends the resolution time to the runbook's
// history, computes the analysis against the history as it stood
// before this report, bumps the owning source's tally when a source is
// named, and persists everything in one transaction.
//
// # Inputs
//
//   - ctx: checked before the transaction; Badger writes are local and
//     fast enough not to warrant mid-write cancellation
//   - e: the report; IncidentID is required
//
// # Outputs
//
//   - *Receipt: feedback id, storage time, analysis
//   - error: ValidationError for an empty incident id, Internal for
//     storage failures
func (s *Store) Record(ctx context.Context, e Entry) (*Receipt, error) {
	if e.IncidentID == "" {
		return nil, pperr.New(pperr.CodeValidation, "incident_id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, pperr.Wrap(pperr.CodeTimeout, "feedback write abandoned, deadline reached", err)
	}

	key := recKey(e.IncidentID, e.RunbookUsed)
	var (
		receipt  Receipt
		newTally sourceTally
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		if prev, ok, err := getRecord(txn, key); err != nil {
			return err
		} else if ok && s.now().Sub(prev.StoredAt) < dedupeWindow {
			receipt = Receipt{
				FeedbackID:   prev.ID,
				StoredAt:     prev.StoredAt,
				Analysis:     prev.Analysis,
				Deduplicated: true,
			}
			return nil
		}

		analysis := Analysis{}

		if e.RunbookUsed != "" {
			tally, err := getRunbookTally(txn, e.RunbookUsed)
			if err != nil {
				return err
			}
			analysis.SampleSize = len(tally.Recent)
			if tally.Count > 0 {
				analysis.RunbookAvgMinutes = round1(tally.TotalMinutes / float64(tally.Count))
			}
			if len(tally.Recent) > 0 {
				beaten := 0
				for _, past := range tally.Recent {
					if e.ResolutionMinutes < past {
						beaten++
					}
				}
				analysis.FasterThanPercent = round1(100 * float64(beaten) / float64(len(tally.Recent)))
			}

			tally.Count++
			tally.TotalMinutes += e.ResolutionMinutes
			tally.Recent = append(tally.Recent, e.ResolutionMinutes)
			if len(tally.Recent) > recentTimesCap {
				tally.Recent = tally.Recent[len(tally.Recent)-recentTimesCap:]
			}
			if err := setJSON(txn, rbKey(e.RunbookUsed), tally); err != nil {
				return err
			}
		}

		if e.SourceName != "" {
			tally, err := getSourceTally(txn, e.SourceName)
			if err != nil {
				return err
			}
			before := rateOf(tally)
			if e.WasSuccessful {
				tally.Success++
			} else {
				tally.Failure++
			}
			after := rateOf(tally)
			analysis.SourceSuccessRate = round4(after)
			analysis.SuccessRateDelta = round4(after - before)
			if err := setJSON(txn, srcKey(e.SourceName), tally); err != nil {
				return err
			}
			newTally = tally
		}

		rec := Record{
			ID:                uuid.NewString(),
			IncidentID:        e.IncidentID,
			RunbookUsed:       e.RunbookUsed,
			SourceName:        e.SourceName,
			ResolutionMinutes: e.ResolutionMinutes,
			WasSuccessful:     e.WasSuccessful,
			Feedback:          e.Feedback,
			RootCause:         e.RootCause,
			ResolutionSummary: e.ResolutionSummary,
			StoredAt:          s.now().UTC(),
			Analysis:          analysis,
		}
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}
		receipt = Receipt{FeedbackID: rec.ID, StoredAt: rec.StoredAt, Analysis: analysis}
		return nil
	})
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeInternal, "feedback write failed", err)
	}

	if !receipt.Deduplicated {
		if e.SourceName != "" {
			s.mu.Lock()
			s.rates[e.SourceName] = newTally
			s.mu.Unlock()
		}
		if s.metrics != nil {
			s.metrics.RecordFeedback(e.WasSuccessful)
		}
		s.log.Info("resolution feedback stored",
			"incident_id", e.IncidentID,
			"runbook", e.RunbookUsed,
			"source", e.SourceName,
			"successful", e.WasSuccessful)
	}
	return &receipt, nil
}

// SuccessRate reports a source's feedback-derived success rate. ok is
// false for sources nothing was ever recorded against.
func (s *Store) SuccessRate(source string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tally, ok := s.rates[source]
	if !ok || tally.Success+tally.Failure == 0 {
		return 0, false
	}
	return rateOf(tally), true
}

// SourceStats snapshots every source's tally for listings.
func (s *Store) SourceStats() map[string]SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SourceStats, len(s.rates))
	for source, tally := range s.rates {
		out[source] = SourceStats{
			Success: tally.Success,
			Failure: tally.Failure,
			Rate:    rateOf(tally),
		}
	}
	return out
}

// Close stops background work and closes the store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}

// gcLoop runs periodic value-log garbage collection. ErrNoRewrite just
// means there was nothing worth collecting.
func (s *Store) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("feedback store gc pass failed", "error", err)
					}
					break
				}
			}
		case <-s.stop:
			return
		}
	}
}

// =============================================================================
// Keys and codecs
// =============================================================================

func recKey(incidentID, runbookUsed string) []byte {
	// NUL separates the parts; neither may contain it after validation.
	return []byte(recPrefix + incidentID + "\x00" + runbookUsed)
}

func srcKey(source string) []byte { return []byte(srcPrefix + source) }
func rbKey(runbook string) []byte { return []byte(rbPrefix + runbook) }

func getRecord(txn *badger.Txn, key []byte) (Record, bool, error) {
	var rec Record
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error { return decode(val, &rec) })
	return rec, err == nil, err
}

func getSourceTally(txn *badger.Txn, source string) (sourceTally, error) {
	var tally sourceTally
	err := getJSON(txn, srcKey(source), &tally)
	return tally, err
}

func getRunbookTally(txn *badger.Txn, runbook string) (runbookTally, error) {
	var tally runbookTally
	err := getJSON(txn, rbKey(runbook), &tally)
	return tally, err
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return decode(val, out) })
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	payload, err := encode(v)
	if err != nil {
		return err
	}
	return txn.Set(key, payload)
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(val []byte, out any) error { return json.Unmarshal(val, out) }

func rateOf(t sourceTally) float64 {
	total := t.Success + t.Failure
	if total == 0 {
		return 0
	}
	return float64(t.Success) / float64(total)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
