// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// docsSelect is the projection the backend builds for the runbook_docs
// mapping used throughout these tests.
const docsSelect = `cast("id" as text) as doc_id, "title" as doc_title, "body" as doc_content, ` +
	`cast(null as text) as doc_category, "updated_at" as doc_updated, cast("author" as text) as doc_author`

const diskRunbookJSON = `{
  "id": "rb-disk-db",
  "title": "Disk Full Mitigation",
  "triggers": ["disk_full", "disk_usage_high"],
  "severity_mapping": {"critical": "page_oncall"},
  "procedures": [
    {"id": "p1", "name": "Rotate logs", "description": "logrotate --force"}
  ]
}`

var docsUpdated = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

func settingsNode(t *testing.T, v any) yaml.Node {
	t.Helper()
	raw, err := yaml.Marshal(v)
	require.NoError(t, err)
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	return *doc.Content[0]
}

func docsSettings() map[string]any {
	return map[string]any{
		"driver":  "postgres",
		"dsn_env": "PP_TEST_DSN",
		"tables": []map[string]any{{
			"name":          "runbook_docs",
			"title_field":   "title",
			"content_field": "body",
			"category":      "runbook",
			"updated_field": "updated_at",
			"author_field":  "author",
		}},
	}
}

func dbCfg(t *testing.T, settings map[string]any) config.SourceConfig {
	t.Helper()
	return config.SourceConfig{
		Name:     "ops-db",
		Kind:     Kind,
		Enabled:  true,
		Priority: 3,
		Timeout:  config.Duration(5 * time.Second),
		Settings: settingsNode(t, settings),
	}
}

// newMockAdapter builds the adapter and swaps a sqlmock-backed pool in
// for the real backend.
func newMockAdapter(t *testing.T, settings map[string]any, monitorPings bool) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()

	var (
		db   *sql.DB
		mock sqlmock.Sqlmock
		err  error
	)
	if monitorPings {
		db, mock, err = sqlmock.New(sqlmock.MonitorPingsOption(true))
	} else {
		db, mock, err = sqlmock.New()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := New(dbCfg(t, settings), adapters.Deps{
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	})
	require.NoError(t, err)

	ad := a.(*Adapter)
	ad.backend = &sqlBackend{db: sqlx.NewDb(db, "pgx"), maxConns: 4}
	return ad, mock
}

func docsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"doc_id", "doc_title", "doc_content", "doc_category", "doc_updated", "doc_author",
	})
}

// =============================================================================
// Search
// =============================================================================

func TestSearchBuildsParameterizedQuery(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	wantSQL := `SELECT ` + docsSelect + ` FROM "runbook_docs" ` +
		`WHERE ("title" ILIKE $1 OR "body" ILIKE $1) OR ("title" ILIKE $2 OR "body" ILIKE $2) LIMIT $3`
	mock.ExpectQuery(regexp.QuoteMeta(wantSQL)).
		WithArgs("%disk%", "%full%", 20).
		WillReturnRows(docsRows().
			AddRow("7", "Disk Full Runbook", diskRunbookJSON, nil, docsUpdated, "sre-team"))

	docs, err := ad.Search(context.Background(), "disk full", &datatypes.SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "runbook_docs:7", doc.ID)
	assert.Equal(t, "Disk Full Runbook", doc.Title)
	assert.Equal(t, datatypes.CategoryRunbook, doc.Category, "fixed mapping category applies")
	assert.Empty(t, doc.Content, "search results carry excerpts, not bodies")
	assert.NotEmpty(t, doc.Excerpt)
	assert.Equal(t, "ops-db", doc.SourceName)
	assert.Equal(t, datatypes.KindDatabase, doc.SourceKind)
	assert.Equal(t, "runbook_docs", doc.Metadata["table"])
	assert.Equal(t, "sre-team", doc.Metadata["author"])
	assert.True(t, doc.LastUpdated.Equal(docsUpdated))
	assert.Greater(t, doc.Confidence, 0.0)
	assert.NotEmpty(t, doc.MatchReasons)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchScoresAndOrders(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+docsSelect)).
		WithArgs("%disk%", 20).
		WillReturnRows(docsRows().
			AddRow("1", "Archive Notes", "the disk filled overnight", nil, docsUpdated, nil).
			AddRow("2", "Disk Usage Guide", "cleanup steps for data volumes", nil, docsUpdated, nil))

	docs, err := ad.Search(context.Background(), "disk", &datatypes.SearchFilters{Limit: 5})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "runbook_docs:2", docs[0].ID, "title hits outrank content hits")
	assert.Equal(t, "runbook_docs:1", docs[1].ID)
	assert.Greater(t, docs[0].Confidence, docs[1].Confidence)
}

func TestSearchSkipsSubstringOnlyMatches(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	// ILIKE '%disk%' matches "diskette", but the token scorer does not.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+docsSelect)).
		WithArgs("%disk%", 20).
		WillReturnRows(docsRows().
			AddRow("3", "Storage Closet", "diskette archive notes", nil, docsUpdated, nil))

	docs, err := ad.Search(context.Background(), "disk", &datatypes.SearchFilters{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchSkipsTablesOutsideCategoryFilter(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	// The sole mapping is fixed to runbook, so a guide-only search never
	// reaches SQL.
	docs, err := ad.Search(context.Background(), "disk full", &datatypes.SearchFilters{
		Limit:      5,
		Categories: []datatypes.Category{datatypes.CategoryGuide},
	})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Get
// =============================================================================

func TestGetParsesCompositeID(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	wantSQL := `SELECT ` + docsSelect + ` FROM "runbook_docs" WHERE cast("id" as text) = $1 LIMIT 1`
	mock.ExpectQuery(regexp.QuoteMeta(wantSQL)).
		WithArgs("7").
		WillReturnRows(docsRows().
			AddRow("7", "Disk Full Runbook", diskRunbookJSON, nil, docsUpdated, "sre-team"))

	doc, err := ad.Get(context.Background(), "runbook_docs:7")
	require.NoError(t, err)
	assert.Equal(t, "runbook_docs:7", doc.ID)
	assert.Equal(t, diskRunbookJSON, doc.Content, "direct lookups carry the full body")
	assert.True(t, doc.LastUpdated.Equal(docsUpdated))
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = ad.Get(context.Background(), "no-colon")
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))

	_, err = ad.Get(context.Background(), "other_table:9")
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))
}

func TestGetMissingRowIsNotFound(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + docsSelect)).
		WithArgs("404").
		WillReturnError(sql.ErrNoRows)

	_, err := ad.Get(context.Background(), "runbook_docs:404")
	require.Error(t, err)
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))
}

// =============================================================================
// Runbooks
// =============================================================================

func TestSearchRunbooksParsesRows(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), false)

	wantSQL := `SELECT ` + docsSelect + ` FROM "runbook_docs" LIMIT $1`
	mock.ExpectQuery(regexp.QuoteMeta(wantSQL)).
		WithArgs(maxRunbookRows).
		WillReturnRows(docsRows().
			AddRow("7", "Disk Full Runbook", diskRunbookJSON, nil, docsUpdated, nil).
			AddRow("8", "Free Text Notes", "not a structured runbook", nil, docsUpdated, nil))

	matches, err := ad.SearchRunbooks(context.Background(), "disk_full", datatypes.SeverityCritical, nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1, "unparsable rows are skipped, not fatal")
	assert.Equal(t, "rb-disk-db", matches[0].Runbook.ID)
	assert.InDelta(t, 0.98, matches[0].Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRunbooksFiltersByCategoryColumn(t *testing.T) {
	ad, mock := newMockAdapter(t, map[string]any{
		"driver":  "postgres",
		"dsn_env": "PP_TEST_DSN",
		"tables": []map[string]any{{
			"name":           "kb_articles",
			"title_field":    "title",
			"content_field":  "content",
			"category_field": "doc_type",
		}},
	}, false)

	kbSelect := `cast("id" as text) as doc_id, "title" as doc_title, "content" as doc_content, ` +
		`cast("doc_type" as text) as doc_category, cast(null as timestamptz) as doc_updated, cast(null as text) as doc_author`
	wantSQL := `SELECT ` + kbSelect + ` FROM "kb_articles" WHERE cast("doc_type" as text) IN ($1, $2) LIMIT $3`
	mock.ExpectQuery(regexp.QuoteMeta(wantSQL)).
		WithArgs("runbook", "runbooks", maxRunbookRows).
		WillReturnRows(sqlmock.NewRows([]string{
			"doc_id", "doc_title", "doc_content", "doc_category", "doc_updated", "doc_author",
		}).AddRow("42", "Disk Full Runbook", diskRunbookJSON, "runbook", nil, nil))

	matches, err := ad.SearchRunbooks(context.Background(), "disk_full", datatypes.SeverityCritical, nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "rb-disk-db", matches[0].Runbook.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Initialize and health
// =============================================================================

func TestInitializeCountsAndProbes(t *testing.T) {
	settings := docsSettings()
	settings["detect_schema"] = true
	ad, mock := newMockAdapter(t, settings, true)

	mock.ExpectPing()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT column_name FROM information_schema.columns WHERE table_name = $1`)).
		WithArgs("runbook_docs").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("title").AddRow("body").AddRow("updated_at"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "runbook_docs"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	require.NoError(t, ad.Initialize(context.Background()))
	assert.Equal(t, 12, ad.Metadata(context.Background()).DocumentCount)
	assert.False(t, ad.Degraded())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTransientFailureDegrades(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), true)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	require.NoError(t, ad.Initialize(context.Background()),
		"an unreachable database degrades instead of failing startup")
	assert.True(t, ad.Degraded())
	assert.Equal(t, 0, ad.Metadata(context.Background()).DocumentCount)
}

func TestHealthCheckPingsBackend(t *testing.T) {
	ad, mock := newMockAdapter(t, docsSettings(), true)

	mock.ExpectPing()
	hc := ad.HealthCheck(context.Background())
	assert.True(t, hc.Healthy)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	hc = ad.HealthCheck(context.Background())
	assert.False(t, hc.Healthy)
	assert.NotEmpty(t, hc.ErrorMessage)
}

func TestDSNEnvMissingIsConfigError(t *testing.T) {
	settings := docsSettings()
	settings["dsn_env"] = "PP_TEST_DSN_THAT_IS_NOT_SET"
	a, err := New(dbCfg(t, settings), adapters.Deps{
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	})
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pperr.CodeConfig, pperr.CodeOf(err))
}

func TestIDFieldDefaultsPerDriver(t *testing.T) {
	a, err := New(dbCfg(t, docsSettings()), adapters.Deps{
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	})
	require.NoError(t, err)
	assert.Equal(t, "id", a.(*Adapter).settings.Tables[0].IDField)

	settings := docsSettings()
	settings["driver"] = "mongodb"
	settings["database"] = "ops"
	a, err = New(dbCfg(t, settings), adapters.Deps{
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	})
	require.NoError(t, err)
	assert.Equal(t, "_id", a.(*Adapter).settings.Tables[0].IDField)
}

// =============================================================================
// Pool behavior
// =============================================================================

func TestPoolExhaustionIsUnavailable(t *testing.T) {
	ad, _ := newMockAdapter(t, docsSettings(), false)

	sb := ad.backend.(*sqlBackend)
	sb.db.SetMaxOpenConns(1)

	held, err := sb.db.Connx(context.Background())
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ad.Search(ctx, "disk full", &datatypes.SearchFilters{Limit: 5})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeUnavailable, pperr.CodeOf(err),
		"waiting out the deadline on the pool is unavailability, not a query timeout")
}

// =============================================================================
// Error classification
// =============================================================================

func TestClassifyPgErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want pperr.Code
	}{
		{"bad password", &pgconn.PgError{Code: "28P01"}, pperr.CodeAuth},
		{"statement canceled", &pgconn.PgError{Code: "57014"}, pperr.CodeTimeout},
		{"too many connections", &pgconn.PgError{Code: "53300"}, pperr.CodeOverloaded},
		{"missing table", &pgconn.PgError{Code: "42P01"}, pperr.CodeConfig},
		{"connection failure", &pgconn.PgError{Code: "08006"}, pperr.CodeUnavailable},
		{"deadline", context.DeadlineExceeded, pperr.CodeTimeout},
		{"opaque", errors.New("boom"), pperr.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pperr.CodeOf(classifySQL(tc.err, "query failed")))
		})
	}
}

// =============================================================================
// Mongo flattening
// =============================================================================

func TestMongoRowFlattening(t *testing.T) {
	tm := config.TableMapping{
		Name:          "articles",
		IDField:       "_id",
		TitleField:    "title",
		ContentField:  "body",
		CategoryField: "kind",
		UpdatedField:  "updated",
		AuthorField:   "author",
	}

	oid := primitive.NewObjectID()
	when := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	r := mongoRow(tm, bson.M{
		"_id":     oid,
		"title":   "Disk Guide",
		"body":    "free space playbook",
		"kind":    "guide",
		"updated": primitive.NewDateTimeFromTime(when),
		"author":  "dba",
	})
	assert.Equal(t, oid.Hex(), r.ID)
	assert.Equal(t, "Disk Guide", r.Title)
	assert.Equal(t, "free space playbook", r.Content)
	assert.Equal(t, "guide", r.Category)
	assert.Equal(t, "dba", r.Author)
	assert.True(t, r.Updated.Equal(when))

	assert.Equal(t, &row{}, mongoRow(tm, bson.M{}),
		"missing fields flatten to zero values")
}

func TestMongoRequiresDatabase(t *testing.T) {
	_, err := newMongoBackend("mongodb://localhost:27017", config.DatabaseSettings{Driver: "mongodb"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeConfig, pperr.CodeOf(err))
}
