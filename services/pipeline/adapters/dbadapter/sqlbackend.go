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
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// sqlBackend serves mapped tables over a bounded database/sql pool.
// Every statement is parameterized; identifiers from configuration pass
// through pgx's sanitizer before they touch SQL text.
type sqlBackend struct {
	db       *sqlx.DB
	dsn      string
	maxConns int
}

func newSQLBackend(dsn string, s config.DatabaseSettings) *sqlBackend {
	return &sqlBackend{dsn: dsn, maxConns: s.MaxConns}
}

func (b *sqlBackend) connect(ctx context.Context) error {
	if b.db == nil {
		db, err := sqlx.Open("pgx", b.dsn)
		if err != nil {
			return pperr.Wrap(pperr.CodeConfig, "database DSN rejected", err)
		}
		db.SetMaxOpenConns(b.maxConns)
		db.SetMaxIdleConns(b.maxConns)
		b.db = db
		// The pool holds what it needs; drop our copy.
		b.dsn = ""
	}
	if err := b.db.PingContext(ctx); err != nil {
		return classifySQL(err, "database unreachable")
	}
	return nil
}

func (b *sqlBackend) ping(ctx context.Context) error {
	if b.db == nil {
		return pperr.New(pperr.CodeUnavailable, "database pool not opened")
	}
	if err := b.db.PingContext(ctx); err != nil {
		return classifySQL(err, "database unreachable")
	}
	return nil
}

// acquire checks a connection out of the pool under the caller's
// deadline. Exhaustion past that deadline is an availability condition,
// not a query timeout.
func (b *sqlBackend) acquire(ctx context.Context) (*sqlx.Conn, error) {
	if b.db == nil {
		return nil, pperr.New(pperr.CodeUnavailable, "database pool not opened")
	}
	conn, err := b.db.Connx(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, pperr.Wrap(pperr.CodeUnavailable, "connection pool exhausted before the deadline", err)
		}
		return nil, classifySQL(err, "connection acquisition failed")
	}
	return conn, nil
}

func (b *sqlBackend) search(ctx context.Context, tm config.TableMapping, qTokens []string, limit int) ([]*row, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	title := quoteIdent(tm.TitleField)
	content := quoteIdent(tm.ContentField)
	preds := make([]string, 0, len(qTokens))
	args := make([]any, 0, len(qTokens)+1)
	for i, tok := range qTokens {
		ph := fmt.Sprintf("$%d", i+1)
		preds = append(preds, fmt.Sprintf("(%s ILIKE %s OR %s ILIKE %s)", title, ph, content, ph))
		// Tokens are alphanumeric by construction, so no LIKE escaping.
		args = append(args, "%"+tok+"%")
	}
	args = append(args, limit)

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT $%d",
		selectList(tm), quoteIdent(tm.Name), strings.Join(preds, " OR "), len(qTokens)+1)

	var recs []sqlRecord
	if err := conn.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, classifySQL(err, "table query failed")
	}
	return records(recs), nil
}

func (b *sqlBackend) get(ctx context.Context, tm config.TableMapping, id string) (*row, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := fmt.Sprintf("SELECT %s FROM %s WHERE cast(%s as text) = $1 LIMIT 1",
		selectList(tm), quoteIdent(tm.Name), quoteIdent(tm.IDField))

	var rec sqlRecord
	if err := conn.GetContext(ctx, &rec, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pperr.Newf(pperr.CodeNotFound, "document %q not found", tm.Name+":"+id)
		}
		return nil, classifySQL(err, "row lookup failed")
	}
	return rec.row(), nil
}

func (b *sqlBackend) runbookRows(ctx context.Context, tm config.TableMapping) ([]*row, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var (
		q    string
		args []any
	)
	if tm.CategoryField != "" {
		q = fmt.Sprintf("SELECT %s FROM %s WHERE cast(%s as text) IN ($1, $2) LIMIT $3",
			selectList(tm), quoteIdent(tm.Name), quoteIdent(tm.CategoryField))
		args = []any{"runbook", "runbooks", maxRunbookRows}
	} else {
		q = fmt.Sprintf("SELECT %s FROM %s LIMIT $1", selectList(tm), quoteIdent(tm.Name))
		args = []any{maxRunbookRows}
	}

	var recs []sqlRecord
	if err := conn.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, classifySQL(err, "runbook scan failed")
	}
	return records(recs), nil
}

func (b *sqlBackend) count(ctx context.Context, tm config.TableMapping) (int, error) {
	conn, err := b.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int
	q := fmt.Sprintf("SELECT count(*) FROM %s", quoteIdent(tm.Name))
	if err := conn.GetContext(ctx, &n, q); err != nil {
		return 0, classifySQL(err, "table count failed")
	}
	return n, nil
}

// probeSchema compares the mapping against information_schema and warns
// on mismatches. Probing never fails the adapter; a wrong mapping shows
// up as empty query results, and the warning points at why.
func (b *sqlBackend) probeSchema(ctx context.Context, tm config.TableMapping) error {
	conn, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	base := tm.Name
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	var cols []string
	err = conn.SelectContext(ctx, &cols,
		"SELECT column_name FROM information_schema.columns WHERE table_name = $1", base)
	if err != nil {
		return classifySQL(err, "schema probe failed")
	}
	if len(cols) == 0 {
		slog.Warn("table not visible in information_schema", "table", tm.Name)
		return nil
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, col := range mappedColumns(tm) {
		if !have[col] {
			slog.Warn("mapped column missing from table", "table", tm.Name, "column", col)
		}
	}
	return nil
}

func (b *sqlBackend) close(context.Context) error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// =============================================================================
// SQL construction
// =============================================================================

// quoteIdent sanitizes a configured identifier, keeping schema
// qualification intact.
func quoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// selectList projects a mapping onto fixed doc_* aliases so one scan
// struct serves every table shape. Unmapped columns select as null.
func selectList(tm config.TableMapping) string {
	parts := []string{
		fmt.Sprintf("cast(%s as text) as doc_id", quoteIdent(tm.IDField)),
		fmt.Sprintf("%s as doc_title", quoteIdent(tm.TitleField)),
		fmt.Sprintf("%s as doc_content", quoteIdent(tm.ContentField)),
	}
	if tm.CategoryField != "" {
		parts = append(parts, fmt.Sprintf("cast(%s as text) as doc_category", quoteIdent(tm.CategoryField)))
	} else {
		parts = append(parts, "cast(null as text) as doc_category")
	}
	if tm.UpdatedField != "" {
		parts = append(parts, fmt.Sprintf("%s as doc_updated", quoteIdent(tm.UpdatedField)))
	} else {
		parts = append(parts, "cast(null as timestamptz) as doc_updated")
	}
	if tm.AuthorField != "" {
		parts = append(parts, fmt.Sprintf("cast(%s as text) as doc_author", quoteIdent(tm.AuthorField)))
	} else {
		parts = append(parts, "cast(null as text) as doc_author")
	}
	return strings.Join(parts, ", ")
}

func mappedColumns(tm config.TableMapping) []string {
	cols := []string{tm.IDField, tm.TitleField, tm.ContentField}
	for _, c := range []string{tm.CategoryField, tm.UpdatedField, tm.AuthorField} {
		if c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

type sqlRecord struct {
	ID       string         `db:"doc_id"`
	Title    sql.NullString `db:"doc_title"`
	Content  sql.NullString `db:"doc_content"`
	Category sql.NullString `db:"doc_category"`
	Updated  sql.NullTime   `db:"doc_updated"`
	Author   sql.NullString `db:"doc_author"`
}

func (r *sqlRecord) row() *row {
	out := &row{
		ID:       r.ID,
		Title:    r.Title.String,
		Content:  r.Content.String,
		Category: r.Category.String,
		Author:   r.Author.String,
	}
	if r.Updated.Valid {
		out.Updated = r.Updated.Time
	}
	return out
}

func records(recs []sqlRecord) []*row {
	rows := make([]*row, 0, len(recs))
	for i := range recs {
		rows = append(rows, recs[i].row())
	}
	return rows
}

// classifySQL maps driver errors onto pipeline codes using the SQLSTATE
// class when the server supplied one.
func classifySQL(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return pperr.Wrap(pperr.CodeAuth, msg, err)
		case pgErr.Code == "57014":
			return pperr.Wrap(pperr.CodeTimeout, msg, err)
		case strings.HasPrefix(pgErr.Code, "53"):
			return pperr.Wrap(pperr.CodeOverloaded, msg, err)
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "3D"):
			return pperr.Wrap(pperr.CodeConfig, msg, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pperr.Wrap(pperr.CodeTimeout, msg, err)
	}
	return pperr.Wrap(pperr.CodeUnavailable, msg, err)
}
