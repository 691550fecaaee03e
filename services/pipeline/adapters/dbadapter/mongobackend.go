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
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// mongoBackend serves mapped collections through the official driver's
// internal pool, capped at the configured connection count.
type mongoBackend struct {
	client   *mongo.Client
	dsn      string
	database string
	maxConns int
}

func newMongoBackend(dsn string, s config.DatabaseSettings) (*mongoBackend, error) {
	if s.Database == "" {
		return nil, pperr.New(pperr.CodeConfig, "mongodb sources must set settings.database")
	}
	return &mongoBackend{dsn: dsn, database: s.Database, maxConns: s.MaxConns}, nil
}

func (b *mongoBackend) connect(ctx context.Context) error {
	if b.client == nil {
		opts := options.Client().ApplyURI(b.dsn).SetMaxPoolSize(uint64(b.maxConns))
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return pperr.Wrap(pperr.CodeConfig, "mongodb DSN rejected", err)
		}
		b.client = client
		// The client holds what it needs; drop our copy.
		b.dsn = ""
	}
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return classifyMongo(err, "mongodb unreachable")
	}
	return nil
}

func (b *mongoBackend) ping(ctx context.Context) error {
	if b.client == nil {
		return pperr.New(pperr.CodeUnavailable, "mongodb client not connected")
	}
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return classifyMongo(err, "mongodb unreachable")
	}
	return nil
}

func (b *mongoBackend) coll(tm config.TableMapping) *mongo.Collection {
	return b.client.Database(b.database).Collection(tm.Name)
}

func (b *mongoBackend) search(ctx context.Context, tm config.TableMapping, qTokens []string, limit int) ([]*row, error) {
	ors := make([]bson.M, 0, len(qTokens)*2)
	for _, tok := range qTokens {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(tok), Options: "i"}
		ors = append(ors, bson.M{tm.TitleField: re}, bson.M{tm.ContentField: re})
	}

	cur, err := b.coll(tm).Find(ctx, bson.M{"$or": ors}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, classifyMongo(err, "collection query failed")
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err, "collection read failed")
	}

	rows := make([]*row, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, mongoRow(tm, d))
	}
	return rows, nil
}

func (b *mongoBackend) get(ctx context.Context, tm config.TableMapping, id string) (*row, error) {
	filter := bson.M{tm.IDField: id}
	if tm.IDField == "_id" {
		// Hex ids upgrade to ObjectID; anything else stays a string key.
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			filter = bson.M{"_id": oid}
		}
	}

	var doc bson.M
	if err := b.coll(tm).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pperr.Newf(pperr.CodeNotFound, "document %q not found", tm.Name+":"+id)
		}
		return nil, classifyMongo(err, "document lookup failed")
	}
	return mongoRow(tm, doc), nil
}

func (b *mongoBackend) runbookRows(ctx context.Context, tm config.TableMapping) ([]*row, error) {
	filter := bson.M{}
	if tm.CategoryField != "" {
		filter = bson.M{tm.CategoryField: bson.M{"$in": []string{"runbook", "runbooks"}}}
	}

	cur, err := b.coll(tm).Find(ctx, filter, options.Find().SetLimit(maxRunbookRows))
	if err != nil {
		return nil, classifyMongo(err, "runbook scan failed")
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo(err, "runbook read failed")
	}

	rows := make([]*row, 0, len(docs))
	for _, d := range docs {
		rows = append(rows, mongoRow(tm, d))
	}
	return rows, nil
}

func (b *mongoBackend) count(ctx context.Context, tm config.TableMapping) (int, error) {
	n, err := b.coll(tm).EstimatedDocumentCount(ctx)
	if err != nil {
		return 0, classifyMongo(err, "collection count failed")
	}
	return int(n), nil
}

func (b *mongoBackend) probeSchema(ctx context.Context, tm config.TableMapping) error {
	var sample bson.M
	err := b.coll(tm).FindOne(ctx, bson.M{}).Decode(&sample)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			slog.Warn("collection is empty", "collection", tm.Name)
			return nil
		}
		return classifyMongo(err, "schema probe failed")
	}
	for _, f := range mappedColumns(tm) {
		if _, ok := sample[f]; !ok {
			slog.Warn("mapped field missing from sampled document", "collection", tm.Name, "field", f)
		}
	}
	return nil
}

func (b *mongoBackend) close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Disconnect(ctx)
}

// =============================================================================
// BSON flattening
// =============================================================================

// mongoRow flattens one decoded document. Missing or differently-typed
// fields become zero values rather than errors; operational collections
// are rarely uniform.
func mongoRow(tm config.TableMapping, doc bson.M) *row {
	r := &row{
		ID:      mongoString(doc[tm.IDField]),
		Title:   mongoString(doc[tm.TitleField]),
		Content: mongoString(doc[tm.ContentField]),
	}
	if tm.CategoryField != "" {
		r.Category = mongoString(doc[tm.CategoryField])
	}
	if tm.AuthorField != "" {
		r.Author = mongoString(doc[tm.AuthorField])
	}
	if tm.UpdatedField != "" {
		r.Updated = mongoTime(doc[tm.UpdatedField])
	}
	return r
}

func mongoString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case primitive.ObjectID:
		return t.Hex()
	default:
		return fmt.Sprint(t)
	}
}

func mongoTime(v any) time.Time {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time()
	case time.Time:
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func classifyMongo(err error, msg string) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 18 {
		return pperr.Wrap(pperr.CodeAuth, msg, err)
	}
	if mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return pperr.Wrap(pperr.CodeTimeout, msg, err)
	}
	return pperr.Wrap(pperr.CodeUnavailable, msg, err)
}
