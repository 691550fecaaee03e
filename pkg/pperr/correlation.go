// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pperr

import (
	"context"

	"github.com/google/uuid"
)

// correlationKey is a private context key type to avoid collisions.
type correlationKey struct{}

// NewCorrelationID mints a fresh correlation id. Minted once per request at
// the transport boundary and propagated via context from there.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id carried by ctx, or "" when
// the context was never tagged (background jobs, tests).
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// Correlate stamps err with the context's correlation id if it does not
// already carry one. Call at the tool boundary, right before the error
// leaves the process.
func Correlate(ctx context.Context, err *Error) *Error {
	if err == nil {
		return nil
	}
	if err.CorrelationID != "" {
		return err
	}
	id := CorrelationIDFrom(ctx)
	if id == "" {
		id = NewCorrelationID()
	}
	return err.WithCorrelation(id)
}
