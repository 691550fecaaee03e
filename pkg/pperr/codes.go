// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pperr defines the typed error model used across Personal Pipeline.
//
// Every error that crosses a component boundary is mapped onto one of the
// codes below. Backend-specific failures (pg errors, redis errors, HTTP
// status codes) are classified at the adapter boundary and never travel
// further than the adapter's log line.
//
// # Error Shape
//
// User-visible errors carry a code, a message, a correlation id, and an
// optional remediation suggestion. Messages must never contain credential
// material or internal filesystem paths; use Scrub before attaching
// backend detail to a message.
//
// # Retry Semantics
//
// Only Unavailable is retryable. AuthError, ValidationError, NotFound and
// CircuitOpen are terminal for the current call: retrying them burns the
// caller's deadline without changing the outcome.
package pperr

import "net/http"

// Code classifies a failure for callers and for the HTTP boundary.
type Code string

const (
	CodeConfig      Code = "ConfigError"
	CodeAuth        Code = "AuthError"
	CodeNotFound    Code = "NotFound"
	CodeValidation  Code = "ValidationError"
	CodeUnavailable Code = "Unavailable"
	CodeTimeout     Code = "Timeout"
	CodeCircuitOpen Code = "CircuitOpen"
	CodeRateLimited Code = "RateLimited"
	CodeOverloaded  Code = "Overloaded"
	CodeInternal    Code = "Internal"
)

// String returns the code's wire name.
func (c Code) String() string {
	return string(c)
}

// Valid reports whether c is one of the defined codes.
func (c Code) Valid() bool {
	switch c {
	case CodeConfig, CodeAuth, CodeNotFound, CodeValidation, CodeUnavailable,
		CodeTimeout, CodeCircuitOpen, CodeRateLimited, CodeOverloaded, CodeInternal:
		return true
	default:
		return false
	}
}

// Retryable reports whether an operation failing with this code may be
// retried by the adapter retry loop. Only transient source/network
// unavailability qualifies.
func (c Code) Retryable() bool {
	return c == CodeUnavailable
}

// HTTPStatus maps a code to the status the transport layer serves.
//
// # Description
//
// ValidationError and ConfigError are caller mistakes (400). CircuitOpen,
// Unavailable and Overloaded all surface as 503 because the remedy is the
// same: back off and retry later. Timeout is 504 so that load balancers can
// distinguish a slow upstream from a refused one.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeConfig:
		return http.StatusBadRequest
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeCircuitOpen, CodeOverloaded:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
