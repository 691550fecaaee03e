// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wiki

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// apiClient speaks the Confluence-compatible REST dialect: JSON
// responses, start/limit pagination, Retry-After on 429.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state beyond the
// http.Client.
type apiClient struct {
	httpc *http.Client
	base  string
	auth  *config.AuthConfig
	log   *slog.Logger
}

func newAPIClient(baseURL string, auth *config.AuthConfig, log *slog.Logger) *apiClient {
	return &apiClient{
		httpc: &http.Client{Timeout: 30 * time.Second},
		base:  strings.TrimRight(baseURL, "/"),
		auth:  auth,
		log:   log,
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return pperr.Wrap(pperr.CodeInternal, "wiki response does not decode", err)
	}
	return nil
}

// get performs the request and classifies the outcome. A 429 whose
// Retry-After fits inside the deadline is waited out once; a wait the
// deadline cannot absorb surfaces as RateLimited immediately.
func (c *apiClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	retried := false
	for {
		body, retryIn, err := c.do(ctx, path, query)
		if err == nil {
			return body, nil
		}
		if retryIn > 0 && !retried && adapters.DeadlineAllows(ctx, retryIn) {
			retried = true
			select {
			case <-ctx.Done():
				return nil, pperr.Wrap(pperr.CodeTimeout, "rate wait abandoned, deadline reached", ctx.Err())
			case <-time.After(retryIn):
				continue
			}
		}
		return nil, err
	}
}

func (c *apiClient) do(ctx context.Context, path string, query url.Values) ([]byte, time.Duration, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeInternal, "request build failed", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := adapters.Authorize(req, c.auth); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, pperr.Wrap(pperr.CodeTimeout, "wiki request abandoned, deadline reached", ctx.Err())
		}
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "wiki unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, adapters.MaxResponseBytes))
	if err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "wiki response truncated", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, 0, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, pperr.Newf(pperr.CodeAuth, "wiki rejected credentials for %s", path).
			WithSuggestion("check the credentials referenced by the source's auth block")
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, pperr.Newf(pperr.CodeNotFound, "%s does not exist on the wiki", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := adapters.RetryAfterHeader(resp)
		err := pperr.Newf(pperr.CodeRateLimited, "wiki rate limit hit on %s", path)
		if wait > 0 {
			err = err.WithSuggestion("the wiki asked for a " + wait.Round(time.Second).String() + " pause")
		}
		return nil, wait, err
	case resp.StatusCode >= 500:
		return nil, 0, pperr.Newf(pperr.CodeUnavailable, "wiki returned %d for %s", resp.StatusCode, path)
	default:
		return nil, 0, pperr.Newf(pperr.CodeInternal, "wiki returned unexpected %d for %s", resp.StatusCode, path)
	}
}

// probe checks reachability with the cheapest authenticated listing.
// Wikis without a /space endpoint answer 404, which still proves the
// service is up.
func (c *apiClient) probe(ctx context.Context) error {
	_, _, err := c.do(ctx, "/space", url.Values{"limit": {"1"}})
	if pperr.Is(err, pperr.CodeNotFound) {
		return nil
	}
	return err
}
