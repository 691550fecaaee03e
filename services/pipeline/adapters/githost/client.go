// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package githost

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// Rate headers published by GitHub-compatible hosts.
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// probePath is served without consuming quota on GitHub-style hosts.
// Hosts that do not implement it answer 404, which still proves
// reachability.
const probePath = "/rate_limit"

// quotaWindow is the period the published request quota covers.
const quotaWindow = time.Hour

// apiClient speaks the host's REST API with credential injection, the
// local rate budget, and error classification.
//
// # Thread Safety
//
// Safe for concurrent use. The limiter serializes budget decisions;
// quota observations go through atomics.
type apiClient struct {
	httpc    *http.Client
	base     string
	auth     *config.AuthConfig
	limiter  *rate.Limiter
	minEvery time.Duration
	budget   int
	log      *slog.Logger

	lastQuota atomic.Int64

	// onExhausted fires when the remote reports no remaining quota;
	// onHealthy fires on any successful call with quota to spare.
	onExhausted func(wait time.Duration)
	onHealthy   func()
}

func newAPIClient(s config.GitHostSettings, auth *config.AuthConfig, log *slog.Logger) *apiClient {
	minEvery := s.MinRequestInterval.Std()
	if minEvery <= 0 {
		minEvery = defaultMinInterval
	}
	budget := s.RateBudgetPercent
	if budget <= 0 {
		budget = defaultRateBudget
	}
	return &apiClient{
		httpc:    &http.Client{Timeout: 30 * time.Second},
		base:     strings.TrimRight(s.BaseURL, "/"),
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Every(minEvery), 1),
		minEvery: minEvery,
		budget:   budget,
		log:      log,
	}
}

// getJSON fetches path and decodes the response into out.
func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return pperr.Wrap(pperr.CodeInternal, "host response does not decode", err)
	}
	return nil
}

// get fetches path under the local budget.
//
// # Description
//
// Waits for a budget token, performs the request, and classifies the
// outcome. When the remote answers with a rate limit and names a reset,
// the reset is honored only while the operation deadline has room for
// it, and only once; otherwise the call fails as RateLimited and the
// caller's breaker takes over.
func (c *apiClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	retried := false
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, pperr.Wrap(pperr.CodeRateLimited, "request budget exhausted before the deadline", err)
		}

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
		return nil, 0, pperr.Wrap(pperr.CodeInternal, "failed to build host request", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := adapters.Authorize(req, c.auth); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, pperr.Wrap(pperr.CodeTimeout, "host request deadline exceeded", err)
		}
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "host unreachable", err)
	}
	defer resp.Body.Close()

	c.observeQuota(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, adapters.MaxResponseBytes))
	if err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "host response read failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, 0, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, pperr.New(pperr.CodeAuth, "host rejected the configured credentials").
			WithSuggestion("check the token referenced by the source's auth block")

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && rateLimitedResponse(resp):
		wait := resetWait(resp)
		return nil, wait, pperr.Newf(pperr.CodeRateLimited,
			"remote rate limit hit on %s, resets in %s", path, wait.Round(time.Second))

	case resp.StatusCode == http.StatusForbidden:
		return nil, 0, pperr.Newf(pperr.CodeAuth, "access to %s is forbidden", path)

	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, pperr.Newf(pperr.CodeNotFound, "%s does not exist on the host", path)

	case resp.StatusCode >= 500:
		return nil, 0, pperr.Newf(pperr.CodeUnavailable, "host error %d on %s", resp.StatusCode, path)

	default:
		return nil, 0, pperr.Newf(pperr.CodeInternal, "unexpected status %d on %s", resp.StatusCode, path)
	}
}

// observeQuota retunes the local budget from the remote's published
// quota and flags exhaustion.
//
// The budget takes the configured percentage of the quota window, never
// dropping below the minimum inter-request interval.
func (c *apiClient) observeQuota(resp *http.Response) {
	if v := resp.Header.Get(headerRateLimit); v != "" {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil && limit > 0 && c.lastQuota.Swap(limit) != limit {
			allowed := limit * int64(c.budget) / 100
			if allowed < 1 {
				allowed = 1
			}
			every := quotaWindow / time.Duration(allowed)
			if every < c.minEvery {
				every = c.minEvery
			}
			c.limiter.SetLimit(rate.Every(every))
			c.log.Debug("rate budget tuned to published quota",
				"published_limit", limit, "interval", every.String())
		}
	}

	if resp.Header.Get(headerRateRemaining) == "0" {
		if c.onExhausted != nil {
			c.onExhausted(resetWait(resp))
		}
	} else if resp.StatusCode < 400 && c.onHealthy != nil {
		c.onHealthy()
	}
}

// probe checks host reachability without the budget wait; callers gate
// it on allowProbe.
func (c *apiClient) probe(ctx context.Context) error {
	_, _, err := c.do(ctx, probePath, nil)
	if pperr.Is(err, pperr.CodeNotFound) {
		return nil
	}
	return err
}

// allowProbe consumes a budget token when one is free. Health checks
// skip the network probe entirely rather than queue behind the budget.
func (c *apiClient) allowProbe() bool {
	return c.limiter.Allow()
}

// rateLimitedResponse distinguishes a quota 403 from a permission 403.
func rateLimitedResponse(resp *http.Response) bool {
	return resp.Header.Get(headerRateRemaining) == "0" ||
		resp.Header.Get("Retry-After") != "" ||
		resp.Header.Get(headerRateReset) != ""
}

// resetWait extracts how long the remote wants us to back off: the
// Retry-After delay when present, else the time until the quota reset
// epoch. Zero when the response names neither.
func resetWait(resp *http.Response) time.Duration {
	if wait := adapters.RetryAfterHeader(resp); wait > 0 {
		return wait
	}
	if v := resp.Header.Get(headerRateReset); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if wait := time.Until(time.Unix(epoch, 0)); wait > 0 {
				return wait
			}
		}
	}
	return 0
}
