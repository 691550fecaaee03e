// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webadapter

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// userAgent identifies our fetches to origins and robots.txt groups.
const userAgent = "personal-pipeline/1.0 (+https://github.com/AleutianAI/PersonalPipeline)"

// page is one successful fetch.
type page struct {
	body        []byte
	contentType string
	lastMod     time.Time
	url         *url.URL
}

// webClient fetches endpoint pages under a shared per-source rate cap,
// with robots.txt answers cached per origin.
type webClient struct {
	httpc   *http.Client
	limiter *rate.Limiter
	auth    *config.AuthConfig
	headers map[string]string
	log     *slog.Logger

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData
}

func newWebClient(s config.WebSettings, auth *config.AuthConfig, log *slog.Logger) *webClient {
	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	return &webClient{
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rl), 1),
		auth:    auth,
		headers: s.Headers,
		log:     log,
		robots:  make(map[string]*robotstxt.RobotsData),
	}
}

// fetch performs the request and classifies the outcome. A 429 whose
// Retry-After fits inside the deadline is waited out once; a wait the
// deadline cannot absorb surfaces as RateLimited immediately.
func (c *webClient) fetch(ctx context.Context, method, rawURL string) (*page, error) {
	retried := false
	for {
		res, retryIn, err := c.do(ctx, method, rawURL)
		if err == nil {
			return res, nil
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

func (c *webClient) do(ctx context.Context, method, rawURL string) (*page, time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeTimeout, "rate cap wait abandoned, deadline reached", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeConfig, "endpoint url does not parse", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if err := adapters.Authorize(req, c.auth); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, pperr.Wrap(pperr.CodeTimeout, "request abandoned, deadline reached", ctx.Err())
		}
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, adapters.MaxResponseBytes))
	if err != nil {
		return nil, 0, pperr.Wrap(pperr.CodeUnavailable, "response truncated", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := &page{
			body:        body,
			contentType: resp.Header.Get("Content-Type"),
			url:         resp.Request.URL,
		}
		if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			res.lastMod = t
		}
		return res, 0, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, pperr.Newf(pperr.CodeAuth, "endpoint rejected credentials for %s", rawURL).
			WithSuggestion("check the credentials referenced by the source's auth block")
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, pperr.Newf(pperr.CodeNotFound, "%s does not exist", rawURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := adapters.RetryAfterHeader(resp)
		err := pperr.Newf(pperr.CodeRateLimited, "rate limit hit on %s", rawURL)
		if wait > 0 {
			err = err.WithSuggestion("the origin asked for a " + wait.Round(time.Second).String() + " pause")
		}
		return nil, wait, err
	case resp.StatusCode >= 500:
		return nil, 0, pperr.Newf(pperr.CodeUnavailable, "endpoint returned %d for %s", resp.StatusCode, rawURL)
	default:
		return nil, 0, pperr.Newf(pperr.CodeInternal, "endpoint returned unexpected status %d for %s", resp.StatusCode, rawURL)
	}
}

// allowed consults the origin's robots.txt for the URL. Missing robots
// files allow everything; an origin whose robots.txt errors server-side
// disallows everything, per the de facto crawler rules.
func (c *webClient) allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, pperr.Wrap(pperr.CodeConfig, "endpoint url does not parse", err)
	}
	data, err := c.robotsFor(ctx, u)
	if err != nil {
		return false, err
	}
	return data.TestAgent(u.Path, userAgent), nil
}

func (c *webClient) robotsFor(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	origin := u.Scheme + "://" + u.Host

	c.mu.Lock()
	data, ok := c.robots[origin]
	c.mu.Unlock()
	if ok {
		return data, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pperr.Wrap(pperr.CodeTimeout, "rate cap wait abandoned, deadline reached", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeConfig, "robots url does not parse", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pperr.Wrap(pperr.CodeTimeout, "robots fetch abandoned, deadline reached", ctx.Err())
		}
		return nil, pperr.Wrap(pperr.CodeUnavailable, "origin unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, adapters.MaxResponseBytes))
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeUnavailable, "robots fetch truncated", err)
	}

	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		// An unparsable robots.txt reads as no restrictions.
		c.log.Debug("robots.txt does not parse, treating origin as open", "origin", origin)
		data = &robotstxt.RobotsData{}
	}

	c.mu.Lock()
	c.robots[origin] = data
	c.mu.Unlock()
	return data, nil
}
