// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// Admin operations act on live components by name. They only touch what
// already exists: an unknown breaker or source is a 404, never an
// implicit creation.

// HandleListBreakers serves GET /api/v1/admin/breakers.
func (h *Handlers) HandleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Snapshots()})
}

// HandleTripBreaker serves POST /api/v1/admin/breakers/:name/trip. The
// breaker opens immediately and recovers on its normal schedule.
func (h *Handlers) HandleTripBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.New(pperr.CodeNotFound, "no circuit breaker named "+name)))
		return
	}
	b.Trip("manual trip via admin API")
	h.log.Warn("breaker tripped by operator", "breaker", name)
	c.JSON(http.StatusOK, b.Snapshot())
}

// HandleResetBreaker serves POST /api/v1/admin/breakers/:name/reset.
func (h *Handlers) HandleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.New(pperr.CodeNotFound, "no circuit breaker named "+name)))
		return
	}
	b.Reset()
	h.log.Info("breaker reset by operator", "breaker", name)
	c.JSON(http.StatusOK, b.Snapshot())
}

// HandleClearCache serves POST /api/v1/admin/cache/clear. An optional
// ?type= clears one content type; without it everything goes.
func (h *Handlers) HandleClearCache(c *gin.Context) {
	if h.cache == nil {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.New(pperr.CodeUnavailable, "caching is disabled")))
		return
	}
	contentType := c.Query("type")
	var cleared int
	if contentType != "" {
		cleared = h.cache.ClearByType(c.Request.Context(), contentType)
	} else {
		cleared = h.cache.ClearAll(c.Request.Context())
	}
	h.log.Info("cache cleared by operator", "content_type", contentType, "entries", cleared)
	resp := gin.H{"cleared": cleared}
	if contentType != "" {
		resp["content_type"] = contentType
	}
	c.JSON(http.StatusOK, resp)
}

// HandleWarmup serves POST /api/v1/admin/warmup: an immediate warmup run
// outside the scheduled cadence.
func (h *Handlers) HandleWarmup(c *gin.Context) {
	if h.warmer == nil {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.New(pperr.CodeUnavailable, "no content types are configured for warmup")))
		return
	}
	primed, err := h.warmer.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"primed": primed})
}

// HandleRefreshSource serves POST /api/v1/admin/sources/:name/refresh,
// forcing the source's index refresh regardless of its interval.
func (h *Handlers) HandleRefreshSource(c *gin.Context) {
	name := c.Param("name")
	adapter, ok := h.registry.Get(name)
	if !ok {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.New(pperr.CodeNotFound, "no source named "+name)))
		return
	}
	refreshed, err := adapter.RefreshIndex(c.Request.Context(), true)
	if err != nil {
		respondError(c, err)
		return
	}
	h.log.Info("source refreshed by operator", "source", name, "refreshed", refreshed)
	c.JSON(http.StatusOK, gin.H{"source": name, "refreshed": refreshed})
}
