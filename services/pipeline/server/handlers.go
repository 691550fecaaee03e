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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/tools"
)

// Handlers carries the dependencies the HTTP layer exposes.
type Handlers struct {
	tools    *tools.Service
	health   *health.Aggregator
	breakers *breaker.Registry
	cache    *cache.Service
	registry *adapters.Registry
	warmer   *cache.Warmer
	hub      *hub
	log      *slog.Logger
}

// respondError translates any error into the wire shape. Every error
// becomes {code, message, correlation_id, suggestion} with the HTTP
// status derived from the code.
func respondError(c *gin.Context, err error) {
	e := pperr.AsError(err)
	c.JSON(e.Code.HTTPStatus(), e)
}

// bindJSON decodes the request body into dst, shaping decode failures
// into a correlated validation error.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, pperr.Correlate(c.Request.Context(),
			pperr.Wrap(pperr.CodeValidation, "request body does not decode", err).
				WithSuggestion("check the request body against the API reference")))
		return false
	}
	return true
}

// HandleHealth reports aggregated health.
//
// Serves the poller's latest snapshot when one exists and computes one
// inline otherwise, so the endpoint works before the first poll lands.
// Unhealthy maps to 503 so load balancers can act on it directly.
func (h *Handlers) HandleHealth(c *gin.Context) {
	snap := h.health.Last()
	if snap == nil {
		snap = h.health.Check(c.Request.Context())
	}
	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// HandleLive is the liveness probe: the process is up and serving.
func (h *Handlers) HandleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// HandleSearchRunbooks serves POST /api/v1/search_runbooks.
func (h *Handlers) HandleSearchRunbooks(c *gin.Context) {
	var req tools.RunbookSearchRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.tools.SearchRunbooks(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSearchKnowledgeBase serves POST /api/v1/search_knowledge_base.
func (h *Handlers) HandleSearchKnowledgeBase(c *gin.Context) {
	var req tools.KnowledgeBaseRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.tools.SearchKnowledgeBase(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetDecisionTree serves POST /api/v1/get_decision_tree.
func (h *Handlers) HandleGetDecisionTree(c *gin.Context) {
	var req tools.DecisionTreeRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.tools.GetDecisionTree(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetProcedure serves POST /api/v1/get_procedure.
func (h *Handlers) HandleGetProcedure(c *gin.Context) {
	var req tools.ProcedureRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.tools.GetProcedure(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetEscalationPath serves POST /api/v1/get_escalation_path.
func (h *Handlers) HandleGetEscalationPath(c *gin.Context) {
	var req tools.EscalationRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.tools.GetEscalationPath(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListSources serves GET /api/v1/sources.
//
// Query parameters:
//   - include_health: probe each source inline (default true)
//   - include_stats: include document counts and success rates
//   - kind: restrict to one adapter kind
func (h *Handlers) HandleListSources(c *gin.Context) {
	var req tools.ListSourcesRequest
	if raw := c.Query("include_health"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, pperr.Correlate(c.Request.Context(),
				pperr.New(pperr.CodeValidation, "include_health must be a boolean")))
			return
		}
		req.IncludeHealth = &v
	}
	if raw := c.Query("include_stats"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, pperr.Correlate(c.Request.Context(),
				pperr.New(pperr.CodeValidation, "include_stats must be a boolean")))
			return
		}
		req.IncludeStats = v
	}
	req.Kind = c.Query("kind")

	resp, err := h.tools.ListSources(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleFeedback serves POST /api/v1/feedback.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req tools.FeedbackRequest
	if !bindJSON(c, &req) {
		return
	}
	receipt, err := h.tools.RecordResolutionFeedback(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}
