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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the API on the given router group.
//
// Endpoints:
//
//	POST /search_runbooks           - find runbooks for an alert
//	POST /search_knowledge_base     - free-text search across all sources
//	POST /get_decision_tree         - decision tree for a scenario
//	POST /get_procedure             - one procedure step by id
//	POST /get_escalation_path       - escalation contacts for an incident
//	GET  /sources                   - configured sources with health/stats
//	POST /feedback                  - record an incident resolution
//	GET  /events                    - WebSocket stream of breaker and health events
//	GET  /admin/breakers            - circuit breaker snapshots
//	POST /admin/breakers/:name/trip - force a breaker open
//	POST /admin/breakers/:name/reset- force a breaker closed
//	POST /admin/cache/clear         - clear cache entries (?type= for one content type)
//	POST /admin/warmup              - run cache warmup now
//	POST /admin/sources/:name/refresh - force one source's index refresh
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/search_runbooks", h.HandleSearchRunbooks)
	rg.POST("/search_knowledge_base", h.HandleSearchKnowledgeBase)
	rg.POST("/get_decision_tree", h.HandleGetDecisionTree)
	rg.POST("/get_procedure", h.HandleGetProcedure)
	rg.POST("/get_escalation_path", h.HandleGetEscalationPath)
	rg.GET("/sources", h.HandleListSources)
	rg.POST("/feedback", h.HandleFeedback)
	rg.GET("/events", h.HandleEvents)

	admin := rg.Group("/admin")
	{
		admin.GET("/breakers", h.HandleListBreakers)
		admin.POST("/breakers/:name/trip", h.HandleTripBreaker)
		admin.POST("/breakers/:name/reset", h.HandleResetBreaker)
		admin.POST("/cache/clear", h.HandleClearCache)
		admin.POST("/warmup", h.HandleWarmup)
		admin.POST("/sources/:name/refresh", h.HandleRefreshSource)
	}
}
