// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/cache"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/engine"
)

// structuredSearchLimit bounds the runbook search behind scenario and
// escalation lookups; only the best few candidates matter.
const structuredSearchLimit = 5

// neutralConfidence stands in for runbooks that carry no intrinsic
// confidence of their own.
const neutralConfidence = 0.5

// =============================================================================
// get_decision_tree
// =============================================================================

// DecisionTreeRequest is the get_decision_tree input.
type DecisionTreeRequest struct {
	Scenario string            `json:"scenario"`
	Context  map[string]string `json:"context,omitempty"`
	MaxDepth int               `json:"max_depth,omitempty"`
}

// DecisionTreeResponse is the get_decision_tree output.
type DecisionTreeResponse struct {
	DecisionTree *datatypes.DecisionNode `json:"decision_tree"`
	Confidence   float64                 `json:"confidence"`
	Source       string                  `json:"source"`
}

// GetDecisionTree finds the decision tree for an incident scenario.
//
// # Description
//
// A scenario without whitespace is first treated as a runbook id and
// resolved directly; that path returns the tree with full confidence.
// Otherwise the scenario runs through the runbook search and the best
// match that actually carries a decision tree wins. The tree is
// truncated to max_depth levels, with cut nodes marked terminal.
func (s *Service) GetDecisionTree(ctx context.Context, req DecisionTreeRequest) (*DecisionTreeResponse, error) {
	scenario := strings.TrimSpace(req.Scenario)
	if scenario == "" {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "scenario is required"))
	}
	maxDepth := req.MaxDepth
	if maxDepth < 0 {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "max_depth must not be negative"))
	}
	if maxDepth == 0 {
		maxDepth = defaultMaxDepth
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	start := s.now()
	key := cache.Key(cache.TypeDecisionTrees, digest(scenario, contextDigest(req.Context), strconv.Itoa(maxDepth)))
	payload, err := s.cached(ctx, key, func(ctx context.Context) ([]byte, error) {
		res, err := s.resolveDecisionTree(ctx, scenario, req.Context, maxDepth)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	s.observeOp("get_decision_tree", start, err)
	if err != nil {
		return nil, shape(ctx, err)
	}

	var res DecisionTreeResponse
	if err := marshalInto(payload, &res); err != nil {
		return nil, shape(ctx, err)
	}
	return &res, nil
}

func (s *Service) resolveDecisionTree(ctx context.Context, scenario string, reqContext map[string]string, maxDepth int) (*DecisionTreeResponse, error) {
	if !strings.ContainsAny(scenario, " \t") {
		if rb, source, ok := s.lookupRunbook(ctx, scenario); ok && rb.DecisionTree != nil {
			return &DecisionTreeResponse{
				DecisionTree: rb.DecisionTree.Truncate(maxDepth),
				Confidence:   1.0,
				Source:       source,
			}, nil
		}
	}

	sev := datatypes.Severity(reqContext["severity"])
	if !sev.Valid() {
		sev = ""
	}
	res, err := s.engine.SearchRunbooks(ctx, engine.RunbookRequest{
		AlertType: scenario,
		Severity:  sev,
		Context:   reqContext,
		Limit:     structuredSearchLimit,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range res.Matches {
		if m.Runbook == nil || m.Runbook.DecisionTree == nil {
			continue
		}
		return &DecisionTreeResponse{
			DecisionTree: m.Runbook.DecisionTree.Truncate(maxDepth),
			Confidence:   m.Confidence,
			Source:       m.Runbook.SourceName,
		}, nil
	}
	return nil, pperr.Newf(pperr.CodeNotFound, "no decision tree matches scenario %q", scenario).
		WithSuggestion("search_runbooks may surface related runbooks without decision trees")
}

// =============================================================================
// get_procedure
// =============================================================================

// ProcedureRequest is the get_procedure input.
type ProcedureRequest struct {
	ProcedureID          string            `json:"procedure_id"`
	Context              map[string]string `json:"context,omitempty"`
	IncludePrerequisites *bool             `json:"include_prerequisites,omitempty"`
}

// ProcedureResponse is the get_procedure output.
type ProcedureResponse struct {
	Procedure  *datatypes.ProcedureStep `json:"procedure"`
	Confidence float64                  `json:"confidence"`
}

// GetProcedure fetches one procedure step by id.
//
// # Description
//
// A procedure id is either "<runbook_id>/<step_id>" or a bare runbook
// id whose runbook holds exactly one step. Steps resolve by step id
// first, then by case-insensitive step name. A runbook with several
// steps and no step qualifier is a validation error, not a guess.
func (s *Service) GetProcedure(ctx context.Context, req ProcedureRequest) (*ProcedureResponse, error) {
	id := strings.TrimSpace(req.ProcedureID)
	if id == "" {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "procedure_id is required"))
	}
	includePrereqs := true
	if req.IncludePrerequisites != nil {
		includePrereqs = *req.IncludePrerequisites
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	start := s.now()
	key := cache.Key(cache.TypeProcedures, digest(id, strconv.FormatBool(includePrereqs)))
	payload, err := s.cached(ctx, key, func(ctx context.Context) ([]byte, error) {
		res, err := s.resolveProcedure(ctx, id, includePrereqs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	s.observeOp("get_procedure", start, err)
	if err != nil {
		return nil, shape(ctx, err)
	}

	var res ProcedureResponse
	if err := marshalInto(payload, &res); err != nil {
		return nil, shape(ctx, err)
	}
	return &res, nil
}

func (s *Service) resolveProcedure(ctx context.Context, id string, includePrereqs bool) (*ProcedureResponse, error) {
	runbookID, stepID := id, ""
	if i := strings.Index(id, "/"); i > 0 {
		runbookID, stepID = id[:i], id[i+1:]
	}

	rb, _, ok := s.lookupRunbook(ctx, runbookID)
	if !ok {
		return nil, pperr.Newf(pperr.CodeNotFound, "procedure %q not found", id).
			WithSuggestion("the leading path segment must be a runbook id")
	}

	var step *datatypes.ProcedureStep
	switch {
	case stepID != "":
		step = findStep(rb.Procedures, stepID)
		if step == nil {
			return nil, pperr.Newf(pperr.CodeNotFound, "runbook %q has no step %q", runbookID, stepID)
		}
	case len(rb.Procedures) == 1:
		step = &rb.Procedures[0]
	case len(rb.Procedures) == 0:
		return nil, pperr.Newf(pperr.CodeNotFound, "runbook %q defines no procedures", runbookID)
	default:
		return nil, pperr.Newf(pperr.CodeValidation, "runbook %q has %d steps, qualify as %s/<step_id>", runbookID, len(rb.Procedures), runbookID)
	}

	cp := *step
	if !includePrereqs {
		cp.Prerequisites = nil
	}
	confidence := rb.Metadata.Confidence
	if confidence == 0 {
		confidence = neutralConfidence
	}
	return &ProcedureResponse{Procedure: &cp, Confidence: confidence}, nil
}

func findStep(steps []datatypes.ProcedureStep, wanted string) *datatypes.ProcedureStep {
	for i := range steps {
		if steps[i].ID == wanted {
			return &steps[i]
		}
	}
	for i := range steps {
		if strings.EqualFold(steps[i].Name, wanted) {
			return &steps[i]
		}
	}
	return nil
}

// =============================================================================
// get_escalation_path
// =============================================================================

// EscalationRequest is the get_escalation_path input.
type EscalationRequest struct {
	IncidentType          string `json:"incident_type"`
	Severity              string `json:"severity"`
	BusinessImpact        bool   `json:"business_impact,omitempty"`
	TimeSinceStartMinutes int    `json:"time_since_start_minutes,omitempty"`
}

// EscalationResponse is the get_escalation_path output.
type EscalationResponse struct {
	Levels                   []datatypes.EscalationLevel `json:"levels"`
	BusinessImpactAssessment string                      `json:"business_impact_assessment"`
	CommunicationChannels    []string                    `json:"communication_channels"`
}

// GetEscalationPath returns who to pull in, in what order.
//
// # Description
//
// A runbook matching the incident type supplies its own escalation
// path when it has one; otherwise a built-in ladder keyed by severity
// applies values every on-call rotation recognizes. The impact
// assessment is a deterministic function of severity, declared
// business impact and elapsed time, so repeated calls during one
// incident stay consistent.
func (s *Service) GetEscalationPath(ctx context.Context, req EscalationRequest) (*EscalationResponse, error) {
	incident := strings.TrimSpace(req.IncidentType)
	if incident == "" {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "incident_type is required"))
	}
	sev, err := parseSeverity(req.Severity)
	if err != nil {
		return nil, shape(ctx, err)
	}
	if req.TimeSinceStartMinutes < 0 {
		return nil, shape(ctx, pperr.New(pperr.CodeValidation, "time_since_start_minutes must not be negative"))
	}

	release, err := s.acquire()
	if err != nil {
		return nil, shape(ctx, err)
	}
	defer release()

	start := s.now()
	levels, channels := s.escalationFor(ctx, incident, sev)
	s.observeOp("get_escalation_path", start, nil)

	return &EscalationResponse{
		Levels:                   levels,
		BusinessImpactAssessment: assessImpact(sev, req.BusinessImpact, req.TimeSinceStartMinutes, len(levels)),
		CommunicationChannels:    channels,
	}, nil
}

// escalationFor prefers a matching runbook's own path over the built-in
// ladder. Search failures degrade to the ladder: escalation guidance
// must not go missing because every source is down.
func (s *Service) escalationFor(ctx context.Context, incident string, sev datatypes.Severity) ([]datatypes.EscalationLevel, []string) {
	res, err := s.engine.SearchRunbooks(ctx, engine.RunbookRequest{
		AlertType: incident,
		Severity:  sev,
		Limit:     structuredSearchLimit,
	})
	if err == nil {
		for _, m := range res.Matches {
			if m.Runbook == nil || len(m.Runbook.EscalationPath) == 0 {
				continue
			}
			levels := m.Runbook.EscalationPath
			if channels := channelUnion(levels); len(channels) > 0 {
				return levels, channels
			}
			return levels, defaultChannels(sev)
		}
	} else {
		s.log.Warn("escalation search failed, using the default ladder",
			"incident_type", incident, "error", err)
	}
	return defaultLadder(sev), defaultChannels(sev)
}

func channelUnion(levels []datatypes.EscalationLevel) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range levels {
		for _, c := range l.Channels {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// defaultLadder is the escalation path used when no runbook defines
// one. Critical incidents climb faster and end at an incident
// commander.
func defaultLadder(sev datatypes.Severity) []datatypes.EscalationLevel {
	wait := func(critical, normal int) int {
		if sev == datatypes.SeverityCritical {
			return critical
		}
		return normal
	}
	levels := []datatypes.EscalationLevel{
		{
			Level:        1,
			Name:         "on-call engineer",
			Channels:     []string{"pagerduty"},
			EscalateWhen: "no acknowledgement or no mitigation progress",
			MaxWaitMin:   wait(5, 15),
		},
		{
			Level:        2,
			Name:         "service team lead",
			Channels:     []string{"pagerduty", "#incident-response"},
			EscalateWhen: "impact growing or unfamiliar failure mode",
			MaxWaitMin:   wait(10, 30),
		},
		{
			Level:        3,
			Name:         "engineering manager",
			Channels:     []string{"#incident-response"},
			EscalateWhen: "customer-visible impact beyond one service",
			MaxWaitMin:   wait(15, 60),
		},
	}
	if sev == datatypes.SeverityCritical || sev == datatypes.SeverityHigh {
		levels = append(levels, datatypes.EscalationLevel{
			Level:        4,
			Name:         "incident commander",
			Channels:     []string{"#incident-response", "status-page"},
			EscalateWhen: "multi-team coordination or external communication needed",
			MaxWaitMin:   wait(15, 30),
		})
	}
	return levels
}

func defaultChannels(sev datatypes.Severity) []string {
	channels := []string{"#incident-response", "pagerduty"}
	if sev == datatypes.SeverityCritical {
		channels = append(channels, "status-page")
	}
	sort.Strings(channels)
	return channels
}

// assessImpact composes the deterministic impact line for the response.
func assessImpact(sev datatypes.Severity, businessImpact bool, minutes, levelCount int) string {
	impact := "limited"
	switch {
	case sev == datatypes.SeverityCritical || businessImpact:
		impact = "significant"
	case sev == datatypes.SeverityHigh:
		impact = "moderate"
	}

	urgency := "follow the ladder from level 1"
	switch {
	case impact == "significant" && minutes >= 30:
		urgency = fmt.Sprintf("engage level %d now and prepare stakeholder communication", min(2, levelCount))
	case impact == "significant":
		urgency = "engage level 1 immediately with level 2 on standby"
	case minutes >= 60:
		urgency = "escalate one level beyond the current responder"
	}

	elapsed := ""
	if minutes > 0 {
		elapsed = fmt.Sprintf(", %d minutes elapsed", minutes)
	}
	return fmt.Sprintf("%s severity, %s business impact%s: %s", sev, impact, elapsed, urgency)
}

// digest collapses lookup inputs into a fixed-width cache identifier.
func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// contextDigest canonicalizes a context map for keying.
func contextDigest(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k])
		sb.WriteByte(';')
	}
	return sb.String()
}
