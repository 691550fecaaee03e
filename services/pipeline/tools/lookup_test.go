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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// =============================================================================
// get_decision_tree
// =============================================================================

func TestGetDecisionTreeValidatesInput(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	_, err := s.GetDecisionTree(context.Background(), DecisionTreeRequest{})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.GetDecisionTree(context.Background(), DecisionTreeRequest{Scenario: "disk full", MaxDepth: -1})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

func TestGetDecisionTreeByRunbookID(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetDecisionTree(context.Background(), DecisionTreeRequest{Scenario: "rb-disk-full"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9, "a direct id hit is not a guess")
	assert.Equal(t, "docs", res.Source)

	root := res.DecisionTree
	require.NotNil(t, root)
	assert.Equal(t, "root", root.ID)
	require.Len(t, root.Children, 1)
	require.Len(t, root.Children[0].Children, 1)
	leaf := root.Children[0].Children[0]
	assert.True(t, leaf.Terminal)
	assert.Equal(t, "extend the volume", leaf.Action)
}

func TestGetDecisionTreeTruncatesAtMaxDepth(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetDecisionTree(context.Background(), DecisionTreeRequest{
		Scenario: "rb-disk-full",
		MaxDepth: 1,
	})
	require.NoError(t, err)
	root := res.DecisionTree
	require.NotNil(t, root)
	assert.Empty(t, root.Children)
	assert.True(t, root.Terminal)
	assert.NotEmpty(t, root.Reference, "the cut is announced, not silent")
}

func TestGetDecisionTreeViaScenarioSearch(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{
		parsedMatch(t, singleStepRunbookJSON, "docs", 0.95), // no tree, skipped
		parsedMatch(t, diskRunbookJSON, "docs", 0.9),
	}
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetDecisionTree(context.Background(), DecisionTreeRequest{
		Scenario: "disk usage climbing fast",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, "docs", res.Source)
	require.NotNil(t, res.DecisionTree)
	assert.Equal(t, "root", res.DecisionTree.ID)
}

func TestGetDecisionTreeNotFound(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{
		parsedMatch(t, singleStepRunbookJSON, "docs", 0.95),
	}
	s := newTestService(t, []*stubAdapter{stub})

	_, err := s.GetDecisionTree(context.Background(), DecisionTreeRequest{
		Scenario: "matched runbook has no tree",
	})
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))
}

func TestGetDecisionTreeCachesResolution(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub}, withToolCache(t))

	req := DecisionTreeRequest{Scenario: "rb-disk-full"}
	first, err := s.GetDecisionTree(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(1), stub.gets.Load())

	second, err := s.GetDecisionTree(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.gets.Load(), "the repeat answer comes from cache")
	assert.Equal(t, first, second)
}

// =============================================================================
// get_procedure
// =============================================================================

func TestGetProcedureQualifiedStepID(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-disk-full/clean-logs"})
	require.NoError(t, err)
	require.NotNil(t, res.Procedure)
	assert.Equal(t, "clean-logs", res.Procedure.ID)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9, "runbook metadata confidence carries over")
}

func TestGetProcedureResolvesStepByName(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-disk-full/check usage"})
	require.NoError(t, err)
	assert.Equal(t, "check-usage", res.Procedure.ID, "name match folds case")
}

func TestGetProcedurePrerequisiteToggle(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-disk-full/check-usage"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ssh access"}, res.Procedure.Prerequisites)

	off := false
	res, err = s.GetProcedure(context.Background(), ProcedureRequest{
		ProcedureID:          "rb-disk-full/check-usage",
		IncludePrerequisites: &off,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Procedure.Prerequisites)
}

func TestGetProcedureBareIDWithSingleStep(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-restart", singleStepRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-restart"})
	require.NoError(t, err)
	assert.Equal(t, "restart", res.Procedure.ID)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9, "no metadata means neutral confidence")
}

func TestGetProcedureBareIDAmbiguous(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	_, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-disk-full"})
	require.Error(t, err)
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
	assert.Contains(t, pperr.AsError(err).Message, "rb-disk-full/<step_id>")
}

func TestGetProcedureNotFound(t *testing.T) {
	stub := newStub("docs").withRunbook("rb-disk-full", diskRunbookJSON)
	s := newTestService(t, []*stubAdapter{stub})

	_, err := s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-missing/step"})
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))

	_, err = s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: "rb-disk-full/no-such-step"})
	assert.Equal(t, pperr.CodeNotFound, pperr.CodeOf(err))

	_, err = s.GetProcedure(context.Background(), ProcedureRequest{ProcedureID: ""})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

// =============================================================================
// get_escalation_path
// =============================================================================

func TestGetEscalationPathValidatesInput(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	_, err := s.GetEscalationPath(context.Background(), EscalationRequest{Severity: "high"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.GetEscalationPath(context.Background(), EscalationRequest{IncidentType: "outage", Severity: "severe"})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))

	_, err = s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType: "outage", Severity: "high", TimeSinceStartMinutes: -5,
	})
	assert.Equal(t, pperr.CodeValidation, pperr.CodeOf(err))
}

func TestGetEscalationPathFromRunbook(t *testing.T) {
	stub := newStub("docs")
	stub.matches = []*datatypes.RunbookMatch{parsedMatch(t, diskRunbookJSON, "docs", 0.9)}
	s := newTestService(t, []*stubAdapter{stub})

	res, err := s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType: "disk_full",
		Severity:     "high",
	})
	require.NoError(t, err)
	require.Len(t, res.Levels, 2)
	assert.Equal(t, "storage on-call", res.Levels[0].Name)
	assert.Equal(t, 10, res.Levels[0].MaxWaitMin)
	assert.Equal(t, []string{"#storage", "pagerduty"}, res.CommunicationChannels)
}

func TestGetEscalationPathDefaultLadderCritical(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	res, err := s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType: "regional outage",
		Severity:     "critical",
	})
	require.NoError(t, err)
	require.Len(t, res.Levels, 4, "critical ends at an incident commander")
	assert.Equal(t, "on-call engineer", res.Levels[0].Name)
	assert.Equal(t, 5, res.Levels[0].MaxWaitMin)
	assert.Equal(t, "incident commander", res.Levels[3].Name)
	assert.Equal(t, []string{"#incident-response", "pagerduty", "status-page"}, res.CommunicationChannels)
}

func TestGetEscalationPathDefaultLadderLow(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	res, err := s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType: "slow dashboard",
		Severity:     "low",
	})
	require.NoError(t, err)
	require.Len(t, res.Levels, 3)
	assert.Equal(t, 15, res.Levels[0].MaxWaitMin)
	assert.Equal(t, 60, res.Levels[2].MaxWaitMin)
	assert.Equal(t, []string{"#incident-response", "pagerduty"}, res.CommunicationChannels)
}

func TestGetEscalationPathImpactAssessment(t *testing.T) {
	s := newTestService(t, []*stubAdapter{newStub("docs")})

	res, err := s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType:          "payments down",
		Severity:              "critical",
		BusinessImpact:        true,
		TimeSinceStartMinutes: 45,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"critical severity, significant business impact, 45 minutes elapsed: engage level 2 now and prepare stakeholder communication",
		res.BusinessImpactAssessment)

	res, err = s.GetEscalationPath(context.Background(), EscalationRequest{
		IncidentType: "stale cache",
		Severity:     "low",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"low severity, limited business impact: follow the ladder from level 1",
		res.BusinessImpactAssessment)
}
