// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Runbook structures: decision trees, procedures, escalation paths.
//
// Runbooks arrive from adapters as JSON or front-matter documents and are
// validated on decode. A runbook with a cyclic decision tree or a dangling
// next_step reference is rejected at the adapter boundary, not at query time.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Runbook
// =============================================================================

// RunbookMetadata carries operational quality signals for ranking.
type RunbookMetadata struct {
	Confidence           float64 `json:"confidence"`
	SuccessRate          float64 `json:"success_rate"`
	AvgResolutionMinutes float64 `json:"avg_resolution_minutes,omitempty"`
}

// Runbook is a structured operational document describing the response to
// an alert class.
type Runbook struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Version         string            `json:"version,omitempty"`
	Triggers        []string          `json:"triggers"`
	SeverityMapping map[string]string `json:"severity_mapping,omitempty"`
	DecisionTree    *DecisionNode     `json:"decision_tree,omitempty"`
	Procedures      []ProcedureStep   `json:"procedures,omitempty"`
	EscalationPath  []EscalationLevel `json:"escalation_path,omitempty"`
	Metadata        RunbookMetadata   `json:"metadata"`

	SourceName  string    `json:"source_name,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
	URL         string    `json:"url,omitempty"`
}

// DecisionNode is one branch point in a runbook's decision tree.
type DecisionNode struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Branches  []DecisionEdge  `json:"branches,omitempty"`
	Terminal  bool            `json:"terminal,omitempty"`
	Action    string          `json:"action,omitempty"`
	NextStep  string          `json:"next_step,omitempty"`
	Children  []*DecisionNode `json:"children,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// DecisionEdge labels the condition under which a child is taken.
type DecisionEdge struct {
	Condition string `json:"condition"`
	ChildID   string `json:"child_id"`
}

// ProcedureStep is one ordered action in a runbook procedure.
type ProcedureStep struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Command       string   `json:"command,omitempty"`
	ExpectedOut   string   `json:"expected_outcome,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	NextStep      string   `json:"next_step,omitempty"`
	TimeoutSec    int      `json:"timeout_seconds,omitempty"`
	Rollback      string   `json:"rollback,omitempty"`
}

// EscalationLevel is one rung of an escalation path.
type EscalationLevel struct {
	Level        int      `json:"level"`
	Name         string   `json:"name"`
	Contacts     []string `json:"contacts,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	EscalateWhen string   `json:"escalate_when,omitempty"`
	MaxWaitMin   int      `json:"max_wait_minutes,omitempty"`
}

// RunbookMatch is a runbook paired with why it matched one specific alert.
//
// Confidence here is the match strength for this query; the runbook's
// intrinsic quality signal stays in Metadata.Confidence. RetrievalTime
// is stamped by the pipeline, like Document.RetrievalTime.
type RunbookMatch struct {
	Runbook       *Runbook `json:"runbook"`
	Confidence    float64  `json:"confidence"`
	MatchReasons  []string `json:"match_reasons,omitempty"`
	RetrievalTime int64    `json:"retrieval_time_ms"`
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks structural invariants: a non-empty id and title, an
// acyclic decision tree, and procedure next_step references that resolve to
// known step ids.
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("runbook missing id")
	}
	if r.Title == "" {
		return fmt.Errorf("runbook %q missing title", r.ID)
	}
	if r.DecisionTree != nil {
		seen := make(map[string]bool)
		if err := walkDecisionTree(r.DecisionTree, seen, make(map[string]bool)); err != nil {
			return fmt.Errorf("runbook %q: %w", r.ID, err)
		}
	}
	if len(r.Procedures) > 0 {
		ids := make(map[string]bool, len(r.Procedures))
		for _, p := range r.Procedures {
			if p.ID != "" {
				ids[p.ID] = true
			}
		}
		for _, p := range r.Procedures {
			if p.NextStep != "" && !ids[p.NextStep] {
				return fmt.Errorf("runbook %q: step %q references unknown next_step %q", r.ID, p.ID, p.NextStep)
			}
		}
	}
	return nil
}

// walkDecisionTree rejects cycles. onPath tracks the current DFS stack so a
// back-edge is caught even when the node was already visited on a sibling
// branch (diamonds are allowed, cycles are not).
func walkDecisionTree(n *DecisionNode, seen, onPath map[string]bool) error {
	if n == nil {
		return nil
	}
	if n.ID != "" {
		if onPath[n.ID] {
			return fmt.Errorf("decision tree cycle at node %q", n.ID)
		}
		onPath[n.ID] = true
		seen[n.ID] = true
		defer delete(onPath, n.ID)
	}
	for _, child := range n.Children {
		if err := walkDecisionTree(child, seen, onPath); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the maximum depth of the decision tree, counting the root
// as depth 1. Used by get_decision_tree's max_depth truncation.
func (n *DecisionNode) Depth() int {
	if n == nil {
		return 0
	}
	max := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Truncate returns a copy of the tree limited to maxDepth levels. Nodes at
// the cut become terminal with a reference note so callers know more exists.
func (n *DecisionNode) Truncate(maxDepth int) *DecisionNode {
	if n == nil || maxDepth <= 0 {
		return nil
	}
	cp := *n
	if maxDepth == 1 && len(n.Children) > 0 {
		cp.Children = nil
		cp.Terminal = true
		cp.Reference = "truncated: increase max_depth to see deeper branches"
		return &cp
	}
	if len(n.Children) > 0 {
		cp.Children = make([]*DecisionNode, 0, len(n.Children))
		for _, c := range n.Children {
			if t := c.Truncate(maxDepth - 1); t != nil {
				cp.Children = append(cp.Children, t)
			}
		}
	}
	return &cp
}
