// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// Match confidence weights. The trigger dominates: a runbook whose
// triggers name the alert class is the right runbook whether or not the
// optional semantic layer is running, so an exact trigger match alone
// must clear any reasonable confidence floor. Severity mapping, system
// overlap and context hints only nudge the ordering between runbooks
// that all respond to the alert.
const (
	triggerExactWeight   = 0.95
	triggerPartialWeight = 0.90 // containment match, not an exact trigger
	severityWeight       = 0.03
	systemWeight         = 0.02 // per matched system, capped at 2
	contextWeight        = 0.01
)

// MatchRunbooks scores structured runbooks against an alert and returns
// the matches ordered by descending confidence.
//
// # Description
//
// Shared by every adapter that holds structured runbooks so the same
// alert produces comparable confidences regardless of which backend the
// runbook came from. A runbook with no trigger overlap is not a match
// at all; severity mapping, affected systems, and alert context hints
// then raise the confidence.
func MatchRunbooks(runbooks []*datatypes.Runbook, alertType string, severity datatypes.Severity, affectedSystems []string, alertContext map[string]string) []*datatypes.RunbookMatch {
	alertNorm := normalizeToken(alertType)
	out := make([]*datatypes.RunbookMatch, 0)

	for _, rb := range runbooks {
		trigger, exact, ok := matchTrigger(rb.Triggers, alertNorm)
		if !ok {
			continue
		}

		confidence := triggerPartialWeight
		reasons := []string{fmt.Sprintf("trigger %q matches alert type %q", trigger, alertType)}
		if exact {
			confidence = triggerExactWeight
		}

		if mapped, ok := rb.SeverityMapping[string(severity)]; ok {
			confidence += severityWeight
			reasons = append(reasons, fmt.Sprintf("severity %s maps to %q", severity, mapped))
		}

		haystack := runbookText(rb)
		matched := 0
		for _, sys := range affectedSystems {
			if sys == "" {
				continue
			}
			if strings.Contains(haystack, normalizeToken(sys)) {
				matched++
				reasons = append(reasons, fmt.Sprintf("covers affected system %q", sys))
				if matched == 2 {
					break
				}
			}
		}
		confidence += float64(matched) * systemWeight

		for key, val := range alertContext {
			if val == "" {
				continue
			}
			if strings.Contains(haystack, normalizeToken(val)) {
				confidence += contextWeight
				reasons = append(reasons, fmt.Sprintf("context %s=%q appears in runbook", key, val))
				break
			}
		}

		if confidence > 1.0 {
			confidence = 1.0
		}
		out = append(out, &datatypes.RunbookMatch{
			Runbook:      rb,
			Confidence:   confidence,
			MatchReasons: reasons,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Runbook.ID < out[j].Runbook.ID
	})
	return out
}

// matchTrigger reports whether any trigger matches the normalized alert
// type, by equality or containment in either direction ("disk_full"
// triggers on "disk_full_critical" and vice versa). An exact trigger
// outranks a containment match, so both kinds are distinguished.
func matchTrigger(triggers []string, alertNorm string) (trigger string, exact, ok bool) {
	if alertNorm == "" {
		return "", false, false
	}
	for _, t := range triggers {
		tn := normalizeToken(t)
		if tn == "" {
			continue
		}
		if tn == alertNorm {
			return t, true, true
		}
		if !ok && (strings.Contains(alertNorm, tn) || strings.Contains(tn, alertNorm)) {
			trigger, ok = t, true
		}
	}
	return trigger, false, ok
}

// normalizeToken folds case and separator style so "DiskFull",
// "disk-full" and "disk_full" compare equal.
func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// runbookText flattens the searchable text of a runbook for containment
// probes: title, triggers, procedure names, decision questions.
func runbookText(rb *datatypes.Runbook) string {
	var sb strings.Builder
	sb.WriteString(normalizeToken(rb.Title))
	for _, t := range rb.Triggers {
		sb.WriteByte(' ')
		sb.WriteString(normalizeToken(t))
	}
	for _, p := range rb.Procedures {
		sb.WriteByte(' ')
		sb.WriteString(normalizeToken(p.Name))
	}
	var walk func(n *datatypes.DecisionNode)
	walk = func(n *datatypes.DecisionNode) {
		if n == nil {
			return
		}
		sb.WriteByte(' ')
		sb.WriteString(normalizeToken(n.Question))
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(rb.DecisionTree)
	return sb.String()
}
