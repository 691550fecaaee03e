// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"strings"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
)

// Intent is the categorical classification of a query's operational
// purpose. It drives the deadline class and is exported in results and
// metrics.
type Intent string

const (
	IntentEmergencyResponse Intent = "emergency_response"
	IntentFindRunbook       Intent = "find_runbook"
	IntentEscalationPath    Intent = "escalation_path"
	IntentGetProcedure      Intent = "get_procedure"
	IntentTroubleshoot      Intent = "troubleshoot"
	IntentStatusCheck       Intent = "status_check"
	IntentConfiguration     Intent = "configuration"
	IntentGeneralSearch     Intent = "general_search"
)

// Classification is the classifier's verdict for one query.
type Classification struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords,omitempty"`
}

// intentRule binds vocabulary to an intent. Phrases match by substring
// on the normalized query; words match whole tokens, so "down" does not
// fire on "download". Rules are evaluated in table order and the first
// rule with any hit wins.
type intentRule struct {
	intent     Intent
	confidence float64
	phrases    []string
	words      []string
	expand     []string
}

// intentRules is ordered by urgency, then by how specific the
// vocabulary is. Emergency vocabulary must win over troubleshooting
// ("production down, critical errors" is a page, not a debugging
// session), and configuration must be tried before find_runbook so
// "configure alerting" reads as a settings question rather than an
// alert response.
var intentRules = []intentRule{
	{
		intent:     IntentEmergencyResponse,
		confidence: 0.90,
		phrases:    []string{"production down", "data loss", "all users", "major incident", "full outage", "sev 1"},
		words:      []string{"outage", "emergency", "critical", "down", "sev1", "p1", "incident"},
		expand:     []string{"incident", "mitigate", "rollback", "page"},
	},
	{
		intent:     IntentEscalationPath,
		confidence: 0.85,
		phrases:    []string{"who do i call", "who is on call", "chain of command"},
		words:      []string{"escalate", "escalation", "oncall", "page", "notify", "contacts"},
		expand:     []string{"escalation", "oncall", "contacts"},
	},
	{
		intent:     IntentConfiguration,
		confidence: 0.75,
		phrases:    []string{"set up", "how to configure"},
		words:      []string{"configure", "configuration", "config", "setting", "settings", "tune", "tuning", "parameter", "enable", "disable"},
		expand:     []string{"configuration", "settings", "defaults"},
	},
	{
		intent:     IntentFindRunbook,
		confidence: 0.85,
		phrases:    []string{"respond to alert", "alert response"},
		words:      []string{"runbook", "playbook", "alert", "alerts", "firing"},
		expand:     []string{"runbook", "triggers", "response"},
	},
	{
		intent:     IntentGetProcedure,
		confidence: 0.80,
		phrases:    []string{"how do i", "how to", "step by step"},
		words:      []string{"procedure", "steps", "instructions", "walkthrough", "checklist"},
		expand:     []string{"procedure", "steps", "prerequisites"},
	},
	{
		intent:     IntentStatusCheck,
		confidence: 0.75,
		phrases:    []string{"is it up", "is it running"},
		words:      []string{"status", "health", "healthy", "uptime", "availability"},
		expand:     []string{"status", "health", "dashboard"},
	},
	{
		intent:     IntentTroubleshoot,
		confidence: 0.70,
		phrases:    []string{"root cause", "why is", "why are"},
		words:      []string{"troubleshoot", "troubleshooting", "debug", "debugging", "diagnose", "investigate", "error", "errors", "failing", "fails", "failure", "failures", "broken", "slow", "leak", "crash", "crashing"},
		expand:     []string{"diagnose", "logs", "symptoms"},
	},
}

// fallbackConfidence is reported when no rule fires and the query falls
// through to general_search.
const fallbackConfidence = 0.5

// ClassifyIntent maps a normalized query to an operational intent.
//
// # Description
//
// Deterministic rule table over an operational vocabulary. Confidence
// starts at the winning rule's base and rises slightly when several of
// its terms hit. Expanded keywords are the rule's expansion terms minus
// any already present in the query; they widen the semantic layer's
// concepts and are surfaced in the result, but never reach the
// adapters' lexical matching.
//
// # Inputs
//
//   - normalized: the query after Normalize, may not be empty
//
// # Outputs
//
//   - Classification: never zero; unmatched queries are general_search
func ClassifyIntent(normalized string) Classification {
	tokens := adapters.TokenSet(normalized)

	for _, rule := range intentRules {
		hits := 0
		for _, p := range rule.phrases {
			if strings.Contains(normalized, p) {
				hits++
			}
		}
		for _, w := range rule.words {
			if tokens[w] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}

		conf := rule.confidence + 0.05*float64(hits-1)
		if conf > 0.95 {
			conf = 0.95
		}
		var keywords []string
		for _, k := range rule.expand {
			if !tokens[k] {
				keywords = append(keywords, k)
			}
		}
		return Classification{Intent: rule.intent, Confidence: conf, Keywords: keywords}
	}

	return Classification{Intent: IntentGeneralSearch, Confidence: fallbackConfidence}
}
