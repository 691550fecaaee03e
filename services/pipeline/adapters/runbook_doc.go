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
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// ParseRunbookJSON decodes a structured runbook and validates it.
// Adapters use this for JSON files or payloads that claim to be
// runbooks; the Validation error tells the caller to fall back to plain
// document handling.
func ParseRunbookJSON(raw []byte, sourceName string) (*datatypes.Runbook, error) {
	var rb datatypes.Runbook
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, pperr.Wrap(pperr.CodeValidation, "runbook JSON does not decode", err)
	}
	if err := rb.Validate(); err != nil {
		return nil, pperr.Wrap(pperr.CodeValidation, "runbook fails validation", err)
	}
	rb.SourceName = sourceName
	return &rb, nil
}

// ParseRunbookYAML decodes a YAML runbook by bridging through JSON, so
// the wire tags stay the only source of field names. Anything that does
// not survive the bridge is not a runbook.
func ParseRunbookYAML(raw []byte, sourceName string) (*datatypes.Runbook, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, pperr.Wrap(pperr.CodeValidation, "runbook YAML does not parse", err)
	}
	bridged, err := json.Marshal(tree)
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeValidation, "runbook YAML does not map to the runbook shape", err)
	}
	return ParseRunbookJSON(bridged, sourceName)
}

// RunbookSearchText flattens a runbook into the text the lexical index
// sees: triggers, procedure names and descriptions, decision questions.
// The title is tokenized separately by the caller.
func RunbookSearchText(rb *datatypes.Runbook) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(rb.Triggers, " "))
	for _, p := range rb.Procedures {
		sb.WriteByte(' ')
		sb.WriteString(p.Name)
		sb.WriteByte(' ')
		sb.WriteString(p.Description)
	}
	var walk func(n *datatypes.DecisionNode)
	walk = func(n *datatypes.DecisionNode) {
		if n == nil {
			return
		}
		sb.WriteByte(' ')
		sb.WriteString(n.Question)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(rb.DecisionTree)
	return sb.String()
}
