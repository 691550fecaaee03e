// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileadapter

import (
	"bytes"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/adapters"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// frontMatter is the YAML header recognized on Markdown and text files.
type frontMatter struct {
	Title           string            `yaml:"title"`
	Category        string            `yaml:"category"`
	Tags            []string          `yaml:"tags"`
	Author          string            `yaml:"author"`
	Updated         time.Time         `yaml:"updated"`
	Triggers        []string          `yaml:"triggers"`
	SeverityMapping map[string]string `yaml:"severity_mapping"`
}

var frontMatterFence = []byte("---")

// splitFrontMatter separates a leading YAML header from the body.
//
// The header must start at byte zero with a `---` line and end with the
// next `---` line. Files without a header return a nil frontMatter and
// the raw bytes unchanged; a malformed header is treated as body rather
// than failing the file.
func splitFrontMatter(raw []byte) (*frontMatter, []byte) {
	trimmed := bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")) // BOM
	if !bytes.HasPrefix(trimmed, frontMatterFence) {
		return nil, raw
	}
	rest := trimmed[len(frontMatterFence):]
	if len(rest) == 0 || (rest[0] != '\n' && !bytes.HasPrefix(rest, []byte("\r\n"))) {
		return nil, raw
	}

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, raw
	}
	header := rest[:end]
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}

	var fm frontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, raw
	}
	return &fm, body
}

// parseCategory resolves the effective category: explicit front matter
// wins, then the path convention.
func parseCategory(fm *frontMatter, relPath string) datatypes.Category {
	if fm != nil && fm.Category != "" {
		switch datatypes.Category(strings.ToLower(fm.Category)) {
		case datatypes.CategoryRunbook:
			return datatypes.CategoryRunbook
		case datatypes.CategoryProcedure:
			return datatypes.CategoryProcedure
		case datatypes.CategoryDecisionTree:
			return datatypes.CategoryDecisionTree
		case datatypes.CategoryGuide:
			return datatypes.CategoryGuide
		case datatypes.CategoryGeneral:
			return datatypes.CategoryGeneral
		}
	}
	return adapters.CategoryFromPath(relPath)
}
