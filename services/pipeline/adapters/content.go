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
	"path"
	"strings"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// DocExts are the file extensions adapters treat as documentation when
// walking a tree of files.
var DocExts = map[string]bool{
	".md":   true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".txt":  true,
}

// CategoryFromPath maps a slash path onto a document category using
// directory conventions, e.g. runbooks/disk.md → runbook. Paths that
// follow no convention are general.
func CategoryFromPath(relPath string) datatypes.Category {
	for _, part := range strings.Split(path.Clean(strings.ReplaceAll(relPath, "\\", "/")), "/") {
		if c, ok := CategoryFromLabel(part); ok {
			return c
		}
	}
	return datatypes.CategoryGeneral
}

// CategoryFromLabel maps a single tag or directory name onto a category.
// Sources with label metadata (wikis, web endpoints) share the same
// vocabulary as path conventions.
func CategoryFromLabel(label string) (datatypes.Category, bool) {
	switch strings.ToLower(label) {
	case "runbooks", "runbook":
		return datatypes.CategoryRunbook, true
	case "procedures", "procedure":
		return datatypes.CategoryProcedure, true
	case "decision_trees", "decision-trees", "decision_tree", "decision-tree":
		return datatypes.CategoryDecisionTree, true
	case "guides", "guide", "howto", "how-to":
		return datatypes.CategoryGuide, true
	}
	return "", false
}

// TitleFromBody takes the first Markdown heading, or the first
// non-empty line, as the document title.
func TitleFromBody(body []byte, fallback string) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		if line != "" {
			return line
		}
	}
	return fallback
}

// MakeExcerpt trims body text to the excerpt budget on a word boundary.
func MakeExcerpt(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= datatypes.MaxExcerptBytes {
		return body
	}
	cut := body[:datatypes.MaxExcerptBytes]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
