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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

func TestSplitFrontMatter(t *testing.T) {
	fm, body := splitFrontMatter([]byte("---\ntitle: Hello\ntags: [a, b]\n---\nBody text.\n"))
	require.NotNil(t, fm)
	assert.Equal(t, "Hello", fm.Title)
	assert.Equal(t, []string{"a", "b"}, fm.Tags)
	assert.Equal(t, "Body text.\n", string(body))
}

func TestSplitFrontMatterAbsent(t *testing.T) {
	raw := []byte("# Just Markdown\n\nNo header here.\n")
	fm, body := splitFrontMatter(raw)
	assert.Nil(t, fm)
	assert.Equal(t, raw, body)
}

func TestSplitFrontMatterMalformedIsBody(t *testing.T) {
	raw := []byte("---\nkey: [unclosed\n---\nBody.\n")
	fm, body := splitFrontMatter(raw)
	assert.Nil(t, fm)
	assert.Equal(t, raw, body, "unparseable headers fall through as content")

	raw = []byte("---\ntitle: Unterminated\nno closing fence")
	fm, body = splitFrontMatter(raw)
	assert.Nil(t, fm)
	assert.Equal(t, raw, body)
}

func TestSplitFrontMatterNotAtByteZero(t *testing.T) {
	raw := []byte("\n---\ntitle: Late\n---\nBody.\n")
	fm, _ := splitFrontMatter(raw)
	assert.Nil(t, fm, "header must start the file")
}

func TestParseCategoryFrontMatterWins(t *testing.T) {
	fm := &frontMatter{Category: "guide"}
	assert.Equal(t, datatypes.CategoryGuide, parseCategory(fm, "runbooks/doc.md"))

	fm = &frontMatter{Category: "not-a-category"}
	assert.Equal(t, datatypes.CategoryRunbook, parseCategory(fm, "runbooks/doc.md"),
		"unknown categories fall back to the path convention")

	assert.Equal(t, datatypes.CategoryGeneral, parseCategory(nil, "misc/notes.md"))
}
