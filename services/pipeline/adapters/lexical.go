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
	"strings"
	"unicode"
)

// stopwords are dropped during tokenization; they carry no signal for
// operational queries.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "s": true,
	"the": true, "to": true, "was": true, "what": true, "when": true,
	"where": true, "with": true,
}

// Tokenize lowercases text and splits it on non-alphanumeric runes,
// dropping stopwords and single-character fragments. Hyphens and
// underscores split too, so "disk-full" matches "disk full".
//
// Every adapter kind tokenizes with this function so lexical scores are
// comparable when the pipeline merges results.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet returns the unique tokens of text.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		set[tok] = true
	}
	return set
}

// CoverageScore rates how well a document's tokens cover the query.
//
// # Description
//
// Coverage-based: the fraction of query tokens present in the document,
// with title hits weighted double, normalized against the best case of
// every query token hitting both title and body. Returns 0 and no
// reasons when nothing matches.
func CoverageScore(qTokens []string, titleTokens, bodyTokens map[string]bool) (float64, []string) {
	if len(qTokens) == 0 {
		return 0, nil
	}
	titleHits, bodyHits := 0, 0
	for _, tok := range qTokens {
		if titleTokens[tok] {
			titleHits++
		}
		if bodyTokens[tok] {
			bodyHits++
		}
	}

	score := float64(2*titleHits+bodyHits) / float64(3*len(qTokens))
	if score <= 0 {
		return 0, nil
	}

	var reasons []string
	if titleHits > 0 {
		reasons = append(reasons, fmt.Sprintf("title matches %d/%d terms", titleHits, len(qTokens)))
	}
	if bodyHits > 0 {
		reasons = append(reasons, fmt.Sprintf("content matches %d/%d terms", bodyHits, len(qTokens)))
	}
	return score, reasons
}
