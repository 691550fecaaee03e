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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/datatypes"
)

// searchKey derives the deterministic cache identifier for one search
// invocation: a SHA-256 over the normalized query, the canonicalized
// filter set and the classified intent. Identical questions hash to
// identical keys regardless of filter declaration order, so they
// coalesce on one singleflight slot and one cache entry.
func searchKey(normalized string, filters *datatypes.SearchFilters, intent Intent) string {
	var sb strings.Builder
	sb.WriteString("q=")
	sb.WriteString(normalized)
	sb.WriteString("\x00intent=")
	sb.WriteString(string(intent))
	writeFilters(&sb, filters)
	return digest(sb.String())
}

// runbookKey derives the cache identifier for one runbook search. The
// affected systems and context hints are part of the question: the same
// alert against different systems may rank different runbooks.
func runbookKey(alert string, severity datatypes.Severity, systems []string, alertContext map[string]string, limit int) string {
	var sb strings.Builder
	sb.WriteString("alert=")
	sb.WriteString(alert)
	sb.WriteString("\x00sev=")
	sb.WriteString(string(severity))

	sorted := append([]string(nil), systems...)
	sort.Strings(sorted)
	sb.WriteString("\x00sys=")
	sb.WriteString(strings.Join(sorted, ","))

	keys := make([]string, 0, len(alertContext))
	for k := range alertContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteString("\x00ctx=")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(alertContext[k])
		sb.WriteByte(';')
	}
	fmt.Fprintf(&sb, "\x00limit=%d", limit)
	return digest(sb.String())
}

func writeFilters(sb *strings.Builder, f *datatypes.SearchFilters) {
	if f == nil {
		return
	}
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	sb.WriteString("\x00kinds=")
	sb.WriteString(strings.Join(kinds, ","))

	cats := make([]string, 0, len(f.Categories))
	for _, c := range f.Categories {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	sb.WriteString("\x00cats=")
	sb.WriteString(strings.Join(cats, ","))

	fmt.Fprintf(sb, "\x00age=%d\x00min=%g\x00limit=%d", int64(f.MaxAge), f.MinConfidence, f.Limit)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
