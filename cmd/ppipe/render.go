// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
)

// =============================================================================
// SNAPSHOT RENDERING
// =============================================================================

// renderSnapshot writes a human-readable health report. With styled set,
// status verdicts are colored for terminals; without it the same layout is
// emitted as plain text for pipes and logs.
func renderSnapshot(w io.Writer, snap *health.Snapshot, styled bool) {
	header := "personal-pipeline"
	verdict := string(snap.Status)
	if styled {
		header = styleHeader.Render(header)
		verdict = statusStyle(snap.Status).Render(verdict)
	}
	fmt.Fprintf(w, "%s  %s  (%.0f%% of components healthy)\n",
		header, verdict, snap.HealthPercent)
	fmt.Fprintf(w, "checked %s in %dms\n\n",
		snap.CheckedAt.Format(time.RFC3339), snap.ElapsedMs)

	fmt.Fprintln(w, sectionTitle("components", styled))
	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		comp := snap.Components[name]
		fmt.Fprintf(w, "  %-14s %s  %s\n",
			name, statusCell(comp.Status, styled), dimText(comp.Detail, styled))
	}

	perf := snap.Performance
	if perf.SampleCount > 0 {
		fmt.Fprintf(w, "\n%s\n", sectionTitle("performance", styled))
		fmt.Fprintf(w, "  p95 %.1fms, error rate %.1f%%, heap %.1f MiB over %d samples\n",
			perf.P95Ms, perf.ErrorRate*100, float64(perf.HeapBytes)/(1<<20), perf.SampleCount)
	}

	if len(snap.Sources) > 0 {
		fmt.Fprintf(w, "\n%s\n", sectionTitle("sources", styled))
		for _, src := range snap.Sources {
			detail := fmt.Sprintf("%d docs, %dms", src.DocumentCount, src.ResponseTime)
			if src.BreakerState != "" {
				detail += ", breaker " + src.BreakerState
			}
			if src.ErrorMessage != "" {
				detail = src.ErrorMessage
			}
			fmt.Fprintf(w, "  %-14s %s  %s\n",
				src.SourceName, sourceCell(src.Healthy, styled), dimText(detail, styled))
		}
	}
}

func sectionTitle(s string, styled bool) string {
	if styled {
		return styleHeader.Render(s)
	}
	return s
}

// statusCell pads before styling so ANSI escapes do not skew the columns.
func statusCell(s health.Status, styled bool) string {
	cell := fmt.Sprintf("%-9s", string(s))
	if styled {
		return statusStyle(s).Render(cell)
	}
	return cell
}

func sourceCell(healthy bool, styled bool) string {
	if healthy {
		return statusCell(health.StatusHealthy, styled)
	}
	return statusCell(health.StatusUnhealthy, styled)
}

func dimText(s string, styled bool) string {
	if styled && s != "" {
		return styleDim.Render(s)
	}
	return s
}
