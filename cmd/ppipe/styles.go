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
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
)

// =============================================================================
// TERMINAL STYLING
// =============================================================================

var (
	colorHealthy   = lipgloss.Color("42")  // green
	colorDegraded  = lipgloss.Color("214") // amber
	colorUnhealthy = lipgloss.Color("196") // red
	colorDim       = lipgloss.Color("245")
	colorAccent    = lipgloss.Color("75") // steel blue
)

var (
	styleHeader    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	styleDim       = lipgloss.NewStyle().Foreground(colorDim)
	styleHealthy   = lipgloss.NewStyle().Bold(true).Foreground(colorHealthy)
	styleDegraded  = lipgloss.NewStyle().Bold(true).Foreground(colorDegraded)
	styleUnhealthy = lipgloss.NewStyle().Bold(true).Foreground(colorUnhealthy)
)

// statusStyle picks the verdict color for a health status.
func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return styleHealthy
	case health.StatusDegraded:
		return styleDegraded
	default:
		return styleUnhealthy
	}
}

// isTTY reports whether stdout is an interactive terminal. Styled output
// and the watch dashboard are reserved for humans; pipes get plain text.
func isTTY() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
