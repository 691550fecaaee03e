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
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
)

// =============================================================================
// WATCH DASHBOARD
// =============================================================================

// watchInterval is the pause between polls. Short enough to catch a breaker
// trip as it happens, long enough not to be a load source itself.
const watchInterval = 3 * time.Second

type snapMsg struct {
	snap *health.Snapshot
	err  error
}

type tickMsg time.Time

// watchModel polls /health on an interval and renders the latest snapshot.
// A failed poll keeps the previous snapshot on screen with the error above
// it, so a flapping server is visible as a flap rather than a blank screen.
type watchModel struct {
	client   *http.Client
	base     string
	spin     spinner.Model
	snap     *health.Snapshot
	err      error
	fetched  time.Time
	quitting bool
}

func newWatchModel(client *http.Client, base string) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorAccent)

	return watchModel{client: client, base: base, spin: sp}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch())
}

// fetch returns a command that performs one poll off the UI goroutine.
func (m watchModel) fetch() tea.Cmd {
	client, base := m.client, m.base
	return func() tea.Msg {
		snap, err := fetchHealth(client, base)
		return snapMsg{snap: snap, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
		return m, nil

	case snapMsg:
		m.err = msg.err
		if msg.snap != nil {
			m.snap = msg.snap
		}
		m.fetched = time.Now()
		return m, tea.Tick(watchInterval, func(t time.Time) tea.Msg {
			return tickMsg(t)
		})

	case tickMsg:
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.spin, cmd = m.spin.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s watching %s\n\n", m.spin.View(), styleDim.Render(m.base))

	switch {
	case m.err != nil:
		b.WriteString(styleUnhealthy.Render("unreachable") + "  " + m.err.Error() + "\n")
		if m.snap != nil {
			b.WriteString(styleDim.Render("showing last good snapshot") + "\n\n")
			renderSnapshot(&b, m.snap, true)
		}
	case m.snap != nil:
		renderSnapshot(&b, m.snap, true)
	default:
		b.WriteString(styleDim.Render("waiting for the first snapshot") + "\n")
	}

	if !m.fetched.IsZero() {
		fmt.Fprintf(&b, "\n%s\n", styleDim.Render("last poll "+m.fetched.Format("15:04:05")))
	}
	b.WriteString(styleDim.Render("r refresh, q quit") + "\n")
	return b.String()
}

// runWatch runs the dashboard until the user quits, then derives the exit
// code from the final state the same way the one-shot probe does.
func runWatch(client *http.Client, base string) int {
	final, err := tea.NewProgram(newWatchModel(client, base)).Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		return exitRuntime
	}

	m, ok := final.(watchModel)
	if !ok || m.snap == nil {
		return exitRuntime
	}
	if m.err != nil {
		return exitRuntime
	}
	return exitCodeFor(m.snap)
}
