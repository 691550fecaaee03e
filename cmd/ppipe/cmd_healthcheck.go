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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthJSON    bool          // emit the raw snapshot as indented JSON
	healthWatch   bool          // keep polling and render a live dashboard
	healthServer  string        // base URL of the server to probe
	healthTimeout time.Duration // per-request timeout
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running server's health endpoint",
	Long: `Fetches /health from a running server and reports the verdict.

The exit code reflects the result: 0 when healthy or degraded, 3 when
unhealthy, 2 when the server cannot be reached. With --watch the command
keeps polling and renders a live dashboard until interrupted.`,
	Run: runHealthcheckCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	healthcheckCmd.Flags().BoolVar(&healthJSON, "json", false,
		"Print the raw health snapshot as JSON")
	healthcheckCmd.Flags().BoolVarP(&healthWatch, "watch", "w", false,
		"Poll continuously and render a live dashboard")
	healthcheckCmd.Flags().StringVarP(&healthServer, "server", "s", "http://127.0.0.1:12250",
		"Base URL of the server to probe")
	healthcheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second,
		"Per-request timeout")
	rootCmd.AddCommand(healthcheckCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runHealthcheckCommand(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: healthTimeout}
	base := strings.TrimRight(healthServer, "/")

	if healthWatch {
		os.Exit(runWatch(client, base))
	}

	snap, err := fetchHealth(client, base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		os.Exit(exitRuntime)
	}

	if healthJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
			os.Exit(exitRuntime)
		}
	} else {
		renderSnapshot(os.Stdout, snap, isTTY())
	}

	os.Exit(exitCodeFor(snap))
}

// fetchHealth retrieves one health snapshot from base + "/health".
//
// The server answers 200 for healthy/degraded and 503 for unhealthy, with
// the snapshot in the body either way, so both statuses decode. Anything
// else is an error.
func fetchHealth(client *http.Client, base string) (*health.Snapshot, error) {
	resp, err := client.Get(base + "/health")
	if err != nil {
		return nil, pperr.Wrap(pperr.CodeUnavailable, "server unreachable at "+base, err).
			WithSuggestion("check that the server is running and --server points at it")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, pperr.Newf(pperr.CodeUnavailable,
			"unexpected status %d from %s/health", resp.StatusCode, base)
	}

	var snap health.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, pperr.Wrap(pperr.CodeUnavailable, "health response does not decode", err)
	}
	return &snap, nil
}

// exitCodeFor maps a snapshot to the command's exit code. Degraded still
// exits 0: the server is serving, operators read the detail lines.
func exitCodeFor(snap *health.Snapshot) int {
	if snap.Status == health.StatusUnhealthy {
		return exitUnhealthy
	}
	return exitOK
}
