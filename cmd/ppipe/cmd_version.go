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
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// =============================================================================
// BUILD METADATA
// =============================================================================

// Injected at build time via -ldflags "-X main.version=... -X main.commit=...
// -X main.buildDate=...". The defaults identify a from-source build.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var versionJSON bool

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run:   runVersionCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false,
		"Print build information as JSON")
	rootCmd.AddCommand(versionCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runVersionCommand(cmd *cobra.Command, args []string) {
	if versionJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
			"go_version": runtime.Version(),
		})
		return
	}

	fmt.Printf("ppipe %s (commit %s, built %s, %s)\n",
		version, commit, buildDate, runtime.Version())
}
