// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ppipe runs and operates the Personal Pipeline server.
//
// Usage:
//
//	ppipe init                    # generate a starter config interactively
//	ppipe start                   # run the server (./config.yaml or $PPIPE_CONFIG)
//	ppipe start -c /etc/ppipe.yaml
//	ppipe healthcheck             # one-shot health probe of a running server
//	ppipe healthcheck --watch     # live terminal dashboard
//	ppipe healthcheck --json      # machine-readable snapshot
//	ppipe version
//
// Exit codes: 0 ok, 1 configuration error, 2 runtime error, 3 unhealthy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, stable for scripting.
const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitUnhealthy = 3
)

var rootCmd = &cobra.Command{
	Use:   "ppipe",
	Short: "Operational knowledge retrieval for incident response",
	Long: `Personal Pipeline serves runbooks, procedures, decision trees and
escalation paths from your own documentation sources, ranked for the
incident at hand and cached for the moment the monitoring stack is on fire.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		os.Exit(exitConfig)
	}
}
