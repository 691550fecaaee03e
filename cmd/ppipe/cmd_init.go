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
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	initOutput string // where the generated file lands
	initForce  bool   // overwrite without asking
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a starter configuration interactively",
	Long: `Walks through the handful of decisions a first deployment needs
(port, documentation directory, cache strategy, feedback storage) and
writes a commented starter config.

Credentials never go in the file: sources reference environment
variables, and the generated file shows the pattern in its comments.`,
	Run: runInitCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", config.DefaultPath,
		"Where to write the configuration file")
	initCmd.Flags().BoolVar(&initForce, "force", false,
		"Overwrite an existing file without asking")
	rootCmd.AddCommand(initCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// initAnswers holds the wizard's choices. The zero value is never used;
// defaultInitAnswers pre-fills the form.
type initAnswers struct {
	Port     string
	DocsRoot string
	Strategy string
	Feedback bool
}

func defaultInitAnswers() initAnswers {
	return initAnswers{
		Port:     "12250",
		DocsRoot: "./docs",
		Strategy: "memory_only",
	}
}

func runInitCommand(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		overwrite := false
		prompt := huh.NewConfirm().
			Title(initOutput + " already exists. Overwrite it?").
			Value(&overwrite)
		if err := prompt.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
			os.Exit(exitConfig)
		}
		if !overwrite {
			fmt.Println("keeping the existing file")
			return
		}
	}

	ans := defaultInitAnswers()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP port").
				Description("The API listens here. 12250 is the default.").
				Value(&ans.Port).
				Validate(validatePort),
			huh.NewInput().
				Title("Documentation directory").
				Description("A file source indexes runbooks and docs under this directory.").
				Value(&ans.DocsRoot).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("a directory is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Cache strategy").
				Description("hybrid adds a Redis tier once REDIS_URL is set.").
				Options(
					huh.NewOption("memory only", "memory_only"),
					huh.NewOption("hybrid (memory + Redis)", "hybrid"),
				).
				Value(&ans.Strategy),
			huh.NewConfirm().
				Title("Record resolution feedback?").
				Description("Stores which runbooks actually resolved incidents, on local disk.").
				Value(&ans.Feedback),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		os.Exit(exitConfig)
	}

	text := renderStarterConfig(ans)

	// The template is parsed through the real loader before it is written,
	// so a schema drift surfaces here instead of on the user's first start.
	if _, err := config.Parse([]byte(text)); err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: generated config does not validate: "+err.Error())
		os.Exit(exitRuntime)
	}

	if err := os.WriteFile(initOutput, []byte(text), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		os.Exit(exitRuntime)
	}

	fmt.Printf("wrote %s\n\nnext: ppipe start --config %s\n", initOutput, initOutput)
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

// renderStarterConfig fills the commented template with the wizard's
// answers. Separate from the wizard so tests can check the output parses.
func renderStarterConfig(ans initAnswers) string {
	var b strings.Builder

	b.WriteString("# Personal Pipeline configuration.\n")
	b.WriteString("#\n")
	b.WriteString("# Credentials never live in this file: sources name environment\n")
	b.WriteString("# variables instead (token_env, password_env, ...) and the server\n")
	b.WriteString("# resolves them at startup.\n")
	b.WriteString("schema_version: \"1.0.0\"\n\n")

	fmt.Fprintf(&b, "server:\n  host: 0.0.0.0\n  port: %s\n  log_level: info\n\n",
		strings.TrimSpace(ans.Port))

	b.WriteString("cache:\n  enabled: true\n")
	fmt.Fprintf(&b, "  strategy: %s\n", ans.Strategy)
	if ans.Strategy == "hybrid" {
		b.WriteString("  distributed:\n")
		b.WriteString("    # Flip to true once Redis is reachable, or just set REDIS_URL.\n")
		b.WriteString("    enabled: false\n")
		b.WriteString("    url: redis://localhost:6379\n")
	}
	b.WriteString("  content_types:\n")
	b.WriteString("    runbooks:\n")
	b.WriteString("      ttl: 1h\n")
	b.WriteString("      warmup: true\n\n")

	fmt.Fprintf(&b, "feedback:\n  enabled: %t\n", ans.Feedback)
	if ans.Feedback {
		b.WriteString("  dir: ./data/feedback\n")
	}
	b.WriteString("\n")

	b.WriteString("sources:\n")
	b.WriteString("  - name: local-docs\n")
	b.WriteString("    kind: file\n")
	b.WriteString("    enabled: true\n")
	b.WriteString("    priority: 1\n")
	b.WriteString("    refresh_interval: 5m\n")
	b.WriteString("    settings:\n")
	b.WriteString("      roots:\n")
	fmt.Fprintf(&b, "        - %q\n", ans.DocsRoot)
	b.WriteString("\n")
	b.WriteString("  # Other kinds: git_host, wiki, database, web. For example:\n")
	b.WriteString("  # - name: team-wiki\n")
	b.WriteString("  #   kind: wiki\n")
	b.WriteString("  #   settings:\n")
	b.WriteString("  #     base_url: https://wiki.example.com/rest/api\n")
	b.WriteString("  #   auth:\n")
	b.WriteString("  #     type: bearer_token\n")
	b.WriteString("  #     token_env: WIKI_TOKEN\n")

	return b.String()
}
