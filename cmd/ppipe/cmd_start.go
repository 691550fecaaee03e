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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/PersonalPipeline/pkg/logging"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/server"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var startConfigPath string

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Personal Pipeline server",
	Long: `Starts the server: creates the configured sources, opens the cache
and feedback stores, and serves the API until SIGINT or SIGTERM.

The configuration file is resolved from --config, then $PPIPE_CONFIG,
then ./config.yaml. Run 'ppipe init' to generate one.`,
	Run: runStartCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	startCmd.Flags().StringVarP(&startConfigPath, "config", "c", "",
		"Config file path (default ./config.yaml, or $PPIPE_CONFIG)")
	rootCmd.AddCommand(startCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runStartCommand loads configuration, assembles the server and blocks
// until a termination signal. Configuration problems exit 1, runtime
// failures exit 2.
func runStartCommand(cmd *cobra.Command, args []string) {
	path := config.ResolvePath(startConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ppipe: "+err.Error())
		os.Exit(exitConfig)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Server.LogLevel),
		LogDir:  cfg.Server.LogDir,
		Service: "personal-pipeline",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	srv, err := server.New(cfg, logger)
	if err != nil {
		slog.Error("server assembly failed", "error", err, "config", path)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(exitRuntime)
	}
}
