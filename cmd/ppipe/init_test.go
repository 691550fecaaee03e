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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/config"
)

func TestStarterConfigParsesAndHonorsAnswers(t *testing.T) {
	t.Setenv(config.EnvRedisURL, "")
	t.Setenv(config.EnvLogLevel, "")

	ans := initAnswers{
		Port:     "9000",
		DocsRoot: "./ops/runbooks",
		Strategy: "hybrid",
		Feedback: true,
	}
	text := renderStarterConfig(ans)

	cfg, err := config.Parse([]byte(text))
	require.NoError(t, err, "the generated template must survive the real loader")

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hybrid", cfg.Cache.Strategy)
	assert.False(t, cfg.Cache.Distributed.Enabled,
		"hybrid starts memory-only until Redis is switched on")
	assert.True(t, cfg.Feedback.Enabled)

	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "local-docs", src.Name)
	assert.Equal(t, "file", src.Kind)
	assert.True(t, src.Enabled)

	var fs config.FileSettings
	require.NoError(t, src.DecodeSettings(&fs))
	require.Len(t, fs.Roots, 1)
	assert.Equal(t, "./ops/runbooks", fs.Roots[0])
}

func TestStarterConfigDefaultsStayMinimal(t *testing.T) {
	t.Setenv(config.EnvRedisURL, "")
	t.Setenv(config.EnvLogLevel, "")

	text := renderStarterConfig(defaultInitAnswers())
	assert.NotContains(t, text, "distributed:",
		"memory_only needs no distributed block")

	cfg, err := config.Parse([]byte(text))
	require.NoError(t, err)

	assert.Equal(t, 12250, cfg.Server.Port)
	assert.Equal(t, "memory_only", cfg.Cache.Strategy)
	assert.False(t, cfg.Feedback.Enabled,
		"the wizard's feedback answer overrides the compiled default")

	policy, ok := cfg.Cache.ContentTypes["runbooks"]
	require.True(t, ok)
	assert.True(t, policy.Warmup)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, validatePort("12250"))
	assert.NoError(t, validatePort(" 8080 "))

	assert.Error(t, validatePort("0"))
	assert.Error(t, validatePort("65536"))
	assert.Error(t, validatePort("http"))
	assert.Error(t, validatePort(""))
}
