// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearFitmentEnv unsets every variable Load reads so tests start from the
// built-in defaults regardless of the developer's shell.
func clearFitmentEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FITMENT_CONFIG_FILE",
		"FITMENT_PORT",
		"OPENAI_API_KEY",
		"FITMENT_VISION_MODEL",
		"FITMENT_LITE_MODEL",
		"WEAVIATE_SERVICE_URL",
		"WEAVIATE_API_KEY",
		"FITMENT_INDEX",
		"FITMENT_PRIMARY_MARKER",
		"FITMENT_SENSITIVE_DOMAIN",
		"FITMENT_PROMPT_FILE",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"FITMENT_REQUEST_TIMEOUT",
		"FITMENT_RATE_LIMIT_RPS",
		"FITMENT_RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FITMENT_INDEX", "WheelCatalog")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gpt-4o", cfg.VisionModel)
	assert.Equal(t, "gpt-4o-mini", cfg.LiteModel)
	assert.Equal(t, "bbs_wheels", cfg.PrimaryMarker)
	assert.Equal(t, "bbswheels.com", cfg.SensitiveDomain)
	assert.Equal(t, 120, cfg.RequestTimeoutSeconds)
	assert.Equal(t, float64(1), cfg.RateLimitRPS)
	assert.Equal(t, 5, cfg.RateLimitBurst)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FITMENT_INDEX", "WheelCatalog")
	t.Setenv("FITMENT_PORT", "9090")
	t.Setenv("FITMENT_VISION_MODEL", "gpt-4.1")
	t.Setenv("WEAVIATE_SERVICE_URL", "http://weaviate:8080")
	t.Setenv("FITMENT_REQUEST_TIMEOUT", "90")
	t.Setenv("FITMENT_RATE_LIMIT_RPS", "2.5")
	t.Setenv("FITMENT_RATE_LIMIT_BURST", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "gpt-4.1", cfg.VisionModel)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, 90, cfg.RequestTimeoutSeconds)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestLoad_QuotedValuesTrimmed(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("OPENAI_API_KEY", `"sk-quoted"`)
	t.Setenv("FITMENT_INDEX", "' WheelCatalog '")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-quoted", cfg.OpenAIAPIKey)
	assert.Equal(t, "WheelCatalog", cfg.CatalogClass)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("FITMENT_INDEX", "WheelCatalog")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestLoad_MissingCatalogClass(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FITMENT_INDEX")
}

func TestLoad_YAMLFileWithEnvPrecedence(t *testing.T) {
	clearFitmentEnv(t)

	path := filepath.Join(t.TempDir(), "fitment.yaml")
	yaml := "port: \"7070\"\nlite_model: gpt-4o-mini-yaml\nprimary_marker: custom_marker\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("FITMENT_CONFIG_FILE", path)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FITMENT_INDEX", "WheelCatalog")
	t.Setenv("FITMENT_PORT", "6060")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "6060", cfg.Port, "environment overrides the file")
	assert.Equal(t, "gpt-4o-mini-yaml", cfg.LiteModel, "file overrides the defaults")
	assert.Equal(t, "custom_marker", cfg.PrimaryMarker)
}

func TestLoad_UnreadableConfigFile(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("FITMENT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FITMENT_INDEX", "WheelCatalog")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidRateLimitIgnored(t *testing.T) {
	clearFitmentEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FITMENT_INDEX", "WheelCatalog")
	t.Setenv("FITMENT_RATE_LIMIT_RPS", "not-a-number")
	t.Setenv("FITMENT_RATE_LIMIT_BURST", "-3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, float64(1), cfg.RateLimitRPS, "unparseable values fall back to defaults")
	assert.Equal(t, 5, cfg.RateLimitBurst, "non-positive values fall back to defaults")
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Port:                  "8080",
		OpenAIAPIKey:          "sk-test",
		CatalogClass:          "WheelCatalog",
		RequestTimeoutSeconds: 120,
		RateLimitRPS:          1,
		RateLimitBurst:        5,
	}
	assert.NoError(t, valid.Validate())

	noPort := *valid
	noPort.Port = ""
	assert.Error(t, noPort.Validate())

	badRate := *valid
	badRate.RateLimitRPS = 0
	assert.Error(t, badRate.Validate())

	badTimeout := *valid
	badTimeout.RequestTimeoutSeconds = 0
	assert.Error(t, badTimeout.Validate())
}
