// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the fitment service configuration.
//
// Configuration is environment-first: a YAML file (FITMENT_CONFIG_FILE) may
// supply defaults, and environment variables override it. This matches how
// the service is deployed, with compose files setting env vars per
// environment and the YAML holding shared defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs to start.
type Config struct {
	// Port is the HTTP listen port.
	Port string `yaml:"port"`

	// OpenAIAPIKey authenticates against the hosted model API. Required.
	OpenAIAPIKey string `yaml:"-"`

	// VisionModel handles requests with image attachments and all
	// retrieval-fallback requests.
	VisionModel string `yaml:"vision_model"`

	// LiteModel handles plain text requests.
	LiteModel string `yaml:"lite_model"`

	// WeaviateURL is the vector database endpoint, scheme included.
	WeaviateURL string `yaml:"weaviate_url"`

	// WeaviateAPIKey authenticates against Weaviate. Optional for local
	// deployments.
	WeaviateAPIKey string `yaml:"-"`

	// CatalogClass is the Weaviate class holding the wheel catalog.
	// Required.
	CatalogClass string `yaml:"catalog_class"`

	// PrimaryMarker tags first-party catalog files: snippets whose file
	// name contains it (case-insensitively) are ordered first in the
	// prompt context.
	PrimaryMarker string `yaml:"primary_marker"`

	// SensitiveDomain is the domain whose URLs are audited after each
	// stream.
	SensitiveDomain string `yaml:"sensitive_domain"`

	// PromptFile optionally overrides the embedded instruction template.
	// The file is hot-reloaded on change.
	PromptFile string `yaml:"prompt_file"`

	// RequestTimeoutSeconds bounds each chat stream end to end, retrieval
	// and generation included.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// RateLimitRPS and RateLimitBurst shape the per-IP token bucket.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// OTLPEndpoint is the OpenTelemetry collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load builds the configuration from the optional YAML file and the
// environment, then validates it.
//
// # Outputs
//
//	*Config - Validated configuration
//	error - Non-nil if the YAML is unreadable or a required value is
//	        missing
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  "8080",
		VisionModel:           "gpt-4o",
		LiteModel:             "gpt-4o-mini",
		PrimaryMarker:         "bbs_wheels",
		SensitiveDomain:       "bbswheels.com",
		RequestTimeoutSeconds: 120,
		RateLimitRPS:          1,
		RateLimitBurst:        5,
	}

	if path := os.Getenv("FITMENT_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Values are trimmed of
// quotes and whitespace since compose files sometimes pass them literally.
func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
			*dst = v
		}
	}

	setString(&cfg.Port, "FITMENT_PORT")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.VisionModel, "FITMENT_VISION_MODEL")
	setString(&cfg.LiteModel, "FITMENT_LITE_MODEL")
	setString(&cfg.WeaviateURL, "WEAVIATE_SERVICE_URL")
	setString(&cfg.WeaviateAPIKey, "WEAVIATE_API_KEY")
	setString(&cfg.CatalogClass, "FITMENT_INDEX")
	setString(&cfg.PrimaryMarker, "FITMENT_PRIMARY_MARKER")
	setString(&cfg.SensitiveDomain, "FITMENT_SENSITIVE_DOMAIN")
	setString(&cfg.PromptFile, "FITMENT_PROMPT_FILE")
	setString(&cfg.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("FITMENT_REQUEST_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FITMENT_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("FITMENT_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitBurst = n
		}
	}
}

// Validate checks required values and basic sanity.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.CatalogClass == "" {
		return fmt.Errorf("FITMENT_INDEX (catalog class name) is required")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit values must be positive")
	}
	return nil
}
