// Package config provides configuration loading and validation for the CLI
// and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or must be provided
// via CLI flags.
type Config struct {
	// LLM provider
	APIKey   string `json:"api_key,omitempty"`  // API key for the LLM provider
	Provider string `json:"provider,omitempty"` // "gemini" or "openai"

	// Generation defaults
	TestType  string `json:"test_type,omitempty"` // unit, integration or e2e
	Framework string `json:"framework,omitempty"` // pytest, unittest, jest or mocha
	Language  string `json:"language,omitempty"`  // python, javascript or typescript

	// Storage
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL

	// Behavior
	RunCoverage bool `json:"run_coverage,omitempty"` // Execute generated tests under coverage
	Verbose     bool `json:"verbose,omitempty"`      // Print detailed stage output
	Port        int  `json:"port,omitempty"`         // HTTP server port

	// Rate limiting
	RateLimit         int `json:"rate_limit,omitempty"`          // Requests per window per user
	RateWindowSeconds int `json:"rate_window_seconds,omitempty"` // Window length in seconds
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those are handled
// by CLI flag validation after merging.
func (c *Config) Validate() error {
	if c.Provider != "" && c.Provider != "gemini" && c.Provider != "openai" {
		return fmt.Errorf("config error: 'provider' must be gemini or openai, got %q", c.Provider)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config error: 'rate_limit' must be non-negative")
	}
	if c.RateWindowSeconds < 0 {
		return fmt.Errorf("config error: 'rate_window_seconds' must be non-negative")
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from
// defaults. This is used to apply config file values as defaults for CLI
// flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.Provider == "" {
		result.Provider = defaults.Provider
	}
	if result.TestType == "" {
		result.TestType = defaults.TestType
	}
	if result.Framework == "" {
		result.Framework = defaults.Framework
	}
	if result.Language == "" {
		result.Language = defaults.Language
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}

	// Int fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.RateLimit == 0 {
		result.RateLimit = defaults.RateLimit
	}
	if result.RateWindowSeconds == 0 {
		result.RateWindowSeconds = defaults.RateWindowSeconds
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}
