package ratelimit

import (
	"os"
	"strconv"
	"time"
)

// Default admission policy: 5 requests per fixed 60-second window.
const (
	DefaultLimit  = 5
	DefaultWindow = 60 * time.Second
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	Limit           int
	Window          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the default admission policy.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Limit:           DefaultLimit,
		Window:          DefaultWindow,
		CleanupInterval: 5 * time.Minute,
	}
}

// LoadConfig loads rate limiting configuration from environment variables,
// falling back to defaults for anything unset.
func LoadConfig() *Config {
	enabled := getEnvBool("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{Enabled: false}
	}

	return &Config{
		Enabled:         true,
		Limit:           getEnvInt("RATE_LIMIT_MAX_REQUESTS", DefaultLimit),
		Window:          getEnvDuration("RATE_LIMIT_WINDOW", DefaultWindow),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
	}
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
