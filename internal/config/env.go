// Package config provides environment variable configuration for modelpool.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvInt returns an environment variable as int, or the default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool returns an environment variable as bool, or the default value.
// Accepts: true, 1, yes (case insensitive) as true values.
// Accepts: false, 0, no (case insensitive) as false values.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// GetEnvDuration returns an environment variable as time.Duration, or the
// default value. Accepts Go duration strings like "10s", "5m", "2h".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetMaxRetries returns the router retry budget from MODELPOOL_MAX_RETRIES
// or the default.
func GetMaxRetries() int {
	return GetEnvInt("MODELPOOL_MAX_RETRIES", MaxRetries)
}

// GetDebugEnabled returns whether debug logging is enabled.
func GetDebugEnabled() bool {
	return GetEnvBool("DEBUG", false)
}

// GetRequestTimeout returns the outbound HTTP client timeout.
func GetRequestTimeout() time.Duration {
	return GetEnvDuration("MODELPOOL_REQUEST_TIMEOUT", 10*time.Minute)
}
