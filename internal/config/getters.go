// Package config provides functions for reading config settings from ENV.
//
// Every getter falls back to its default when the variable is unset, blank, or cannot
// be parsed, so a typo in the environment never panics at startup. The typed config
// structs built from these getters validate the resolved values afterwards.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it carries anything.
// Values coming from .env style sources often end with stray whitespace or newlines.
func lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))

	return value, value != ""
}

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Parameters:
//   - key[string]: Name of the environment variable as a string
//   - defaultValue[string]: The default value to return in-case no environment variable is set
//
// Example:
//
//	host := GetEnvStr("DB_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value, ok := lookup(key); ok {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set.
//
// Example:
//
//	port := GetEnvInt("PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	if value, ok := lookup(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvInt64 returns an int64 environment variable value or a default if not set.
//
// Example:
//
//	limit := GetEnvInt64("EVENTSINK_MAX_REQUEST_SIZE", 16<<20)
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value, ok := lookup(key); ok {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts: "true", "1", "yes", "on" as true; "false", "0", "no", "off" as false (case-insensitive).
//
// Example:
//
//	enabled := GetEnvBool("EVENTSINK_RATE_LIMIT_ENABLED", true)
func GetEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns a duration environment variable value or a default if not set.
// Values use time.ParseDuration syntax ("500ms", "30s", "5m").
//
// Example:
//
//	timeout := GetEnvDuration("DB_CONNECT_TIMEOUT", 5*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel returns a slog level environment variable value or a default if not set.
//
// Example:
//
//	level := GetEnvLogLevel("EVENTSINK_LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(value) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of trimmed strings.
// Empty values are filtered out.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
