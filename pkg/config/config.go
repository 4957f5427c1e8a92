package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key, value string, err error) {
	slog.Warn("invalid config value, using default", "key", key, "value", value, "error", err)
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetInt64 is GetInt for byte sizes and other wide values.
func GetInt64(key string, fallback int64) int64 {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetFloat retrieves an environment variable as float64 or returns fallback.
func GetFloat(key string, fallback float64) float64 {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetDuration reads a whole number of units, e.g. APM_QUERY_TIMEOUT_SECONDS=15
// with unit time.Second. A Go duration string such as "1m30s" is also accepted.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}
