// Package config reads racer settings from the environment.
package config

import (
	"log"
	"os"
	"strconv"
)

// GetString returns the environment variable's value, or fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses the environment variable as an integer. Unparseable values
// fall back rather than abort startup.
func GetInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

// GetBool parses the environment variable as a boolean. Unparseable values
// fall back rather than abort startup.
func GetBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("config: %s=%q is not a boolean, using %t", key, value, fallback)
		return fallback
	}
	return parsed
}
