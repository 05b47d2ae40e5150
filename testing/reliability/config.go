package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Producer goroutines for concurrent tests
	LogCapacity   int           // Activation log capacity under test
}

// getReliabilityConfig reads configuration from environment variables.
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         getEnv("INFERZ_RELIABILITY_LEVEL", ""),
		Duration:      parseDuration(getEnv("INFERZ_RELIABILITY_DURATION", "30s")),
		MaxGoroutines: parseInt(getEnv("INFERZ_RELIABILITY_MAX_GOROUTINES", "100"), 100),
		LogCapacity:   parseInt(getEnv("INFERZ_RELIABILITY_LOG_CAPACITY", "64"), 64),
	}
}

// runFor returns how long a sustained test runs at the configured level.
func (c ReliabilityConfig) runFor() time.Duration {
	if c.Level == "stress" {
		return c.Duration
	}
	return 500 * time.Millisecond
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses a positive integer with default fallback.
func parseInt(s string, def int) int {
	if value, err := strconv.Atoi(s); err == nil && value > 0 {
		return value
	}
	return def
}

// parseDuration parses duration from string with default fallback.
func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil {
		return duration
	}
	return 30 * time.Second
}

// skipUnlessEnabled skips reliability tests unless a level is set.
func skipUnlessEnabled(t interface{ Skip(...any) }, config ReliabilityConfig) {
	if config.Level == "" {
		t.Skip("INFERZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
}
