package inferz

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "OTEL_INFERRED_SPANS"

// legacyEnvPrefix is still honoured, with a deprecation warning.
const legacyEnvPrefix = "ELASTIC_OTEL_INFERRED_SPANS"

// Diagnostic file compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config holds the profiler configuration.
type Config struct {
	Enabled               bool             `envconfig:"ENABLED" default:"false"`
	LoggingEnabled        bool             `envconfig:"LOGGING_ENABLED" default:"true"`
	LogLevel              string           `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment        bool             `envconfig:"LOG_DEVELOPMENT" default:"false"`
	BackupDiagnosticFiles bool             `envconfig:"BACKUP_DIAGNOSTIC_FILES" default:"false"`
	SafeMode              int              `envconfig:"SAFE_MODE" default:"0"`
	SafeModeBackoff       time.Duration    `envconfig:"SAFE_MODE_BACKOFF" default:"0s"`
	PostProcessingEnabled bool             `envconfig:"POST_PROCESSING_ENABLED" default:"true"`
	SamplingInterval      time.Duration    `envconfig:"SAMPLING_INTERVAL" default:"50ms"`
	MinDuration           time.Duration    `envconfig:"MIN_DURATION" default:"0s"`
	IncludedClasses       WildcardMatchers `envconfig:"INCLUDED_CLASSES" default:"*"`
	ExcludedClasses       WildcardMatchers `envconfig:"EXCLUDED_CLASSES" default:"runtime.*,runtime/*,testing.*,github.com/zoobzio/inferz*"`
	Interval              time.Duration    `envconfig:"INTERVAL" default:"5s"`
	Duration              time.Duration    `envconfig:"DURATION" default:"5s"`
	DiagnosticDirectory   string           `envconfig:"DIAGNOSTIC_DIRECTORY"`
	DiagnosticCompression string           `envconfig:"DIAGNOSTIC_COMPRESSION" default:"none"`
	ActivationLogCapacity int              `envconfig:"ACTIVATION_LOG_CAPACITY" default:"1024"`
	StopTimeout           time.Duration    `envconfig:"STOP_TIMEOUT" default:"5s"`
}

// configKeys lists the variable suffixes, used for legacy migration.
var configKeys = []string{
	"ENABLED", "LOGGING_ENABLED", "LOG_LEVEL", "LOG_DEVELOPMENT",
	"BACKUP_DIAGNOSTIC_FILES", "SAFE_MODE", "SAFE_MODE_BACKOFF",
	"POST_PROCESSING_ENABLED", "SAMPLING_INTERVAL", "MIN_DURATION",
	"INCLUDED_CLASSES", "EXCLUDED_CLASSES", "INTERVAL", "DURATION",
	"DIAGNOSTIC_DIRECTORY", "DIAGNOSTIC_COMPRESSION",
	"ACTIVATION_LOG_CAPACITY", "STOP_TIMEOUT",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LoggingEnabled:        true,
		LogLevel:              "info",
		PostProcessingEnabled: true,
		SamplingInterval:      50 * time.Millisecond,
		IncludedClasses:       ParseWildcards("*"),
		ExcludedClasses:       ParseWildcards("runtime.*,runtime/*,testing.*,github.com/zoobzio/inferz*"),
		Interval:              5 * time.Second,
		Duration:              5 * time.Second,
		DiagnosticDirectory:   os.TempDir(),
		DiagnosticCompression: CompressionNone,
		ActivationLogCapacity: 1024,
		StopTimeout:           5 * time.Second,
	}
}

// LoadConfig loads configuration from the environment. Variables still
// using the legacy prefix are applied when the current name is unset; their
// names are returned so the caller can warn about them.
func LoadConfig() (Config, []string, error) {
	migrated := migrateLegacyEnv()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, migrated, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.DiagnosticDirectory == "" {
		cfg.DiagnosticDirectory = os.TempDir()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, migrated, err
	}
	return cfg, migrated, nil
}

func migrateLegacyEnv() []string {
	var migrated []string
	for _, key := range configKeys {
		current := EnvPrefix + "_" + key
		legacy := legacyEnvPrefix + "_" + key
		value, ok := os.LookupEnv(legacy)
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(current); set {
			continue
		}
		if err := os.Setenv(current, value); err == nil {
			migrated = append(migrated, legacy)
		}
	}
	return migrated
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.SamplingInterval <= 0:
		return fmt.Errorf("%w: sampling interval must be positive, got %s", ErrInvalidConfig, c.SamplingInterval)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %s", ErrInvalidConfig, c.Duration)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	case c.Duration > c.Interval:
		return fmt.Errorf("%w: duration %s exceeds interval %s", ErrInvalidConfig, c.Duration, c.Interval)
	case c.SamplingInterval > c.Duration:
		return fmt.Errorf("%w: sampling interval %s exceeds duration %s", ErrInvalidConfig, c.SamplingInterval, c.Duration)
	case c.MinDuration < 0:
		return fmt.Errorf("%w: min duration must not be negative", ErrInvalidConfig)
	case c.SafeMode < 0:
		return fmt.Errorf("%w: safe mode retry bound must not be negative", ErrInvalidConfig)
	case c.SafeModeBackoff < 0:
		return fmt.Errorf("%w: safe mode backoff must not be negative", ErrInvalidConfig)
	case c.ActivationLogCapacity <= 0:
		return fmt.Errorf("%w: activation log capacity must be positive", ErrInvalidConfig)
	case c.StopTimeout <= 0:
		return fmt.Errorf("%w: stop timeout must be positive", ErrInvalidConfig)
	case c.DiagnosticCompression != CompressionNone && c.DiagnosticCompression != CompressionZstd:
		return fmt.Errorf("%w: unknown diagnostic compression %q", ErrInvalidConfig, c.DiagnosticCompression)
	}
	return nil
}

// FrameFilter returns the include/exclude filter of the configuration.
func (c *Config) FrameFilter() FrameFilter {
	return FrameFilter{Included: c.IncludedClasses, Excluded: c.ExcludedClasses}
}

// LogConfig returns the logging part of the configuration.
func (c *Config) LogConfig() LogConfig {
	return LogConfig{
		Enabled:     c.LoggingEnabled,
		Level:       c.LogLevel,
		Development: c.LogDevelopment,
	}
}
