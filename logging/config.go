package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// LevelTrace is more verbose than debug.
const LevelTrace = slog.LevelDebug - 4

// GetConfigFromEnv builds a Config from LOG_LEVEL, LOG_FORMAT, ENVIRONMENT and
// LOG_ADD_SOURCE, filling gaps with per-environment defaults.
func GetConfigFromEnv() Config {
	config := Config{}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	config.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if config.Environment == "" {
		config.Environment = EnvDevelopment
	}
	addSource, addSourceSet := os.LookupEnv("LOG_ADD_SOURCE")

	switch config.Environment {
	case EnvProduction:
		if config.Format == "" {
			config.Format = "json"
		}
		if config.Level == "" {
			config.Level = "info"
		}
	case EnvTest:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
	default:
		if config.Format == "" {
			config.Format = "text"
		}
		if config.Level == "" {
			config.Level = "debug"
		}
		config.AddSource = true
	}

	if addSourceSet {
		config.AddSource = strings.EqualFold(addSource, "true")
	}
	return config
}

// ParseLevel maps a level name to a slog.Level. Unknown names yield info and
// false.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from its name and reports whether the name
// was recognised. The level is unchanged otherwise.
func (d *DynamicLevelVar) SetFromString(level string) bool {
	l, ok := ParseLevel(level)
	if !ok {
		return false
	}
	d.Set(l)
	return true
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed
// through the returned DynamicLevelVar.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	initial, _ := ParseLevel(config.Level)
	levelVar := NewDynamicLevelVar(initial)
	return &Logger{Logger: slog.New(newHandler(config, levelVar.LevelVar))}, levelVar
}
