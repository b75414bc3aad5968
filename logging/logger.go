// Package logging wraps log/slog with the conventions used across the sync
// core: component and operation scoping, structured SyncError attributes and
// environment driven configuration.
package logging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-record-sync/errors"
)

// Logger is a thin wrapper around slog.Logger with sync-specific helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level" yaml:"level"`             // trace, debug, info, warn, error
	Format      string    `json:"format" yaml:"format"`           // text, json
	AddSource   bool      `json:"add_source" yaml:"add_source"`   // include file:line
	Environment string    `json:"environment" yaml:"environment"` // development, production, test
	Output      io.Writer `json:"-" yaml:"-"`                     // defaults to os.Stderr
}

// DefaultConfig is used by Default when Init has not been called.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "text",
	Environment: EnvDevelopment,
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Operation is logged under the "operation" key.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is logged under the "component" key.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer renders a SyncError as a structured group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Component != "" {
		attrs = append(attrs, slog.String("component", e.Component))
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", string(e.Code)))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	if len(e.Metadata) > 0 {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Attr{Key: "metadata", Value: slog.GroupValue(meta...)})
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a logger from config.
func NewLogger(config Config) *Logger {
	level, _ := ParseLevel(config.Level)
	return &Logger{Logger: slog.New(newHandler(config, level))}
}

func newHandler(config Config, level slog.Leveler) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	if config.Format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 8}))}
}

// Init replaces the process-wide logger and slog's default.
func Init(config Config) *Logger {
	l := NewLogger(config)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
	return l
}

// Default returns the process-wide logger, initializing it from
// DefaultConfig on first use.
func Default() *Logger {
	defaultMu.Lock()
	l := defaultLogger
	defaultMu.Unlock()
	if l == nil {
		return Init(DefaultConfig)
	}
	return l
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs err at error level. A SyncError anywhere in the chain is
// expanded into a "sync_error" group; the caller's location is attached.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)

	var syncErr *errors.SyncError
	if stderrors.As(err, &syncErr) {
		args = append(args, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		caller := []any{slog.String("file", file), slog.Int("line", line)}
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = append(caller, slog.String("function", fn.Name()))
		}
		args = append(args, slog.Group("caller", caller...))
	}

	for _, a := range attrs {
		args = append(args, a)
	}
	l.ErrorContext(ctx, msg, args...)
}

// LogOperation runs fn and logs its outcome and duration.
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)
	opLogger.DebugContext(ctx, "operation started")

	if err := fn(); err != nil {
		opLogger.LogError(ctx, err, "operation failed", slog.Duration("duration", time.Since(start)))
		return err
	}

	opLogger.DebugContext(ctx, "operation completed", slog.Duration("duration", time.Since(start)))
	return nil
}

// WithComponent scopes the default logger to a component.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

// LogError logs through the default logger.
func LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	Default().LogError(ctx, err, msg, attrs...)
}
