// Package logging configures the process-wide structured logger.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Log is the application-wide logger. Components should derive a child
// logger via Component(Log, "name") rather than using this directly, so
// tests can inject a buffer-backed logger instead.
var Log zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	Log = New(os.Getenv("LOG_LEVEL"), "newsvault.log")
}

// New builds a logger at the given level (empty defaults to "info"),
// writing JSON to stdout and, if logPath is non-empty and writable, also
// to a file.
func New(level string, logPath string) zerolog.Logger {
	w := io.Writer(os.Stdout)
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w = io.MultiWriter(os.Stdout, f)
		}
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			lvl = parsed
		}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
}

// Component returns a child logger tagged with the given component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithTrace enriches base with trace_id/span_id pulled from ctx, when ctx
// carries a span context with a trace id (as requests arriving through the
// otelhttp-instrumented server do). A context without a trace id returns
// base unchanged.
func WithTrace(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	l := base.With().Str("trace_id", sc.TraceID().String())
	if sc.HasSpanID() {
		l = l.Str("span_id", sc.SpanID().String())
	}
	return l.Logger()
}
