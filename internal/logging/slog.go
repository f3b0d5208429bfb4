package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// Op returns the operational logger used by clients, connections and workers.
// It is separate from the call Logger which records individual invocations.
func Op() *slog.Logger {
	return opLogger.Load()
}

// OpContext returns the operational logger annotated with the trace and span
// ids of the span in ctx, if any.
func OpContext(ctx context.Context) *slog.Logger {
	l := opLogger.Load()
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// Configure replaces the operational logger with one writing format ("text"
// or "json") to w at level.
func Configure(w io.Writer, format, level string) error {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	SetLevelFromString(level)
	opLogger.Store(slog.New(handler))
	return nil
}

// InitStructured configures the operational logger on stderr.
func InitStructured(format, level string) error {
	return Configure(os.Stderr, format, level)
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// Level returns the shared level var so custom handlers can follow SetLevel.
func Level() *slog.LevelVar {
	return logLevel
}

// SetLevelFromString sets the log level from a string. Unknown or empty
// values leave it unchanged.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}
