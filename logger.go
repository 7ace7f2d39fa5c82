package hps

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with hps-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithModel adds a model field to the logger.
func (l *Logger) WithModel(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("model", name),
	}
}

// WithTable adds a table id field to the logger.
func (l *Logger) WithTable(id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", id),
	}
}

// WithReplica adds a replica id field to the logger.
func (l *Logger) WithReplica(id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("replica", id),
	}
}

// LogInit logs the outcome of hierarchy initialization.
func (l *Logger) LogInit(ctx context.Context, replicaID, numReplicas int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "init failed",
			"replica", replicaID,
			"replicas", numReplicas,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "init completed",
			"replica", replicaID,
			"replicas", numReplicas,
		)
	}
}

// LogForward logs a forward lookup.
func (l *Logger) LogForward(ctx context.Context, model string, tableID, replicaID, numKeys int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "forward failed",
			"model", model,
			"table", tableID,
			"replica", replicaID,
			"keys", numKeys,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "forward completed",
			"model", model,
			"table", tableID,
			"replica", replicaID,
			"keys", numKeys,
			"duration", d,
		)
	}
}

// LogShutdown logs the shutdown outcome.
func (l *Logger) LogShutdown(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shutdown failed", "error", err)
	} else {
		l.InfoContext(ctx, "shutdown completed")
	}
}
