package log

import (
	"context"
	"strings"
)

type contextKey struct{}

// Logger is the logging interface used throughout relay. It follows slog so
// that any slog-backed implementation can be plugged in.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a Logger that adds the given attributes to every record.
	With(args ...any) Logger
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// Ctx returns the logger carried by ctx. When there is none it returns
// fallback, or a NullLogger if fallback is nil.
func Ctx(ctx context.Context, fallback Logger) Logger {
	if logger, ok := ctx.Value(contextKey{}).(Logger); ok && logger != nil {
		return logger
	}
	return OrNull(fallback)
}

// LevelFromString converts a level name to a Level. Unknown names map to
// LevelInfo.
func LevelFromString(value string) Level {
	switch strings.ToLower(value) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}
