package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level represents the minimum log level
type Level slog.Level

// Available log levels
const (
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

// Format selects the output encoding of a StructuredLogger.
type Format string

const (
	// FormatText is human readable, colorized when writing to a terminal.
	FormatText Format = "text"

	// FormatJSON emits one JSON object per record.
	FormatJSON Format = "json"
)

// Options configures a StructuredLogger.
type Options struct {
	Level  Level
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer
}

// StructuredLogger implements the Logger interface using slog
type StructuredLogger struct {
	logger *slog.Logger
}

// NewWithOptions returns a StructuredLogger configured by opts.
func NewWithOptions(opts Options) *StructuredLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var handler slog.Handler
	switch opts.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.Level(opts.Level)})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			NoColor:    !isTerminal(out),
			TimeFormat: time.Kitchen,
			Level:      slog.Level(opts.Level),
		})
	}
	return &StructuredLogger{logger: slog.New(handler)}
}

// Slog returns the underlying slog.Logger.
func (l *StructuredLogger) Slog() *slog.Logger {
	return l.logger
}

func (l *StructuredLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, withCaller(args...)...)
}

func (l *StructuredLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, withCaller(args...)...)
}

func (l *StructuredLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, withCaller(args...)...)
}

func (l *StructuredLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, withCaller(args...)...)
}

func (l *StructuredLogger) With(args ...any) Logger {
	return &StructuredLogger{logger: l.logger.With(args...)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func withCaller(args ...any) []any {
	const callerSkip = 2 // Skip withCaller and the logging function
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		caller := formatCaller(file, line)
		return append([]any{"caller", caller}, args...)
	}
	return args
}

func formatCaller(file string, line int) string {
	// Take the last two path components for readability
	parts := strings.Split(file, "/")
	switch len(parts) {
	case 0:
		return "unknown"
	case 1:
		return fmt.Sprintf("%s:%d", parts[0], line)
	default:
		return fmt.Sprintf("%s/%s:%d",
			parts[len(parts)-2],
			parts[len(parts)-1],
			line)
	}
}
