package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log output formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger creates the process logger. Records go to stderr so that stdout
// stays free for run reports. level is one of DEBUG, INFO, WARN, ERROR and
// format is FormatText or FormatJSON.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w. Debug loggers include
// the source location.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForRun returns a child logger tagging every record with the run and
// schedule it belongs to.
func ForRun(logger *slog.Logger, runID, schedule string) *slog.Logger {
	return logger.With("run_id", runID, "schedule", schedule)
}

// ForJob returns a child logger for one job. The automation phase is only
// attached when set.
func ForJob(logger *slog.Logger, job, phase string) *slog.Logger {
	if phase == "" {
		return logger.With("job", job)
	}
	return logger.With("job", job, "phase", phase)
}
