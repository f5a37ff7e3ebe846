package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level, serviceName, env)
}

// NewLoggerTo builds the JSON service logger on an arbitrary writer.
func NewLoggerTo(w io.Writer, level string, serviceName string, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
