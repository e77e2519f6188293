package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a configured level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, NewConfigError("logging.level", fmt.Sprintf("unknown level %q", level))
	}
}

// NewLogger builds a logger from the logging configuration. The returned
// close function releases the output file, if any.
func NewLogger(c *LoggingConfig) (*slog.Logger, func() error, error) {
	if c == nil {
		c = &LoggingConfig{}
	}
	c.SetDefaults()

	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer
	closer := func() error { return nil }
	switch c.Output {
	case "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output: %w", err)
		}
		out = f
		closer = f.Close
	}

	return slog.New(newHandler(out, c.Format, level)), closer, nil
}

// NewLoggerTo builds a logger writing to w, mostly useful in tests.
func NewLoggerTo(w io.Writer, format string, level slog.Level) *slog.Logger {
	return slog.New(newHandler(w, format, level))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
