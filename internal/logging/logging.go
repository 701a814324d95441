// Package logging builds the process-wide structured logger. Output is
// one JSON object per line on stdout so collectors need no parser config.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON slog logger at the given level. Debug level
// also annotates records with their source location, which is worth the
// cost only when someone is actively digging.
func NewLogger(level string) *slog.Logger {
	lvl := ParseLevel(level)
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})
	return slog.New(h)
}

// ParseLevel maps the config string to a slog level; unknown values fall
// back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
