package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	ctx := context.Background()

	warn := NewLogger("warn")
	if warn.Enabled(ctx, slog.LevelInfo) {
		t.Error("warn logger should not emit info records")
	}
	if !warn.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn logger should emit warn records")
	}

	debug := NewLogger("debug")
	if !debug.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should emit debug records")
	}
}
