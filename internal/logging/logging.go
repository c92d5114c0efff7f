// Package logging configures the process-wide logger for sandtrace's
// own diagnostics. The merged output stream owns stdout, so diagnostics
// always go to stderr where they cannot corrupt a piped trace.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs the default slog logger at the given level and returns
// it. Level strings follow slog's text form (debug, info, warn, error,
// offsets like warn+2 included); anything unparseable falls back to
// info rather than failing, since a bad log level should never block a
// run.
func Setup(level string) *slog.Logger {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	slog.SetDefault(log)
	return log
}

// ParseLevel maps a level string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
