package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a text or JSON slog logger writing to w at level.
// Unknown levels fall back to info.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by the log section.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	return NewLogger(c.Level, c.Format, w)
}
