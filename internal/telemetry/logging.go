package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger builds a structured logger at the named level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info. Production environments
// log JSON while dev keeps the text handler.
func NewLogger(env, level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if env == "dev" || env == "" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With(slog.String("service", service))
}
