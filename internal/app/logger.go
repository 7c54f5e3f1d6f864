package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. LOG_FORMAT selects JSON or text
// output; outside production the level drops to Debug so check and
// invalidation traces are visible during development.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
	}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
