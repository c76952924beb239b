// Package logging builds the daemon's structured logger around a shared
// slog.LevelVar so SIGHUP reload can change verbosity without restarting.
package logging

import (
	"log/slog"
	"os"

	"github.com/wfb-go/gofpvlink/internal/config"
)

// New creates a structured logger for cfg's format, and the *slog.LevelVar
// driving its level. Pass the returned LevelVar to Reload on every SIGHUP
// so log verbosity tracks the reloaded configuration.
func New(cfg config.LogConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

// Reload updates level in place to match cfg's configured level, and
// returns the previous level so the caller can log the transition.
func Reload(level *slog.LevelVar, cfg config.LogConfig) slog.Level {
	old := level.Level()
	level.Set(config.ParseLogLevel(cfg.Level))
	return old
}
