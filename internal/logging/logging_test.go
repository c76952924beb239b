package logging_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wfb-go/gofpvlink/internal/config"
	"github.com/wfb-go/gofpvlink/internal/logging"
)

func TestNewSetsInitialLevel(t *testing.T) {
	logger, level := logging.New(config.LogConfig{Level: "debug", Format: "json"})
	assert.NotNil(t, logger)
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestNewDefaultsToJSONHandler(t *testing.T) {
	logger, _ := logging.New(config.LogConfig{Level: "info", Format: "anything-else"})
	assert.NotNil(t, logger)
}

func TestReloadUpdatesLevelAndReturnsPrevious(t *testing.T) {
	_, level := logging.New(config.LogConfig{Level: "warn"})

	old := logging.Reload(level, config.LogConfig{Level: "debug"})

	assert.Equal(t, slog.LevelWarn, old)
	assert.Equal(t, slog.LevelDebug, level.Level())
}
