package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/freekieb7/stockroom/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	handler := NewMultiHandler(
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(handler).With("component", "test").WithGroup("req")

	logger.Debug("detail", "id", 1)
	logger.Warn("careful", "id", 2)

	assert.Contains(t, debug.String(), "detail")
	assert.Contains(t, debug.String(), "careful")
	assert.Contains(t, debug.String(), "component=test")
	assert.Contains(t, debug.String(), "req.id=2")
	assert.NotContains(t, warn.String(), "detail")
	assert.Contains(t, warn.String(), "careful")

	assert.True(t, handler.Enabled(context.Background(), slog.LevelDebug))
}

func TestNew_Production(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	cfg := config.Config{
		Server:    config.ServerConfig{Environment: config.EnvironmentProduction},
		Telemetry: config.TelemetryConfig{ServiceName: "stockroom", ServiceVersion: "1.2.3"},
	}

	logger := New(cfg, &buf)
	logger.Debug("hidden")
	logger.Info("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "stockroom", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, logger, slog.Default())
}

func TestNew_WithTelemetry(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	cfg := config.Config{
		Server:    config.ServerConfig{Environment: config.EnvironmentDevelopment},
		Telemetry: config.TelemetryConfig{Enabled: true, ServiceName: "stockroom"},
	}

	logger := New(cfg, &buf)
	_, ok := logger.Handler().(*MultiHandler)
	assert.True(t, ok)

	logger.Debug("to both")
	assert.Contains(t, buf.String(), "to both")
}
