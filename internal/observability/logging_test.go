package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/kbusd/kbusd/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerEnablesConfiguredLevel(t *testing.T) {
	logger := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestFanoutHandlerDispatchesToBothSinks(t *testing.T) {
	var local, otel bytes.Buffer
	h := fanoutHandler{
		local: slog.NewJSONHandler(&local, nil),
		otel:  slog.NewJSONHandler(&otel, nil),
	}
	logger := slog.New(h)
	logger.Info("hello", "key", "value")

	var localRec, otelRec map[string]any
	require.NoError(t, json.Unmarshal(local.Bytes(), &localRec))
	require.NoError(t, json.Unmarshal(otel.Bytes(), &otelRec))
	assert.Equal(t, "hello", localRec["msg"])
	assert.Equal(t, "hello", otelRec["msg"])
}

func TestFanoutHandlerWithAttrsAppliesToBothSinks(t *testing.T) {
	var local bytes.Buffer
	h := fanoutHandler{
		local: slog.NewJSONHandler(&local, nil),
		otel:  slog.NewJSONHandler(&bytes.Buffer{}, nil),
	}
	logger := slog.New(h).With("request_id", "abc")
	logger.Info("attached")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(local.Bytes(), &rec))
	assert.Equal(t, "abc", rec["request_id"])
}

func TestLogConfigFromMapsLevelAndFormat(t *testing.T) {
	cfg := LogConfigFrom(&config.Config{LogLevel: "warn", LogFormat: "text"})
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.True(t, cfg.OTelBridge)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 5, orDefault(0, 5))
	assert.Equal(t, 3, orDefault(3, 5))
}
