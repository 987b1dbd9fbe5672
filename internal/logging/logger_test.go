package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerToFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	Component(logger, "matcher").Warn("kept", "job_id", "j1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "matcher", rec["component"])
	assert.Equal(t, "driver-dispatch", rec["service"])
	assert.Equal(t, "j1", rec["job_id"])
}

func TestContextAttrsAreAppended(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info")

	ctx := WithAttrs(context.Background(), "request_id", "r-1")
	ctx = WithAttrs(ctx, "job_id", "j9")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "r-1", rec["request_id"])
	assert.Equal(t, "j9", rec["job_id"])

	buf.Reset()
	logger.Info("no context")
	require.True(t, json.Valid(buf.Bytes()))
	assert.NotContains(t, buf.String(), "request_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel(" Debug "))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
