package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"ingest-queue/internal/config"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithContextIDs(t *testing.T) {
	var buf bytes.Buffer
	log, flush, err := New(config.Log{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	defer flush()

	ctx := WithRunID(context.Background(), "run-1")
	ctx = context.WithValue(ctx, middleware.RequestIDKey, "req-1")
	log.InfoContext(ctx, "job completed", slog.Int64("job_id", 7))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job completed", rec["msg"])
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.EqualValues(t, 7, rec["job_id"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(config.Log{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_InvalidSettings(t *testing.T) {
	_, _, err := New(config.Log{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, _, err = New(config.Log{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := newMultiHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	log := slog.New(h).With(slog.String("component", "worker"))

	log.Info("info line")
	log.Error("error line")

	assert.Contains(t, a.String(), "info line")
	assert.Contains(t, a.String(), "error line")
	assert.NotContains(t, b.String(), "info line")
	assert.Contains(t, b.String(), "component=worker")
}
