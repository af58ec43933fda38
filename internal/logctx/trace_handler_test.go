package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{})))
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandler_NoCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	newJSONLogger(&buf).InfoContext(context.Background(), "plain", "key", "value")

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "job_id")
	assert.Equal(t, "plain", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	var buf bytes.Buffer
	newJSONLogger(&buf).InfoContext(ctx, "traced")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_WithJobID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithJobID(context.Background(), "1700000000123")

	newJSONLogger(&buf).WarnContext(ctx, "binary failed")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "1700000000123", entry["job_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "updater")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("release")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(WithJobID(context.Background(), "7"), "checked", "tag", "2024.01.01")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "updater", entry["component"])

	group, ok := entry["release"].(map[string]any)
	require.True(t, ok, "expected release group in %s", buf.String())
	assert.Equal(t, "2024.01.01", group["tag"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))

	_, ok := JobIDFromContext(context.Background())
	assert.False(t, ok)
}
