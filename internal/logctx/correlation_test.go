package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	buf.Reset()

	return rec
}

func TestCorrelationHandler(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	spanCtx, span := tp.Tracer("test").Start(context.Background(), "download")
	defer span.End()

	tests := []struct {
		name        string
		ctx         context.Context
		wantRequest string
		wantTrace   bool
	}{
		{name: "background", ctx: context.Background()},
		{name: "api request", ctx: WithRequestID(context.Background(), "req-1"), wantRequest: "req-1"},
		{name: "download span", ctx: spanCtx, wantTrace: true},
		{name: "request and span", ctx: WithRequestID(spanCtx, "req-2"), wantRequest: "req-2", wantTrace: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
			logger.InfoContext(tt.ctx, "download queued", "lesson_id", "l1")

			rec := decodeRecord(t, &buf)
			assert.Equal(t, "l1", rec["lesson_id"])

			if tt.wantRequest != "" {
				assert.Equal(t, tt.wantRequest, rec["request_id"])
			} else {
				assert.NotContains(t, rec, "request_id")
			}

			if !tt.wantTrace {
				assert.NotContains(t, rec, "trace_id")
				assert.NotContains(t, rec, "span_id")

				return
			}

			sc := span.SpanContext()
			assert.Equal(t, sc.TraceID().String(), rec["trace_id"])
			assert.Equal(t, sc.SpanID().String(), rec["span_id"])
		})
	}
}

func TestCorrelationHandler_KeepsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).
		With("task_id", "t1").
		WithGroup("transfer")

	logger.InfoContext(WithRequestID(context.Background(), "req-1"), "downloading lesson", "offset", 0)

	rec := decodeRecord(t, &buf)
	assert.Equal(t, "t1", rec["task_id"])

	group, ok := rec["transfer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req-1", group["request_id"], "added inside the open group")
	assert.InDelta(t, 0, group["offset"], 0)
}

func TestNewCorrelationHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewCorrelationHandler(nil) })
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "req-1", RequestID(WithRequestID(context.Background(), "req-1")))
}
