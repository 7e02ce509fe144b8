package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignal(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceSignal(context.Background(), "produce", 42, "conn-1")
	AddSpanAttributes(ctx, RoomIDKey.String("r1"))
	RecordError(ctx, errors.New("transport not ready"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.produce", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "produce", attrs[MethodKey].AsString())
	assert.Equal(t, int64(42), attrs[RequestIDKey].AsInt64())
	assert.Equal(t, "conn-1", attrs[SessionIDKey].AsString())
	assert.Equal(t, "r1", attrs[RoomIDKey].AsString())
}

func TestTraceRecording(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceRecording(context.Background(), "p1", "video")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "p1", attrs[ProducerIDKey].AsString())
	assert.Equal(t, "video", attrs[MediaKindKey].AsString())
}

func TestHelpers_NoopWithoutSpan(t *testing.T) {
	ctx := context.Background()
	AddSpanAttributes(ctx, RoomIDKey.String("r1"))
	RecordError(ctx, errors.New("ignored"))
}
