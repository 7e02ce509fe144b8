package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	sessionIDKey
	roomIDKey
)

// WithRequestID stores the signaling request id in ctx.
func WithRequestID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSessionID stores the signaling connection id in ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithRoomID stores the room id in ctx.
func WithRoomID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying the ids found in ctx, including the active trace id.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	var kv []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		kv = append(kv, "trace_id", sc.TraceID().String())
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		kv = append(kv, "session_id", id)
	}
	if id, ok := ctx.Value(roomIDKey).(string); ok {
		kv = append(kv, "room_id", id)
	}
	if id, ok := ctx.Value(requestIDKey).(uint64); ok {
		kv = append(kv, "request_id", id)
	}

	if len(kv) == 0 {
		return cl.logger
	}
	return cl.logger.With(kv...)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, keysAndValues ...interface{}) {
	cl.For(ctx).With("error", err).Errorw(message, keysAndValues...)
}

// LogInfo logs info message with context
func (cl *ContextLogger) LogInfo(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.For(ctx).Infow(message, keysAndValues...)
}

// LogDebug logs debug message with context
func (cl *ContextLogger) LogDebug(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.For(ctx).Debugw(message, keysAndValues...)
}

// LogWarn logs warning message with context
func (cl *ContextLogger) LogWarn(ctx context.Context, message string, keysAndValues ...interface{}) {
	cl.For(ctx).Warnw(message, keysAndValues...)
}
