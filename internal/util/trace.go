package util

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// TraceHeader 是调用方传入或服务端回写 Trace ID 的 HTTP 头
const TraceHeader = "X-Trace-ID"

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 生成一个 32 位十六进制的 Trace ID
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中，并返回一个新的 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// LoggerWithTrace 在 Context 带有 Trace ID 时为日志附加 trace_id 字段
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if traceID, ok := TraceIDFromContext(ctx); ok {
		return logger.With("trace_id", traceID)
	}
	return logger
}
