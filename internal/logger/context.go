package logger

import "context"

type contextKey string

const TraceIDKey contextKey = "trace_id"
const ResourceIDKey contextKey = "resource_id"

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

func WithResourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ResourceIDKey, id)
}

func GetResourceID(ctx context.Context) string {
	if id, ok := ctx.Value(ResourceIDKey).(string); ok {
		return id
	}
	return ""
}
