package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	tenantIDKey  ctxKey = "tenant_id"
	runIDKey     ctxKey = "run_id"
	actorKey     ctxKey = "actor"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return valueOf(ctx, requestIDKey)
}

func WithTenantID(ctx stdcontext.Context, tenantID string) stdcontext.Context {
	return withValue(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx stdcontext.Context) string {
	return valueOf(ctx, tenantIDKey)
}

func WithRunID(ctx stdcontext.Context, runID string) stdcontext.Context {
	return withValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx stdcontext.Context) string {
	return valueOf(ctx, runIDKey)
}

// WithActor marks the component acting on behalf of the request, e.g. "scheduler".
func WithActor(ctx stdcontext.Context, actor string) stdcontext.Context {
	return withValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx stdcontext.Context) string {
	return valueOf(ctx, actorKey)
}

func withValue(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func valueOf(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
