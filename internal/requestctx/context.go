// Package requestctx provides request-scoped values set by HTTP middleware.
package requestctx

import "context"

type contextKey struct{}

var callerKey = &contextKey{}

// SetCaller stores the authenticated caller name in the context.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the caller name from context, or "" if not set.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}
