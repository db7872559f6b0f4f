// Package now provides a single point of access to the current time that
// can be overridden from a context.Context, so that components with
// timing-sensitive logic (the run id allocator, the shard monitor's wedge
// detector) can be driven deterministically in tests.
package now

import (
	"context"
	"time"
)

type contextKeyType string

// ContextKey is the context.Context key under which a fixed time.Time or a
// NowProvider may be installed.
const ContextKey contextKeyType = "now.Now"

// NowProvider is a function that returns the current time; installing one
// under ContextKey lets a test supply a moving, but still deterministic,
// clock.
type NowProvider func() time.Time

// Now returns the time.Time stored in the context, if any, otherwise
// time.Now(). Panics if ctx carries a ContextKey value of an unsupported
// type.
func Now(ctx context.Context) time.Time {
	v := ctx.Value(ContextKey)
	if v == nil {
		return time.Now()
	}
	switch val := v.(type) {
	case time.Time:
		return val
	case NowProvider:
		return val()
	default:
		panic("now: context value for ContextKey must be a time.Time or NowProvider")
	}
}

// Set returns a new context with a fixed time.Time installed.
func Set(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKey, t)
}

// SetProvider returns a new context with a NowProvider installed.
func SetProvider(ctx context.Context, p NowProvider) context.Context {
	return context.WithValue(ctx, ContextKey, p)
}
