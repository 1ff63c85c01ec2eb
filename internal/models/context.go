package models

import (
	"context"
	"time"
)

type runContextKey struct{}

// RunContext carries the identity of a reconciliation run through context
// so downstream components (journal, logs) can tag their output without
// widening every call signature.
type RunContext struct {
	RunId       string    // uuid assigned when the run starts
	Trigger     string    // "schedule", "api" or "cli"
	WindowStart time.Time // inclusive
	WindowEnd   time.Time // exclusive
}

// WithRunContext attaches run data to a context.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// GetRunContext retrieves run data from context, or nil if absent.
func GetRunContext(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}
