package contextx

import "context"

// WithPriority returns a derived context that marks the request as
// prioritized (or explicitly not). Pacing gates receive the flag as an
// advisory hint.
//
// Example:
//
//	ctx = contextx.WithPriority(ctx, true)
func WithPriority(ctx context.Context, prioritized bool) context.Context {
	return context.WithValue(ctx, priorityKey, prioritized)
}

// PriorityFromContext reports whether ctx carries the prioritized flag.
// It returns false when no flag is present.
func PriorityFromContext(ctx context.Context) bool {
	p, _ := ctx.Value(priorityKey).(bool)
	return p
}
