// Package contextx carries per-request pacing data through a context: the
// advisory priority flag read by gates, and the admission record left by the
// pacing stage for handlers and later interceptors.
package contextx

type contextKey int

const (
	priorityKey contextKey = iota
	admissionKey
)
