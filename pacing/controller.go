// Package pacing implements the adaptive admission gate.
//
// A [Gate] spaces admitted work along a shared virtual issue clock: each
// admitted unit pushes the clock forward by 1/rate seconds, callers that fit
// within the queueing bound wait for their slot, and callers that do not are
// rejected. Every rejection also grows the rate, by up to 2x, scaled down as
// CPU usage approaches [TargetCPU]. The rate never shrinks.
//
// Concurrent callers share the gate without locks. Both shared cells, the
// rate and the last issue time, are only changed through atomic
// compare-and-swap and atomic add, and the reads feeding a decision are not
// serialised against each other. Pacing is therefore statistical: two
// callers close to a boundary may both be admitted or both be rejected.
package pacing

import "context"

const (
	// DefaultRate is the initial rate, in units per second, of a gate
	// created without an explicit InitialRate.
	DefaultRate = 20.0

	// TargetCPU is the utilisation above which rate growth is damped.
	TargetCPU = 0.6
)

// Controller decides whether units of work may proceed. Implementations may
// block the caller for a bounded time before answering.
type Controller interface {
	// CanPass reports whether units may be admitted. prioritized marks
	// requests that a controller may favour; it is advisory.
	CanPass(ctx context.Context, units int, prioritized bool) bool
}

// LoadReader exposes the latest CPU utilisation in [0,1]. It must never
// block and never fail; *system.Sampler satisfies it.
type LoadReader interface {
	CurrentUsage() float64
}

// ControllerFunc adapts an ordinary function to the [Controller] interface.
type ControllerFunc func(ctx context.Context, units int, prioritized bool) bool

// CanPass calls f(ctx, units, prioritized).
func (f ControllerFunc) CanPass(ctx context.Context, units int, prioritized bool) bool {
	return f(ctx, units, prioritized)
}

// LoadFunc adapts an ordinary function to the [LoadReader] interface.
type LoadFunc func() float64

// CurrentUsage calls f().
func (f LoadFunc) CurrentUsage() float64 { return f() }
