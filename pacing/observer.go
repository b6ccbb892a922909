package pacing

import "time"

// Reason explains how a decision was reached.
type Reason int

const (
	// ReasonNoop: the request asked for no units.
	ReasonNoop Reason = iota
	// ReasonFastPath: the schedule had slack and the request passed at once.
	ReasonFastPath
	// ReasonQueued: a slot was reserved and the caller waited for it.
	ReasonQueued
	// ReasonQueueFull: the wait would have exceeded the queueing bound.
	ReasonQueueFull
	// ReasonQueueFullAfterReserve: the bound was exceeded once the slot was
	// reserved; the reservation was rolled back.
	ReasonQueueFullAfterReserve
	// ReasonCancelled: the caller's context ended while waiting; the
	// reservation was rolled back.
	ReasonCancelled
	// ReasonStateError: the shared state could not be read or written and
	// the request was let through.
	ReasonStateError
)

var reasonNames = [...]string{
	ReasonNoop:                  "noop",
	ReasonFastPath:              "fast_path",
	ReasonQueued:                "queued",
	ReasonQueueFull:             "queue_full",
	ReasonQueueFullAfterReserve: "queue_full_after_reserve",
	ReasonCancelled:             "cancelled",
	ReasonStateError:            "state_error",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// Decision describes the outcome of a single CanPass call.
type Decision struct {
	Admitted bool
	Wait     time.Duration
	Reason   Reason
}

// Observer receives gate events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	OnDecision(gate string, d Decision)
	OnRateChange(gate string, old, next float64)
}

type nopObserver struct{}

func (nopObserver) OnDecision(string, Decision)           {}
func (nopObserver) OnRateChange(string, float64, float64) {}
