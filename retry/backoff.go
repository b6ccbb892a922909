// Package retry provides a generic retry helper with exponential backoff and
// jitter for client-side gRPC invocations, e.g. callers that back off after
// a pacing rejection. It is never installed inside server interceptors.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// maxShift keeps 2^attempt finite; any realistic MaxDelay is reached first.
const maxShift = 62

// backoff returns the delay before retry number attempt (0-indexed):
// BaseDelay doubled per attempt, capped at MaxDelay, then spread by up to
// ±Jitter of itself using unit, a source of values in [0, 1).
func backoff(cfg Config, attempt int, unit func() float64) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	delay := math.Ldexp(float64(cfg.BaseDelay), min(attempt, maxShift))
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter > 0 && unit != nil {
		delay *= 1 + cfg.Jitter*(2*unit()-1)
	}
	return time.Duration(math.Max(delay, 0))
}

func jitterSource(cfg Config) func() float64 {
	if cfg.Jitter <= 0 {
		return nil
	}
	return rand.Float64
}
