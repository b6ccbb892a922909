package retry

import (
	"context"
	"slices"
	"time"

	"github.com/lym-ifae/Sentinel/timeutil"
	"github.com/tilinna/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config controls the retry behaviour of [Do].
type Config struct {
	// MaxAttempts is the maximum number of times fn is called (including the
	// first attempt). Values ≤ 1 mean no retries.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Subsequent retries use
	// exponential back-off: BaseDelay * 2^attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed back-off delay. Zero leaves it uncapped.
	MaxDelay time.Duration

	// Jitter adds randomness to the delay. A value of 0.2 means ±20 % of
	// the computed delay. Zero disables jitter.
	Jitter float64

	// RetryCodes lists the gRPC status codes that are considered retryable.
	// An empty list means no error is retried.
	RetryCodes []codes.Code

	// OnRetry, when set, is called before each back-off wait with the
	// 1-based number of the failed attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the back-off waits. Nil uses the real clock.
	Clock clock.Clock
}

// Rejected returns a Config that retries pacing rejections
// (ResourceExhausted) and transient unavailability up to attempts times.
// The first backoff roughly matches one slot at a few tens of requests per
// second.
func Rejected(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.2,
		RetryCodes:  []codes.Code{codes.ResourceExhausted, codes.Unavailable},
	}
}

func (cfg Config) retryable(err error) bool {
	st, ok := status.FromError(err)
	return ok && slices.Contains(cfg.RetryCodes, st.Code())
}

// Do calls fn up to cfg.MaxAttempts times, retrying only when the returned
// error carries a gRPC status code listed in cfg.RetryCodes. Between
// attempts an exponential back-off delay (with optional jitter) is applied.
//
// When the next delay would run past the deadline of ctx, Do gives up and
// returns the last error. If ctx ends during a wait, Do returns the context
// error.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)
	clk := timeutil.New(cfg.Clock)
	unit := jitterSource(cfg)

	var err error
	for i := range attempts {
		var result T
		if result, err = fn(ctx); err == nil {
			return result, nil
		}
		if i == attempts-1 || !cfg.retryable(err) {
			break
		}

		delay := backoff(cfg, i, unit)
		if deadline, ok := ctx.Deadline(); ok && deadline.Sub(clk.Base().Now()) < delay {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(i+1, err, delay)
		}
		if serr := clk.Sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}
