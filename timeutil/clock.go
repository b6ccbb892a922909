// Package timeutil provides the millisecond time source shared by the pacing
// gate and the load sampler. It is a thin layer over [clock.Clock] so that
// tests can drive time with [clock.NewMock].
package timeutil

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// Clock reports a monotonic millisecond reading. The reading is anchored to
// the wall clock when the Clock is created and advanced by the underlying
// clock's elapsed time, so it never moves backwards on the real clock.
type Clock struct {
	base   clock.Clock
	anchor time.Time
	epoch  int64
}

// New wraps c. A nil c falls back to the real-time clock.
func New(c clock.Clock) Clock {
	if c == nil {
		c = clock.Realtime()
	}
	anchor := c.Now()
	return Clock{base: c, anchor: anchor, epoch: anchor.UnixMilli()}
}

// Realtime returns a Clock backed by the system clock.
func Realtime() Clock {
	return New(clock.Realtime())
}

// NowMillis returns the current time in milliseconds.
func (c Clock) NowMillis() int64 {
	if c.base == nil {
		return time.Now().UnixMilli()
	}
	return c.epoch + c.base.Since(c.anchor).Milliseconds()
}

// Base returns the underlying clock.
func (c Clock) Base() clock.Clock {
	if c.base == nil {
		return clock.Realtime()
	}
	return c.base
}

// Sleep blocks the calling goroutine for d or until ctx is done, whichever
// comes first. It returns ctx.Err() when the wait was cut short.
func (c Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.Base().NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
