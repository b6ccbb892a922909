package system

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
)

// ErrNoCPUTimes is returned when the host reports no aggregate CPU times.
var ErrNoCPUTimes = errors.New("system: no cpu times reported")

// Source produces a single CPU utilisation reading in [0,1].
type Source interface {
	Sample(ctx context.Context) (float64, error)
}

// SourceFunc adapts an ordinary function to the [Source] interface.
type SourceFunc func(ctx context.Context) (float64, error)

// Sample calls f(ctx).
func (f SourceFunc) Sample(ctx context.Context) (float64, error) {
	return f(ctx)
}

// hostCPU computes whole-machine utilisation from the delta between two
// consecutive readings of the aggregate CPU times.
type hostCPU struct {
	times func(ctx context.Context, percpu bool) ([]cpu.TimesStat, error)

	mu   sync.Mutex
	prev *cpu.TimesStat
}

// HostCPU returns a Source backed by gopsutil. A [Sampler] primes its
// baseline when the sampling goroutine starts, so the first reading after
// warm-up covers the warm-up window. Used on its own, the first Sample
// primes the baseline and reports 0.
func HostCPU() Source {
	return &hostCPU{times: cpu.TimesWithContext}
}

func (h *hostCPU) read(ctx context.Context) (cpu.TimesStat, error) {
	stats, err := h.times(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, fmt.Errorf("system: read cpu times: %w", err)
	}
	if len(stats) == 0 {
		return cpu.TimesStat{}, ErrNoCPUTimes
	}
	return stats[0], nil
}

func (h *hostCPU) prime(ctx context.Context) error {
	cur, err := h.read(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.prev = &cur
	h.mu.Unlock()
	return nil
}

func (h *hostCPU) Sample(ctx context.Context) (float64, error) {
	cur, err := h.read(ctx)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.prev
	h.prev = &cur
	if prev == nil {
		return 0, nil
	}
	return utilization(*prev, cur), nil
}

// busyAndTotal splits a TimesStat into busy and total seconds. Guest time is
// already accounted for in user time, so it is left out of the total.
func busyAndTotal(t cpu.TimesStat) (busy, total float64) {
	total = t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	busy = total - t.Idle - t.Iowait
	return busy, total
}

func utilization(prev, cur cpu.TimesStat) float64 {
	b0, t0 := busyAndTotal(prev)
	b1, t1 := busyAndTotal(cur)
	if b1 <= b0 {
		return 0
	}
	if t1 <= t0 {
		return 1
	}
	return clamp((b1 - b0) / (t1 - t0))
}
