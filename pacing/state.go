package pacing

import (
	"context"
	"math"
	"sync/atomic"
)

// NoIssue is the last-issue value of a gate that has not admitted anything.
const NoIssue int64 = -1

// State stores the two cells a Gate shares between its callers: the current
// rate and the virtual issue clock. Every method must be atomic with respect
// to the others; none may be implemented with a lock held across calls.
type State interface {
	// Rate returns the current rate in units per second.
	Rate(ctx context.Context) (float64, error)

	// CompareAndSwapRate installs next if the rate still equals old.
	CompareAndSwapRate(ctx context.Context, old, next float64) (bool, error)

	// LastIssue returns the virtual issue clock in milliseconds, or
	// [NoIssue] before the first admission.
	LastIssue(ctx context.Context) (int64, error)

	// StoreLastIssue overwrites the virtual issue clock.
	StoreLastIssue(ctx context.Context, ms int64) error

	// AddLastIssue adds delta to the virtual issue clock and returns the
	// new value.
	AddLastIssue(ctx context.Context, delta int64) (int64, error)
}

// MemoryState is an in-process [State] built on sync/atomic.
type MemoryState struct {
	rate atomic.Uint64 // math.Float64bits
	last atomic.Int64
}

// NewMemoryState returns a MemoryState holding initialRate and [NoIssue].
func NewMemoryState(initialRate float64) *MemoryState {
	s := &MemoryState{}
	s.rate.Store(math.Float64bits(initialRate))
	s.last.Store(NoIssue)
	return s
}

func (s *MemoryState) Rate(context.Context) (float64, error) {
	return math.Float64frombits(s.rate.Load()), nil
}

func (s *MemoryState) CompareAndSwapRate(_ context.Context, old, next float64) (bool, error) {
	return s.rate.CompareAndSwap(math.Float64bits(old), math.Float64bits(next)), nil
}

func (s *MemoryState) LastIssue(context.Context) (int64, error) {
	return s.last.Load(), nil
}

func (s *MemoryState) StoreLastIssue(_ context.Context, ms int64) error {
	s.last.Store(ms)
	return nil
}

func (s *MemoryState) AddLastIssue(_ context.Context, delta int64) (int64, error) {
	return s.last.Add(delta), nil
}
