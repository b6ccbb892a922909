package pacing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lym-ifae/Sentinel/timeutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidRate is returned for a non-positive or non-finite rate.
	ErrInvalidRate = errors.New("pacing: rate must be positive and finite")

	// ErrInvalidQueueing is returned for a negative queueing bound.
	ErrInvalidQueueing = errors.New("pacing: max queueing time must not be negative")

	// ErrNilLoadReader is returned when no LoadReader is supplied.
	ErrNilLoadReader = errors.New("pacing: load reader is required")
)

// Config holds the gate parameters.
type Config struct {
	// MaxQueueing is the longest a caller may be asked to wait before it is
	// rejected instead. It is used with millisecond resolution.
	MaxQueueing time.Duration

	// InitialRate is the starting rate in units per second. Zero selects
	// DefaultRate.
	InitialRate float64

	// MaxRate caps rate growth. Zero means unbounded.
	MaxRate float64
}

func (c Config) validate() error {
	if c.MaxQueueing < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidQueueing, c.MaxQueueing)
	}
	if !validRate(c.InitialRate) {
		return fmt.Errorf("%w: initial rate %v", ErrInvalidRate, c.InitialRate)
	}
	if c.MaxRate != 0 {
		if !validRate(c.MaxRate) {
			return fmt.Errorf("%w: max rate %v", ErrInvalidRate, c.MaxRate)
		}
		if c.MaxRate < c.InitialRate {
			return fmt.Errorf("%w: max rate %v below initial rate %v", ErrInvalidRate, c.MaxRate, c.InitialRate)
		}
	}
	return nil
}

func validRate(r float64) bool {
	return r > 0 && !math.IsInf(r, 0) && !math.IsNaN(r)
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the time source.
func WithClock(c timeutil.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithState replaces the in-memory state, e.g. with a shared one.
func WithState(s State) Option {
	return func(g *Gate) {
		if s != nil {
			g.state = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver registers an observer for decisions and rate changes.
func WithObserver(o Observer) Option {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithName sets the resource name reported to loggers and observers.
func WithName(name string) Option {
	return func(g *Gate) { g.name = name }
}

// Gate is the adaptive pacing controller for one protected resource. It is
// safe for concurrent use; all callers of one resource must share one Gate
// (or one State).
type Gate struct {
	name        string
	maxQueueing int64 // ms, fixed after New
	maxRate     float64
	load        LoadReader
	state       State
	clock       timeutil.Clock
	logger      *zap.Logger
	observer    Observer
	stateErrLog rate.Sometimes
}

var _ Controller = (*Gate)(nil)

// New creates a Gate. load supplies the CPU readings that steer rate growth.
func New(cfg Config, load LoadReader, opts ...Option) (*Gate, error) {
	if cfg.InitialRate == 0 {
		cfg.InitialRate = DefaultRate
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if load == nil {
		return nil, ErrNilLoadReader
	}

	g := &Gate{
		name:        "default",
		maxQueueing: cfg.MaxQueueing.Milliseconds(),
		maxRate:     cfg.MaxRate,
		load:        load,
		clock:       timeutil.Realtime(),
		logger:      zap.NewNop(),
		observer:    nopObserver{},
		stateErrLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	if g.state == nil {
		g.state = NewMemoryState(cfg.InitialRate)
	}
	return g, nil
}

// Name returns the resource name of the gate.
func (g *Gate) Name() string { return g.name }

// MaxQueueing returns the queueing bound.
func (g *Gate) MaxQueueing() time.Duration {
	return time.Duration(g.maxQueueing) * time.Millisecond
}

// Rate returns the current rate in units per second.
func (g *Gate) Rate(ctx context.Context) (float64, error) {
	return g.state.Rate(ctx)
}

// LastIssue returns the virtual issue clock in milliseconds.
func (g *Gate) LastIssue(ctx context.Context) (int64, error) {
	return g.state.LastIssue(ctx)
}

// CanPass admits or rejects units of work. It may block the caller for up to
// the queueing bound; if ctx ends first the reserved slot is released and
// the call rejects. prioritized does not change the outcome.
func (g *Gate) CanPass(ctx context.Context, units int, prioritized bool) bool {
	if units <= 0 {
		g.observer.OnDecision(g.name, Decision{Admitted: true, Reason: ReasonNoop})
		return true
	}

	current, err := g.state.Rate(ctx)
	if err != nil {
		return g.failOpen(ctx, "read rate", err)
	}
	now := g.clock.NowMillis()
	cost := int64(math.Round(float64(units) / current * 1000))

	last, err := g.state.LastIssue(ctx)
	if err != nil {
		return g.failOpen(ctx, "read last issue", err)
	}
	expected := cost + last

	if expected <= now {
		// Slack in the schedule is not banked: restart the clock at now.
		if err := g.state.StoreLastIssue(ctx, now); err != nil {
			return g.failOpen(ctx, "store last issue", err)
		}
		g.observer.OnDecision(g.name, Decision{Admitted: true, Reason: ReasonFastPath})
		return true
	}

	if expected-now > g.maxQueueing {
		g.deescalate(ctx, current)
		g.observer.OnDecision(g.name, Decision{Reason: ReasonQueueFull})
		return false
	}

	reserved, err := g.state.AddLastIssue(ctx, cost)
	if err != nil {
		return g.failOpen(ctx, "reserve slot", err)
	}
	wait := reserved - g.clock.NowMillis()
	if wait > g.maxQueueing {
		g.release(ctx, cost)
		g.deescalate(ctx, current)
		g.observer.OnDecision(g.name, Decision{Reason: ReasonQueueFullAfterReserve})
		return false
	}

	// wait can be <= 0 when racing callers moved the clock under us.
	d := time.Duration(max(wait, 0)) * time.Millisecond
	if wait > 0 {
		if err := g.clock.Sleep(ctx, d); err != nil {
			g.release(ctx, cost)
			g.observer.OnDecision(g.name, Decision{Wait: d, Reason: ReasonCancelled})
			return false
		}
	}
	g.observer.OnDecision(g.name, Decision{Admitted: true, Wait: d, Reason: ReasonQueued})
	return true
}

// release undoes exactly one reservation of cost. It must run even when the
// caller's context is already done.
func (g *Gate) release(ctx context.Context, cost int64) {
	if _, err := g.state.AddLastIssue(context.WithoutCancel(ctx), -cost); err != nil {
		g.logStateError("release slot", err)
	}
}

// deescalate grows the rate after a miss. A lost compare-and-swap is not
// retried: whoever won already moved the rate.
func (g *Gate) deescalate(ctx context.Context, old float64) {
	next := old * growthFactor(g.load.CurrentUsage())
	if g.maxRate > 0 && next > g.maxRate {
		next = g.maxRate
	}
	if !validRate(next) || next == old {
		return
	}
	swapped, err := g.state.CompareAndSwapRate(ctx, old, next)
	if err != nil {
		g.logStateError("update rate", err)
		return
	}
	if swapped {
		g.logger.Debug("pacing rate raised",
			zap.String("gate", g.name),
			zap.Float64("old", old),
			zap.Float64("new", next),
		)
		g.observer.OnRateChange(g.name, old, next)
	}
}

// growthFactor returns 2*min(1, TargetCPU/cpu). An unknown or zero reading
// saturates the multiplier, doubling the rate.
func growthFactor(cpu float64) float64 {
	if !(cpu > 0) {
		return 2
	}
	return 2 * math.Min(1, TargetCPU/cpu)
}

// failOpen admits the caller after a state error, unless the error is only
// the caller's own context ending.
func (g *Gate) failOpen(ctx context.Context, op string, err error) bool {
	if ctx.Err() != nil {
		g.observer.OnDecision(g.name, Decision{Reason: ReasonCancelled})
		return false
	}
	g.logStateError(op, err)
	g.observer.OnDecision(g.name, Decision{Admitted: true, Reason: ReasonStateError})
	return true
}

func (g *Gate) logStateError(op string, err error) {
	g.stateErrLog.Do(func() {
		g.logger.Warn("pacing state unavailable",
			zap.String("gate", g.name),
			zap.String("op", op),
			zap.Error(err),
		)
	})
}
