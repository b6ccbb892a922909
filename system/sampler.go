// Package system samples host load for the adaptive pacing gate.
//
// A [Sampler] is constructed explicitly, started once and stopped once. It
// runs a single background goroutine that waits a warm-up delay, then reads
// its [Source] at a fixed interval and publishes the result through
// [Sampler.CurrentUsage]. Readers never block and never observe an error:
// until the first sample lands, and whenever sampling fails, the published
// usage is 0.
package system

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tilinna/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultWarmUp is the delay between Start and the first sample.
	DefaultWarmUp = 5 * time.Second

	// DefaultInterval is the sampling period after warm-up.
	DefaultInterval = time.Second
)

// ErrSamplerStarted is returned when Start is called more than once.
var ErrSamplerStarted = errors.New("system: sampler already started")

// Sampler periodically measures CPU utilisation. The zero value is not
// usable; create one with [NewSampler].
type Sampler struct {
	src       Source
	warmUp    time.Duration
	interval  time.Duration
	smoothing float64
	clk       clock.Clock
	logger    *zap.Logger
	observe   func(float64)
	failLog   rate.Sometimes

	usage   atomic.Uint64 // math.Float64bits of the published value
	samples atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithWarmUp sets the delay before the first sample. Negative values are
// treated as zero.
func WithWarmUp(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.warmUp = max(d, 0) }
}

// WithInterval sets the sampling period. Non-positive values are ignored.
func WithInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSmoothing enables exponential smoothing of samples. alpha is the weight
// of the newest sample; values outside (0,1] disable smoothing.
func WithSmoothing(alpha float64) SamplerOption {
	return func(s *Sampler) {
		if alpha > 0 && alpha <= 1 {
			s.smoothing = alpha
		}
	}
}

// WithClock replaces the clock that drives warm-up and ticking.
func WithClock(c clock.Clock) SamplerOption {
	return func(s *Sampler) {
		if c != nil {
			s.clk = c
		}
	}
}

// WithLogger sets the logger used to report sampling failures.
func WithLogger(l *zap.Logger) SamplerOption {
	return func(s *Sampler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers fn to be called with every published value.
func WithObserver(fn func(float64)) SamplerOption {
	return func(s *Sampler) { s.observe = fn }
}

// NewSampler creates a Sampler reading from src. A nil src uses [HostCPU].
func NewSampler(src Source, opts ...SamplerOption) *Sampler {
	if src == nil {
		src = HostCPU()
	}
	s := &Sampler{
		src:       src,
		warmUp:    DefaultWarmUp,
		interval:  DefaultInterval,
		smoothing: 1,
		clk:       clock.Realtime(),
		logger:    zap.NewNop(),
		failLog:   rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the sampling goroutine. The loop runs until ctx is done or
// Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSamplerStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop ends the sampling goroutine and waits for it to exit. It is safe to
// call Stop more than once, and before Start.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CurrentUsage returns the latest published CPU utilisation in [0,1].
func (s *Sampler) CurrentUsage() float64 {
	return math.Float64frombits(s.usage.Load())
}

// Samples returns how many samples have been published.
func (s *Sampler) Samples() uint64 {
	return s.samples.Load()
}

// primer is implemented by sources that measure deltas and need a baseline
// reading before their first sample.
type primer interface {
	prime(ctx context.Context) error
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	if p, ok := s.src.(primer); ok {
		if err := p.prime(ctx); err != nil {
			s.logger.Debug("cpu baseline unavailable", zap.Error(err))
		}
	}
	warm := s.clk.NewTimer(s.warmUp)
	select {
	case <-ctx.Done():
		warm.Stop()
		return
	case <-warm.C:
	}
	s.sampleOnce(ctx)

	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	v, err := s.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failLog.Do(func() {
			s.logger.Warn("cpu usage sample failed, reporting 0", zap.Error(err))
		})
		s.publish(0)
		return
	}
	if s.smoothing < 1 && s.samples.Load() > 0 {
		v = s.smoothing*v + (1-s.smoothing)*s.CurrentUsage()
	}
	s.publish(v)
}

// read calls the source, turning panics and non-finite values into errors.
func (s *Sampler) read(ctx context.Context) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = 0, fmt.Errorf("system: source panicked: %v", r)
		}
	}()
	v, err = s.src.Sample(ctx)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("system: non-finite sample %v", v)
	}
	return clamp(v), nil
}

func (s *Sampler) publish(v float64) {
	s.usage.Store(math.Float64bits(v))
	s.samples.Add(1)
	if s.observe != nil {
		s.observe(v)
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
