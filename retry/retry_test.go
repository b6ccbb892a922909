package retry

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tilinna/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errRejected = status.Error(codes.ResourceExhausted, "adaptive pacing: request rejected")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		RetryCodes:  []codes.Code{codes.ResourceExhausted, codes.Unavailable},
	}
}

func TestDoRetriesUntilAdmitted(t *testing.T) {
	calls := 0
	got, err := Do(t.Context(), fastConfig(4), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errRejected
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got (%q, %v)", got, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"status", status.Error(codes.InvalidArgument, "bad request")},
		{"plain", errors.New("not a status")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := Do(t.Context(), fastConfig(5), func(context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if calls != 1 {
				t.Fatalf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	_, err := Do(t.Context(), fastConfig(3), func(context.Context) (int, error) {
		calls++
		return 0, errRejected
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("err = %v, want ResourceExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoSingleAttemptNeverWaits(t *testing.T) {
	cfg := Rejected(0)
	cfg.OnRetry = func(int, error, time.Duration) { t.Fatal("unexpected retry") }
	if _, err := Do(t.Context(), cfg, func(context.Context) (int, error) { return 0, errRejected }); !errors.Is(err, errRejected) {
		t.Fatalf("err = %v", err)
	}
}

func TestDoGivesUpBeforeDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	cfg := fastConfig(100)
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = 100 * time.Millisecond

	calls := 0
	start := time.Now()
	_, err := Do(ctx, cfg, func(context.Context) (int, error) {
		calls++
		return 0, errRejected
	})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("err = %v, want the rejection", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 15*time.Millisecond {
		t.Fatal("Do waited although the backoff outlasts the deadline")
	}
}

func TestDoReturnsContextErrorDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cfg := fastConfig(3)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	_, err := Do(ctx, cfg, func(context.Context) (int, error) { return 0, errRejected })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDoWaitsOnConfiguredClock(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	cfg := fastConfig(4)
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Hour
	cfg.Clock = mc

	var delays []time.Duration
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error, d time.Duration) {
		attempts = append(attempts, attempt)
		delays = append(delays, d)
	}

	var done atomic.Bool
	go func() {
		_, _ = Do(t.Context(), cfg, func(context.Context) (int, error) { return 0, errRejected })
		done.Store(true)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !done.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Do did not finish on the mock clock")
		}
		mc.Add(time.Minute)
		time.Sleep(time.Millisecond)
	}

	if !slices.Equal(attempts, []int{1, 2, 3}) {
		t.Fatalf("attempts = %v", attempts)
	}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	if !slices.Equal(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{1 << 20, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.attempt, nil); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := backoff(Config{}, 3, nil); got != 0 {
		t.Fatalf("zero base delay gave %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
	for _, tt := range []struct {
		unit float64
		want time.Duration
	}{
		{0, 80 * time.Millisecond},
		{0.5, 100 * time.Millisecond},
		{0.999999, 120 * time.Millisecond},
	} {
		got := backoff(cfg, 0, func() float64 { return tt.unit })
		if d := got - tt.want; d < -time.Microsecond || d > time.Microsecond {
			t.Errorf("unit %v: backoff = %v, want about %v", tt.unit, got, tt.want)
		}
	}
	if jitterSource(Config{}) != nil {
		t.Fatal("no jitter source expected without Jitter")
	}
}
