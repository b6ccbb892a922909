package metrics

import (
	"testing"
	"time"

	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOnDecisionCountsByLabels(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.OnDecision("orders", pacing.Decision{Admitted: true, Reason: pacing.ReasonFastPath})
	m.OnDecision("orders", pacing.Decision{Admitted: true, Reason: pacing.ReasonFastPath})
	m.OnDecision("orders", pacing.Decision{Reason: pacing.ReasonQueueFull})

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("orders", "admitted", "fast_path")); got != 2 {
		t.Fatalf("admitted fast_path = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("orders", "rejected", "queue_full")); got != 1 {
		t.Fatalf("rejected queue_full = %v, want 1", got)
	}
}

func TestOnDecisionObservesQueuedWaitOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.OnDecision("orders", pacing.Decision{Admitted: true, Wait: 50 * time.Millisecond, Reason: pacing.ReasonQueued})
	m.OnDecision("orders", pacing.Decision{Admitted: true, Reason: pacing.ReasonFastPath})
	m.OnDecision("orders", pacing.Decision{Wait: 20 * time.Millisecond, Reason: pacing.ReasonCancelled})

	if n := testutil.CollectAndCount(m.wait, "sentinel_pacing_wait_seconds"); n != 1 {
		t.Fatalf("wait series = %d, want 1", n)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "sentinel_pacing_wait_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 1 {
			t.Fatalf("sample count = %d, want 1", h.GetSampleCount())
		}
		if h.GetSampleSum() != 0.05 {
			t.Fatalf("sample sum = %v, want 0.05", h.GetSampleSum())
		}
		return
	}
	t.Fatal("sentinel_pacing_wait_seconds not gathered")
}

func TestRateAndCPUGauges(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.SetRate("orders", 20)
	if got := testutil.ToFloat64(m.rate.WithLabelValues("orders")); got != 20 {
		t.Fatalf("rate = %v, want 20", got)
	}
	m.OnRateChange("orders", 20, 40)
	if got := testutil.ToFloat64(m.rate.WithLabelValues("orders")); got != 40 {
		t.Fatalf("rate = %v, want 40", got)
	}

	m.ObserveCPU(0.75)
	if got := testutil.ToFloat64(m.cpu); got != 0.75 {
		t.Fatalf("cpu = %v, want 0.75", got)
	}
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)
	if _, err := New(reg); err == nil {
		t.Fatal("expected error registering the same collectors twice")
	}
}

func TestMetricsAsGateObserver(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	g, err := pacing.New(pacing.Config{InitialRate: 10}, pacing.LoadFunc(func() float64 { return 0 }),
		pacing.WithName("api"), pacing.WithObserver(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !g.CanPass(t.Context(), 1, false) {
		t.Fatal("first call must pass")
	}
	// Zero queueing: the next slot is 100ms out, so this rejects and doubles the rate.
	if g.CanPass(t.Context(), 1, false) {
		t.Fatal("second call must be rejected")
	}

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("api", "admitted", "fast_path")); got != 1 {
		t.Fatalf("admitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("api", "rejected", "queue_full")); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rate.WithLabelValues("api")); got != 20 {
		t.Fatalf("rate = %v, want 20", got)
	}
}

func TestObservePanicCountsByMethod(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())
	m.ObservePanic("/sentinel.Ping/Ping")
	m.ObservePanic("/sentinel.Ping/Ping")
	m.ObservePanic("/sentinel.Ping/Watch")

	if got := testutil.ToFloat64(m.panics.WithLabelValues("/sentinel.Ping/Ping")); got != 2 {
		t.Fatalf("Ping panics = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.panics, "sentinel_server_panics_total"); n != 2 {
		t.Fatalf("panic series = %d, want 2", n)
	}
}
