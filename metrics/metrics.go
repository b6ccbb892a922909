// Package metrics exports pacing decisions and gate rates as Prometheus
// metrics, along with host CPU usage and recovered panics.
package metrics

import (
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sentinel"

// Metrics implements [pacing.Observer] and records CPU samples. All methods
// are safe for concurrent use.
type Metrics struct {
	decisions *prometheus.CounterVec
	wait      *prometheus.HistogramVec
	rate      *prometheus.GaugeVec
	cpu       prometheus.Gauge
	panics    *prometheus.CounterVec
}

var _ pacing.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg uses
// [prometheus.DefaultRegisterer].
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pacing",
			Name:      "decisions_total",
			Help:      "Pacing decisions by resource, result and reason.",
		}, []string{"resource", "result", "reason"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pacing",
			Name:      "wait_seconds",
			Help:      "Time admitted callers spent waiting for their slot.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"resource"}),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pacing",
			Name:      "rate",
			Help:      "Current admission rate in units per second.",
		}, []string{"resource"}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "cpu_usage",
			Help:      "Last published host CPU utilisation in [0,1].",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "panics_total",
			Help:      "Panics recovered by the server, by method.",
		}, []string{"method"}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.wait, m.rate, m.cpu, m.panics} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// OnDecision counts d and, for admitted callers that queued, observes the wait.
func (m *Metrics) OnDecision(gate string, d pacing.Decision) {
	m.decisions.WithLabelValues(gate, result(d.Admitted), d.Reason.String()).Inc()
	if d.Admitted && d.Reason == pacing.ReasonQueued {
		m.wait.WithLabelValues(gate).Observe(d.Wait.Seconds())
	}
}

// OnRateChange publishes the new rate of gate.
func (m *Metrics) OnRateChange(gate string, _, next float64) {
	m.rate.WithLabelValues(gate).Set(next)
}

// SetRate publishes the rate of gate, e.g. its initial value.
func (m *Metrics) SetRate(gate string, v float64) {
	m.rate.WithLabelValues(gate).Set(v)
}

// ObserveCPU publishes a CPU sample. Its signature matches the sampler's
// observer hook.
func (m *Metrics) ObserveCPU(v float64) {
	m.cpu.Set(v)
}

// ObservePanic counts a recovered panic in fullMethod.
func (m *Metrics) ObservePanic(fullMethod string) {
	m.panics.WithLabelValues(fullMethod).Inc()
}

func result(admitted bool) string {
	if admitted {
		return "admitted"
	}
	return "rejected"
}
