package deploy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/devmarket/internal/domain"
)

// Metrics instruments deploy attempts. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	inflight prometheus.Gauge
	duration *prometheus.HistogramVec
}

// NewMetrics registers deploy collectors with reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "deploy",
			Name:      "outcomes_total",
			Help:      "Settled deploy attempts by platform, outcome and reason",
		}, []string{"platform", "outcome", "reason"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devmarket",
			Subsystem: "deploy",
			Name:      "requests_in_flight",
			Help:      "Deploy requests awaiting a response",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devmarket",
			Subsystem: "deploy",
			Name:      "request_duration_seconds",
			Help:      "Time from deploy request to settled outcome",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
	}
	if existing, ok := register(reg, m.outcomes).(*prometheus.CounterVec); ok {
		m.outcomes = existing
	}
	if existing, ok := register(reg, m.inflight).(prometheus.Gauge); ok {
		m.inflight = existing
	}
	if existing, ok := register(reg, m.duration).(*prometheus.HistogramVec); ok {
		m.duration = existing
	}
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) finished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) settled(a *Attempt, outcome domain.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(a.Platform), string(outcome.Kind), string(outcome.Reason)).Inc()
	m.duration.WithLabelValues(string(a.Platform)).Observe(a.SettledAt().Sub(a.StartedAt).Seconds())
}
