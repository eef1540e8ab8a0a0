package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments status channels. A nil *Metrics records nothing.
type Metrics struct {
	frames    *prometheus.CounterVec
	malformed prometheus.Counter
	open      prometheus.Gauge
	failures  prometheus.Counter
}

// NewMetrics registers status channel collectors with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "status",
			Name:      "frames_total",
			Help:      "Decoded status frames by kind",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "status",
			Name:      "malformed_frames_total",
			Help:      "Inbound status frames dropped by the decoder",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devmarket",
			Subsystem: "status",
			Name:      "channels_open",
			Help:      "Status channels currently holding an open transport",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "status",
			Name:      "transport_failures_total",
			Help:      "Status channel transports that failed to dial or broke mid-stream",
		}),
	}
	if existing, ok := register(reg, m.frames).(*prometheus.CounterVec); ok {
		m.frames = existing
	}
	if existing, ok := register(reg, m.malformed).(prometheus.Counter); ok {
		m.malformed = existing
	}
	if existing, ok := register(reg, m.open).(prometheus.Gauge); ok {
		m.open = existing
	}
	if existing, ok := register(reg, m.failures).(prometheus.Counter); ok {
		m.failures = existing
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

func (m *Metrics) frame(kind Kind) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) opened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *Metrics) released() {
	if m == nil {
		return
	}
	m.open.Dec()
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
