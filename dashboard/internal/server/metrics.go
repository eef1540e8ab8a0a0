package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type httpMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	limited     *prometheus.CounterVec
	activeViews prometheus.Gauge
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	if reg == nil {
		return nil
	}
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "dashboard",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devmarket",
			Subsystem: "dashboard",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devmarket",
			Subsystem: "dashboard",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
		activeViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devmarket",
			Subsystem: "dashboard",
			Name:      "active_views",
			Help:      "Preview views holding a status channel",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.limited, m.activeViews} {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				continue
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if c == prometheus.Collector(m.requests) {
					m.requests = existing
				} else {
					m.limited = existing
				}
			case *prometheus.HistogramVec:
				m.duration = existing
			case prometheus.Gauge:
				m.activeViews = existing
			}
		}
	}
	return m
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, r)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		s.metrics.requests.With(labels).Inc()
		s.metrics.duration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func (m *httpMetrics) rateLimited(route string) {
	if m == nil {
		return
	}
	m.limited.WithLabelValues(route).Inc()
}

func (m *httpMetrics) setViews(n int) {
	if m == nil {
		return
	}
	m.activeViews.Set(float64(n))
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Flush lets SSE handlers stream through the recorder.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
