package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveStreams prometheus.Gauge
	SessionEvents *prometheus.CounterVec
	EventsDropped prometheus.Counter
	Jobs          *prometheus.CounterVec
	LockBusy      prometheus.Counter
	BrainLatency  prometheus.Histogram
	BrainErrors   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of live streaming connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events broadcast by name.",
		}, []string{"event"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped on full subscriber queues.",
		}),
		Jobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Background jobs by kind and terminal status.",
		}, []string{"kind", "status"}),
		LockBusy: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Operations refused because the session lock was held.",
		}),
		BrainLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "brain_latency_ms",
			Help:      "Language model completion latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		BrainErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brain_errors_total",
			Help:      "Language model failures by code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) ObserveEvent(name string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveJob(kind, status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveLockBusy() {
	if m == nil {
		return
	}
	m.LockBusy.Inc()
}

func (m *Metrics) ObserveBrainLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.BrainLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBrainError(code string) {
	if m == nil {
		return
	}
	m.BrainErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *Metrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
