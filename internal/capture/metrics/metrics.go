package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks change capture: accepted and dropped events, debounce
// firings by outcome and publish latency.
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	Firings         *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	PendingTimers   prometheus.Gauge
}

// New creates a new Metrics instance with all capture metrics registered.
func New() *Metrics {
	return &Metrics{
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_capture_events_total",
			Help: "Local change events accepted for debouncing, by table",
		}, []string{"table"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_capture_events_dropped_total",
			Help: "Local change events dropped before scheduling, by reason",
		}, []string{"table", "reason"}),
		Firings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_capture_firings_total",
			Help: "Debounce firings by outcome (published, suppressed, vanished, failed)",
		}, []string{"table", "outcome"}),
		PublishDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncbridge_capture_publish_duration_seconds",
			Help:    "Duration of a debounce firing from load to publish",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"table"}),
		PendingTimers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "syncbridge_capture_pending_timers",
			Help: "Debounce timers currently waiting to fire",
		}),
	}
}

func (m *Metrics) IncrementReceived(table string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(table).Inc()
}

func (m *Metrics) IncrementDropped(table, reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(table, reason).Inc()
}

// ObserveFiring records a firing outcome and, for published firings, its
// duration. Call with time.Now() at the start of the firing.
func (m *Metrics) ObserveFiring(table, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Firings.WithLabelValues(table, outcome).Inc()
	if outcome == "published" {
		m.PublishDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTimers.Set(float64(n))
}
