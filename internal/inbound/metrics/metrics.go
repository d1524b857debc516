package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks inbound webhook processing.
type Metrics struct {
	Webhooks        *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
	Purged          prometheus.Counter
	ArchiveFailures prometheus.Counter
}

// New creates a new Metrics instance with all inbound metrics registered.
func New() *Metrics {
	return &Metrics{
		Webhooks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncbridge_inbound_webhooks_total",
			Help: "Inbound webhooks by outcome (completed, duplicate, failed)",
		}, []string{"outcome", "table"}),
		ProcessDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncbridge_inbound_process_duration_seconds",
			Help:    "Duration of inbound processing from dedup to completion",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		Purged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_inbound_records_purged_total",
			Help: "Processing records removed by the janitor",
		}),
		ArchiveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncbridge_inbound_archive_failures_total",
			Help: "Failed payloads that could not be archived",
		}),
	}
}

// ObserveOutcome records one processed webhook. Call with time.Now() at the
// start of processing.
func (m *Metrics) ObserveOutcome(outcome, table string, start time.Time) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(outcome, table).Inc()
	m.ProcessDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddPurged(n int) {
	if m == nil {
		return
	}
	m.Purged.Add(float64(n))
}

func (m *Metrics) IncrementArchiveFailures() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}
