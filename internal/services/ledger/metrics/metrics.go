// Package metrics exposes ledger operational metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ledger collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	relayPublished  prometheus.Counter
	relayFailed     prometheus.Counter
	publishDuration prometheus.Histogram
	outboxRows      *prometheus.GaugeVec
	outboxOldestAge prometheus.Gauge
}

// New registers the ledger collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holdfast_relay_published_total",
			Help: "Outbox rows published and acknowledged by the broker.",
		}),
		relayFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holdfast_relay_failed_total",
			Help: "Outbox publish attempts that were rescheduled.",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "holdfast_relay_publish_duration_seconds",
			Help:    "Histogram of outbox publish durations.",
			Buckets: prometheus.DefBuckets,
		}),
		outboxRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "holdfast_outbox_rows",
			Help: "Outbox rows by status.",
		}, []string{"status"}),
		outboxOldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holdfast_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox row; zero when none.",
		}),
	}
	m.registry.MustRegister(
		m.relayPublished,
		m.relayFailed,
		m.publishDuration,
		m.outboxRows,
		m.outboxOldestAge,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Published records one acknowledged publish.
func (m *Metrics) Published(duration time.Duration) {
	if m == nil {
		return
	}
	m.relayPublished.Inc()
	m.publishDuration.Observe(duration.Seconds())
}

// Failed records one rescheduled publish.
func (m *Metrics) Failed(duration time.Duration) {
	if m == nil {
		return
	}
	m.relayFailed.Inc()
	m.publishDuration.Observe(duration.Seconds())
}

// SetOutbox mirrors an outbox summary into the gauges.
func (m *Metrics) SetOutbox(summary storage.OutboxSummary, now time.Time) {
	if m == nil {
		return
	}
	m.outboxRows.WithLabelValues(storage.OutboxStatusPending).Set(float64(summary.PendingCount))
	m.outboxRows.WithLabelValues(storage.OutboxStatusProcessing).Set(float64(summary.ProcessingCount))
	m.outboxRows.WithLabelValues(storage.OutboxStatusFailed).Set(float64(summary.FailedCount))
	m.outboxRows.WithLabelValues(storage.OutboxStatusDead).Set(float64(summary.DeadCount))
	age := 0.0
	if !summary.OldestPendingAt.IsZero() {
		age = max(now.Sub(summary.OldestPendingAt).Seconds(), 0)
	}
	m.outboxOldestAge.Set(age)
}
