package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for sync runs. A nil *Metrics records
// nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	transactions *prometheus.CounterVec
	duration     prometheus.Histogram
	depth        prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sync_runs_total",
		Help: "Sync runs partitioned by trigger.",
	}, []string{"trigger"})
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sync_transactions_total",
		Help: "Queued transactions processed, partitioned by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_sync_duration_seconds",
		Help:    "Duration in seconds of sync runs.",
		Buckets: prometheus.DefBuckets,
	})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pos_sync_queue_depth",
		Help: "Transactions waiting to be synced after the last run.",
	})
	registerer.MustRegister(runs, transactions, duration, depth)

	return &Metrics{runs: runs, transactions: transactions, duration: duration, depth: depth}
}

func (m *Metrics) observeRun(trigger string, start time.Time, pending int64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger).Inc()
	m.duration.Observe(time.Since(start).Seconds())
	m.depth.Set(float64(pending))
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}
