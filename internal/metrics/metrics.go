// Package metrics exposes Prometheus instruments for ingestion runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JonMunkholm/allocsync/internal/core"
)

type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RowsTotal   *prometheus.CounterVec
	LastRunTime *prometheus.GaugeVec
}

var _ core.Metrics = (*Metrics)(nil)

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allocsync_runs_total",
			Help: "Total number of source runs by outcome",
		}, []string{"source", "outcome", "reason"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allocsync_run_duration_seconds",
			Help:    "Duration of source runs",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		RowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "allocsync_rows_total",
			Help: "Total number of rows processed by status",
		}, []string{"source", "status", "reason"}),
		LastRunTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allocsync_last_run_timestamp_seconds",
			Help: "Unix time the source last finished a run",
		}, []string{"source"}),
	}
}

func (m *Metrics) RunFinished(source string, outcome core.RunOutcome, reason core.SkipReason, d time.Duration) {
	m.RunsTotal.WithLabelValues(source, string(outcome), string(reason)).Inc()
	m.RunDuration.WithLabelValues(source).Observe(d.Seconds())
	m.LastRunTime.WithLabelValues(source).SetToCurrentTime()
}

func (m *Metrics) RowProcessed(source string, status core.RowStatus, reason core.SkipReason) {
	m.RowsTotal.WithLabelValues(source, string(status), string(reason)).Inc()
}
