// Package metrics registers the Prometheus instruments for the sync pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RecordsProcessed counts per-record outcomes of reconciliation runs.
	RecordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowmirror_records_processed_total",
			Help: "Total number of records processed, by record type and outcome",
		},
		[]string{"record_type", "outcome"},
	)

	// SyncRuns counts reconciliation runs by completion status.
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snowmirror_sync_runs_total",
			Help: "Total number of reconciliation runs, by record type and status",
		},
		[]string{"record_type", "status"},
	)

	// SyncDuration observes how long reconciliation runs take.
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snowmirror_sync_run_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"record_type"},
	)

	// GateState exposes the circuit breaker state (0 closed, 1 open, 2 half-open).
	GateState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snowmirror_gate_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"gate"},
	)
)

func init() {
	prometheus.MustRegister(RecordsProcessed)
	prometheus.MustRegister(SyncRuns)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(GateState)
}
