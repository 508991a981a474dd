// Package metrics holds the Prometheus collectors of the sync engine. They
// register with the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_sync_runs_total",
			Help: "Finished sync runs by platform, strategy and outcome",
		},
		[]string{"platform", "strategy", "outcome"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_sync_run_duration_seconds",
			Help:    "Wall time of sync runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"platform"},
	)

	SyncRunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_sync_runs_in_flight",
			Help: "Sync runs currently executing in this process",
		},
	)

	SyncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_sync_items_total",
			Help: "Post items handled by sync runs, by result",
		},
		[]string{"platform", "result"}, // ok, failed, skipped
	)

	SnapshotUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_snapshot_upserts_total",
			Help: "Upsert engine decisions",
		},
		[]string{"subject_type", "action"},
	)

	SnapshotDuplicatesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_snapshot_duplicates_removed_total",
			Help: "Rows deleted by duplicate cleanup",
		},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_provider_calls_total",
			Help: "Provider client calls by platform, operation and error kind",
		},
		[]string{"platform", "operation", "result"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_provider_call_duration_seconds",
			Help:    "Latency of provider client calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform", "operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analytics_provider_circuit_state",
			Help: "Circuit breaker state per platform (0=closed, 1=half-open, 2=open)",
		},
		[]string{"platform"},
	)

	ScheduledJobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_scheduled_job_runs_total",
			Help: "Scheduled job executions by outcome",
		},
		[]string{"job", "outcome"},
	)

	ScheduledJobConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analytics_scheduled_job_consecutive_failures",
			Help: "Consecutive failures of each scheduled job",
		},
		[]string{"job"},
	)

	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_queue_enqueued_total",
			Help: "Work items submitted to the job backend",
		},
		[]string{"backend", "queue"},
	)
)

var CredentialChecksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analytics_credential_checks_total",
		Help: "Credential validations by platform and result",
	},
	[]string{"platform", "result"},
)
