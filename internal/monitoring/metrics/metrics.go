package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailedAttemptsRecorded tracks failed attempts appended to the ledger per endpoint
	FailedAttemptsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redrive_failed_attempts_recorded_total",
			Help: "Total number of failed processing attempts recorded",
		},
		[]string{"endpoint"},
	)

	// DuplicateAttempts tracks attempts ignored because the timestamp was already recorded
	DuplicateAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_duplicate_attempts_total",
			Help: "Total number of duplicate failed attempts ignored",
		},
	)

	// StatusTransitions tracks record status changes
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redrive_status_transitions_total",
			Help: "Total number of failed message status transitions",
		},
		[]string{"from", "to"},
	)

	// ConcurrencyConflicts tracks optimistic concurrency retries in the ledger
	ConcurrencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts retried",
		},
	)

	// ClassificationErrors tracks classifiers that failed on an attempt
	ClassificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redrive_classification_errors_total",
			Help: "Total number of classifier errors",
		},
		[]string{"classifier"},
	)

	// RetriesIssued tracks messages staged for redelivery
	RetriesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_retries_issued_total",
			Help: "Total number of messages staged for retry",
		},
	)

	// RedeliveriesForwarded tracks staged messages sent back to their destination
	RedeliveriesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_redeliveries_forwarded_total",
			Help: "Total number of staged messages forwarded to their destination",
		},
	)

	// RedeliveriesFailed tracks forwards that failed and were compensated
	RedeliveriesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_redeliveries_failed_total",
			Help: "Total number of staged messages that could not be forwarded",
		},
	)

	// DrainRuns tracks drain runs by how they terminated
	DrainRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redrive_drain_runs_total",
			Help: "Total number of drain runs by stop reason",
		},
		[]string{"reason"},
	)

	// DrainDuration tracks how long drain runs take
	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redrive_drain_duration_seconds",
			Help:    "Duration of drain runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// IngestDropped tracks ingested messages discarded as malformed
	IngestDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redrive_ingest_dropped_total",
			Help: "Total number of malformed messages dropped by ingestion",
		},
		[]string{"queue", "reason"},
	)

	// MessagesByStatus tracks the current number of records per status
	MessagesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redrive_messages_by_status",
			Help: "Current number of failed message records per status",
		},
		[]string{"status"},
	)

	// RetriesReconciled tracks stale retries reverted by the reconciler
	RetriesReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redrive_retries_reconciled_total",
			Help: "Total number of stale retries reverted to unresolved",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open database connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redrive_db_connection_pool_usage",
			Help: "Database connection pool usage in percent",
		},
	)
)
