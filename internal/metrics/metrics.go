package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageExecutions tracks stage runs by stage name and outcome
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapflow_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "type", "outcome"},
	)

	// StageDuration tracks per-stage execution latency
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mapflow_stage_duration_seconds",
			Help:    "Stage execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "type"},
	)

	// PipelineExecutions tracks pipeline runs by outcome
	PipelineExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapflow_pipeline_executions_total",
			Help: "Total number of pipeline executions",
		},
		[]string{"outcome"},
	)

	// BatchSize observes batch sizes submitted to the executor
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mapflow_batch_size",
			Help:    "Number of items per submitted batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// RetryAttempts counts retry waits performed
	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_retry_attempts_total",
			Help: "Total number of retries performed",
		},
	)

	// RetrySuccesses counts operations that succeeded after at least one retry
	RetrySuccesses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_retry_successes_total",
			Help: "Total number of operations recovered by retrying",
		},
	)

	// RetryExhaustions counts operations that gave up after all retries
	RetryExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_retry_exhaustions_total",
			Help: "Total number of operations that exhausted their retries",
		},
	)

	// RetryBreakerRejections counts calls rejected by the open circuit breaker
	RetryBreakerRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_breaker_rejections_total",
			Help: "Total number of calls rejected by the open circuit breaker",
		},
	)

	// DLQSize tracks the current number of entries in the dead-letter queue
	DLQSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapflow_dlq_size",
			Help: "Current number of entries in the dead-letter queue",
		},
	)

	// DLQEnqueued counts entries added to the dead-letter queue
	DLQEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_dlq_enqueued_total",
			Help: "Total number of entries enqueued to the dead-letter queue",
		},
	)

	// DLQResolved counts entries resolved out of the dead-letter queue
	DLQResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_dlq_resolved_total",
			Help: "Total number of dead-letter entries resolved",
		},
	)

	// DLQExpired counts entries removed by retention expiry
	DLQExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapflow_dlq_expired_total",
			Help: "Total number of dead-letter entries expired",
		},
	)

	// RollbacksTotal counts transaction rollbacks by final state
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapflow_rollbacks_total",
			Help: "Total number of transaction rollbacks by final state",
		},
		[]string{"state"},
	)

	// RecoveryOutcomes counts recovery dispatches by strategy and outcome
	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapflow_recovery_outcomes_total",
			Help: "Total number of error recoveries by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// ErrorsClassified counts classified errors by type and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapflow_errors_classified_total",
			Help: "Total number of errors classified by type and severity",
		},
		[]string{"type", "severity"},
	)
)
