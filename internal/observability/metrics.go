package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tro_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	SeatAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_seat_allocations_total",
			Help: "Seat reservation authorizations by outcome",
		},
		[]string{"outcome"},
	)

	SeatLockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_seat_lock_conflicts_total",
			Help: "Seat lock attempts lost to another holder",
		},
	)

	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_rate_limit_exceeded_total",
			Help: "Requests or category holds rejected by a rate limit",
		},
		[]string{"scope"},
	)

	ReconcileMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_reconcile_mismatches_total",
			Help: "Confirmations rejected because authorized amounts differ",
		},
	)

	CompensationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_compensation_failures_total",
			Help: "Best-effort releases that failed and were left to expiry",
		},
	)

	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_tasks_dispatched_total",
			Help: "Task publishes by task name and result",
		},
		[]string{"name", "result"},
	)

	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_tasks_executed_total",
			Help: "Task runs by task name and resulting status",
		},
		[]string{"name", "status"},
	)

	TaskLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tro_task_lag_seconds",
			Help: "Delay between runsAt and dispatch of the last task",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)
)
