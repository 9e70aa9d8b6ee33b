package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_submitted_total",
			Help: "Research tasks accepted by the orchestrator",
		},
		[]string{"kind"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_finished_total",
			Help: "Research tasks that reached a terminal status",
		},
		[]string{"status"}, // completed, failed, unrecorded
	)

	TasksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_tasks_rejected_total",
			Help: "Submissions rejected because the worker pool was full",
		},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_task_duration_seconds",
			Help:    "Wall time of the execution unit from running to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"kind", "status"},
	)

	// Worker pool
	InflightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_tasks_inflight",
			Help: "Execution units currently running",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_tasks_queued",
			Help: "Tasks admitted but waiting for a worker",
		},
	)

	ReconciledTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_tasks_reconciled_total",
			Help: "Tasks handled by the startup reconciliation sweep",
		},
		[]string{"action"}, // failed, flagged, requeued
	)

	// Audit trail
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit records appended",
		},
		[]string{"category", "direction"},
	)

	AuditWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit records that could not be written to a sink",
		},
		[]string{"sink"}, // file, redis
	)

	LoopSignal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_loop_signal",
			Help: "1 when the loop watchdog last saw a loop signal in the audit tail",
		},
	)
)
