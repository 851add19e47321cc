// Package metrics provides Prometheus metrics for the taskfleet operator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// Namespace prefix for all metrics
	namespace = "taskfleet"

	// Controller names
	ControllerTaskRun = "taskrun"

	// Result labels
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// DurationBuckets for reconciliation durations
	DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60}

	// ReconcileTotal counts total reconciliations per controller
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Total number of reconciliations per controller and result",
		},
		[]string{"controller", "result"},
	)

	// ReconcileDuration measures reconciliation duration
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"controller", "result"},
	)

	// TaskRunInfo provides run metadata (value is always 1)
	TaskRunInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "taskrun_info",
			Help:      "TaskRun metadata information (value is always 1)",
		},
		[]string{"name", "namespace", "phase"},
	)

	// TaskRunWorkCompleted indicates whether the run's work is confirmed done
	TaskRunWorkCompleted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "taskrun_work_completed",
			Help:      "Whether the TaskRun's work is completed (1) or not (0)",
		},
		[]string{"name", "namespace"},
	)

	// RemediationIterations tracks the iteration counter per (PR, task)
	RemediationIterations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remediation_iterations",
			Help:      "Current remediation iteration for a PR and task",
		},
		[]string{"pr", "task"},
	)

	// Terminations counts remediation terminations by reason
	Terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_terminations_total",
			Help:      "Total remediation terminations by reason",
		},
		[]string{"reason"},
	)

	// CancellationSweeps counts cancellation sweeps by outcome
	CancellationSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellation_sweeps_total",
			Help:      "Total cancellation sweeps by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookEvents counts webhook deliveries by disposition
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total webhook deliveries by disposition",
		},
		[]string{"disposition"},
	)
)

func init() {
	// Register all metrics with controller-runtime's global registry
	metrics.Registry.MustRegister(
		ReconcileTotal,
		ReconcileDuration,
		TaskRunInfo,
		TaskRunWorkCompleted,
		RemediationIterations,
		Terminations,
		CancellationSweeps,
		WebhookEvents,
	)
}

// RecordReconcile records a reconciliation attempt
func RecordReconcile(controller, result string, duration float64) {
	ReconcileTotal.WithLabelValues(controller, result).Inc()
	ReconcileDuration.WithLabelValues(controller, result).Observe(duration)
}

// SetTaskRunMetrics updates all TaskRun gauges
func SetTaskRunMetrics(name, ns, phase string, workCompleted bool) {
	// Clear any previous phase series to avoid stale gauges
	TaskRunInfo.DeletePartialMatch(prometheus.Labels{"name": name, "namespace": ns})
	TaskRunInfo.WithLabelValues(name, ns, phase).Set(1)

	completed := float64(0)
	if workCompleted {
		completed = 1
	}
	TaskRunWorkCompleted.WithLabelValues(name, ns).Set(completed)
}

// DeleteTaskRunMetrics removes gauges for a deleted TaskRun
func DeleteTaskRunMetrics(name, ns string) {
	TaskRunInfo.DeletePartialMatch(prometheus.Labels{"name": name, "namespace": ns})
	TaskRunWorkCompleted.DeleteLabelValues(name, ns)
}

// RecordTermination records a remediation termination
func RecordTermination(reason string) {
	Terminations.WithLabelValues(reason).Inc()
}

// RecordCancellationSweep records a cancellation sweep outcome
func RecordCancellationSweep(outcome string) {
	CancellationSweeps.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent records a webhook delivery disposition
func RecordWebhookEvent(disposition string) {
	WebhookEvents.WithLabelValues(disposition).Inc()
}
