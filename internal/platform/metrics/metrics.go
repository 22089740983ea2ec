// Package metrics defines the Prometheus instruments exposed by the
// service. All scheduler state changes are reflected here so queue
// pressure is observable without hitting the status endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksRunning tracks the number of tasks currently dispatched to the
	// generation invoker. Bounded by the scheduler's max_running limit.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slide_svc_tasks_running",
		Help: "Number of generation tasks currently running",
	})

	// TasksWaiting tracks the depth of the FIFO waiting queue.
	TasksWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slide_svc_tasks_waiting",
		Help: "Number of generation tasks waiting for a running slot",
	})

	// TasksCompleted counts finished tasks by outcome and artifact type.
	// Labels:
	//   - outcome: "success", "failed", or "removed"
	//   - type: "infographic" or "slides"
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slide_svc_tasks_completed_total",
		Help: "Total number of completed generation tasks",
	}, []string{"outcome", "type"})

	// TasksRejected counts submissions rejected because both the running
	// set and the waiting queue were full.
	TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slide_svc_tasks_rejected_total",
		Help: "Total number of task submissions rejected at admission",
	})

	// TaskDuration tracks generation latency in seconds by artifact type.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slide_svc_task_duration_seconds",
		Help:    "Duration of generation task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)
