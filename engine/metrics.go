package engine

import (
	"time"

	"github.com/c360/mbp/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds Prometheus metrics for discovery engine tasks.
type engineMetrics struct {
	tasks        *prometheus.CounterVec   // By task and status (success/failure)
	taskDuration *prometheus.HistogramVec // By task
	queued       *prometheus.GaugeVec     // By queue (candidates/deployments)
	dropped      prometheus.Counter
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbp",
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Total number of executed discovery tasks",
		}, []string{"task", "status"}),

		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mbp",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Discovery task duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}, []string{"task"}),

		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mbp",
			Subsystem: "engine",
			Name:      "queued_tasks",
			Help:      "Current number of queued discovery tasks, running ones included",
		}, []string{"queue"}),

		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mbp",
			Subsystem: "engine",
			Name:      "compacted_tasks_total",
			Help:      "Total number of deployment tasks dropped or replaced by queue compaction",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "tasks", m.tasks); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "task_duration", m.taskDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("engine", "queued_tasks", m.queued); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "compacted_tasks", m.dropped); err != nil {
		return nil, err
	}

	return m, nil
}

// recordTask records a finished task.
func (m *engineMetrics) recordTask(task string, success bool, d time.Duration) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}

	m.tasks.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// setQueued sets the number of queued tasks per queue kind.
func (m *engineMetrics) setQueued(candidates, deployments int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues("candidates").Set(float64(candidates))
	m.queued.WithLabelValues("deployments").Set(float64(deployments))
}

func (m *engineMetrics) recordCompaction() {
	if m != nil {
		m.dropped.Inc()
	}
}
