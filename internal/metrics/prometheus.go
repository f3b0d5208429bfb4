// Package metrics exposes Prometheus collectors for invocations, task-queue
// connections and workers. Every recorder is a no-op until InitPrometheus
// has been called, so library users pay nothing unless they opt in.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for entry point metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Client
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	trackedResults     prometheus.Gauge
	connectionsOpened  prometheus.Counter
	cleanupFailures    *prometheus.CounterVec

	// Worker
	workerTasksTotal   *prometheus.CounterVec
	workerTaskDuration *prometheus.HistogramVec
	workerActive       prometheus.Gauge
}

// Default histogram buckets for durations (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics atomic.Pointer[PrometheusMetrics]

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of entry point invocations",
			},
			[]string{"transport", "status"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Time spent dispatching an invocation, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"transport"},
		),

		trackedResults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_results",
				Help:      "Async results tracked by all live clients",
			},
		),

		connectionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_connections_opened_total",
				Help:      "Task queue connections opened",
			},
		),

		cleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_failures_total",
				Help:      "Failed steps while tearing down task queue connections",
			},
			[]string{"step"},
		),

		workerTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_tasks_total",
				Help:      "Tasks executed by workers",
			},
			[]string{"task", "status"},
		),

		workerTaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_task_duration_ms",
				Help:      "Task handler execution time, in milliseconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),

		workerActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_active_tasks",
				Help:      "Tasks currently executing",
			},
		),
	}

	registry.MustRegister(
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.trackedResults,
		pm.connectionsOpened,
		pm.cleanupFailures,
		pm.workerTasksTotal,
		pm.workerTaskDuration,
		pm.workerActive,
	)

	promMetrics.Store(pm)
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

// RecordInvocation records one client invocation
func RecordInvocation(transport string, durationMs int64, success bool) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.invocationsTotal.WithLabelValues(transport, status(success)).Inc()
	pm.invocationDuration.WithLabelValues(transport).Observe(float64(durationMs))
}

// AddTrackedResults adjusts the tracked async results gauge by delta. Every
// client reports its own changes, so the gauge is the process-wide total.
func AddTrackedResults(delta int) {
	pm := promMetrics.Load()
	if pm == nil || delta == 0 {
		return
	}
	pm.trackedResults.Add(float64(delta))
}

// RecordQueueConnectionOpened counts a task queue connection
func RecordQueueConnectionOpened() {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.connectionsOpened.Inc()
}

// RecordCleanupFailure counts a failed teardown step
func RecordCleanupFailure(step string) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.cleanupFailures.WithLabelValues(step).Inc()
}

// RecordWorkerTask records a task executed by a worker
func RecordWorkerTask(task string, durationMs int64, success bool) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.workerTasksTotal.WithLabelValues(task, status(success)).Inc()
	pm.workerTaskDuration.WithLabelValues(task).Observe(float64(durationMs))
}

// IncActiveTasks increments the executing tasks gauge
func IncActiveTasks() {
	if pm := promMetrics.Load(); pm != nil {
		pm.workerActive.Inc()
	}
}

// DecActiveTasks decrements the executing tasks gauge
func DecActiveTasks() {
	if pm := promMetrics.Load(); pm != nil {
		pm.workerActive.Dec()
	}
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	pm := promMetrics.Load()
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	pm := promMetrics.Load()
	if pm == nil {
		return nil
	}
	return pm.registry
}
