// Package metrics provides Prometheus collectors for the engine runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/goliatone/go-durable/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics records worker runtime observability into a Prometheus
// registry. It implements worker.Metrics.
type WorkerMetrics struct {
	registry *prometheus.Registry

	dispatchLag   *prometheus.HistogramVec
	itemsHandled  *prometheus.CounterVec
	retryAttempts *prometheus.HistogramVec
}

// NewWorkerMetrics constructs collectors under the given namespace and
// registers them, along with the standard Go runtime collectors, on a fresh
// registry.
func NewWorkerMetrics(namespace string) *WorkerMetrics {
	if namespace == "" {
		namespace = "durable"
	}
	registry := prometheus.NewRegistry()

	m := &WorkerMetrics{
		registry: registry,
		dispatchLag: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_lag_seconds",
				Help:      "Time between enqueueing a work item and a worker claiming it",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		itemsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_handled_total",
				Help:      "Work items processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		retryAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "work_item_retry_attempts",
				Help:      "Attempt counts observed when work items are redelivered",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(
		m.dispatchLag,
		m.itemsHandled,
		m.retryAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordDispatchLag observes queue-to-claim latency.
func (m *WorkerMetrics) RecordDispatchLag(kind string, lag time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLag.WithLabelValues(kind).Observe(lag.Seconds())
}

// RecordProcessOutcome counts a processed work item.
func (m *WorkerMetrics) RecordProcessOutcome(kind string, outcome worker.ProcessOutcome) {
	if m == nil {
		return
	}
	m.itemsHandled.WithLabelValues(kind, string(outcome)).Inc()
}

// RecordRetryAttempt observes the attempt count of an abandoned item.
func (m *WorkerMetrics) RecordRetryAttempt(kind string, attempt int) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(kind).Observe(float64(attempt))
}

// Registry exposes the underlying registry for additional collectors.
func (m *WorkerMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *WorkerMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ worker.Metrics = (*WorkerMetrics)(nil)
