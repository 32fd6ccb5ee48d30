package core

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives the outcome of every service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// PrometheusMetricsRecorder publishes service operation durations and
// outcome counts as Prometheus metrics.
type PrometheusMetricsRecorder struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder creates the recorder and registers it with
// registry.
func NewPrometheusMetricsRecorder(registry prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanqa_service_operation_duration_seconds",
				Help:    "Time taken by core service operations",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"operation", "status"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanqa_service_operations_total",
				Help: "Total number of core service operations partitioned by outcome",
			},
			[]string{"operation", "status"},
		),
	}
	if registry != nil {
		if err := registry.Register(r); err != nil {
			return nil, fmt.Errorf("failed to register service metrics: %w", err)
		}
	}
	return r, nil
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.duration.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.total.WithLabelValues(operation, status).Inc()
}

// Describe implements prometheus.Collector.
func (r *PrometheusMetricsRecorder) Describe(ch chan<- *prometheus.Desc) {
	r.duration.Describe(ch)
	r.total.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *PrometheusMetricsRecorder) Collect(ch chan<- prometheus.Metric) {
	r.duration.Collect(ch)
	r.total.Collect(ch)
}
