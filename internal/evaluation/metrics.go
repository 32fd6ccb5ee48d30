package evaluation

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Evaluation outcome labels.
const (
	statusSuccess   = "success"
	statusFailure   = "failure"
	statusDiscarded = "discarded"
)

// Metrics publishes dispatcher activity. A nil *Metrics records nothing.
type Metrics struct {
	evaluations *prometheus.CounterVec
	loads       *prometheus.HistogramVec
	batchSize   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registry when it
// is non-nil.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanqa_evaluations_total",
				Help: "Frame evaluations partitioned by model and outcome",
			},
			[]string{"model", "status"},
		),
		loads: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanqa_model_load_duration_seconds",
				Help:    "Time taken to load an evaluation model",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"model"},
		),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanqa_evaluation_batch_frames",
			Help:    "Number of frames submitted per evaluation batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register evaluation metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) evaluated(model, status string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(model, status).Inc()
}

func (m *Metrics) modelLoaded(model string, d time.Duration) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) batch(frames int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(frames))
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.evaluations.Describe(ch)
	m.loads.Describe(ch)
	m.batchSize.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.evaluations.Collect(ch)
	m.loads.Collect(ch)
	m.batchSize.Collect(ch)
}
