package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InferenceMetrics tracks calls to the classification service.
type InferenceMetrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	Retries         prometheus.Counter
	InFlight        prometheus.Gauge
	registry        *prometheus.Registry
}

// NewInferenceMetrics creates and registers inference metrics.
func NewInferenceMetrics(registry *prometheus.Registry) (*InferenceMetrics, error) {
	m := &InferenceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register inference metrics: %w", err)
	}
	return m, nil
}

func (m *InferenceMetrics) initMetrics() {
	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_requests_total",
		Help: "Inference calls by final status",
	}, []string{"status"})

	m.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_request_duration_seconds",
		Help:    "Duration of single inference HTTP attempts",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	})

	m.Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inference_retries_total",
		Help: "Inference attempts beyond the first",
	})

	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inference_in_flight",
		Help: "Inference calls currently holding a concurrency slot",
	})
}

// ObserveAttempt records the duration of one HTTP attempt.
func (m *InferenceMetrics) ObserveAttempt(d time.Duration) {
	m.RequestDuration.Observe(d.Seconds())
}

// RecordRequest records the final status of a call.
func (m *InferenceMetrics) RecordRequest(status string) {
	m.Requests.WithLabelValues(status).Inc()
}

// RecordRetry counts one retry.
func (m *InferenceMetrics) RecordRetry() {
	m.Retries.Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *InferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.RequestDuration.Describe(ch)
	m.Retries.Describe(ch)
	m.InFlight.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *InferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.RequestDuration.Collect(ch)
	m.Retries.Collect(ch)
	m.InFlight.Collect(ch)
}
