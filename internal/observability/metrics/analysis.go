package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// AnalysisMetrics tracks the chunk orchestrator.
type AnalysisMetrics struct {
	Chunks             *prometheus.CounterVec
	ChunkDuration      prometheus.Histogram
	Detections         *prometheus.CounterVec
	SkippedWindows     prometheus.Counter
	EventsDropped      prometheus.Counter
	StaleClaimsRevived prometheus.Counter
	InFlightChunks     prometheus.Gauge
	registry           *prometheus.Registry
}

// NewAnalysisMetrics creates and registers orchestrator metrics.
func NewAnalysisMetrics(registry *prometheus.Registry) (*AnalysisMetrics, error) {
	m := &AnalysisMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register analysis metrics: %w", err)
	}
	return m, nil
}

func (m *AnalysisMetrics) initMetrics() {
	m.Chunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_chunks_total",
		Help: "Chunks handled by outcome",
	}, []string{"outcome"})

	m.ChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_chunk_duration_seconds",
		Help:    "Wall time spent processing one chunk",
		Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
	})

	m.Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_detections_total",
		Help: "Inference results by decision",
	}, []string{"decision"}) // accepted, rejected, deduplicated, failed

	m.SkippedWindows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_skipped_windows_total",
		Help: "Windows skipped after exhausting inference retries",
	})

	m.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_events_dropped_total",
		Help: "Detection events the bus refused",
	})

	m.StaleClaimsRevived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_stale_claims_reclaimed_total",
		Help: "Claim markers reclaimed after the stale timeout",
	})

	m.InFlightChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "analysis_in_flight_chunks",
		Help: "Chunks currently claimed by this process",
	})
}

// RecordChunk records the outcome and wall time of a chunk.
func (m *AnalysisMetrics) RecordChunk(outcome string, seconds float64) {
	m.Chunks.WithLabelValues(outcome).Inc()
	m.ChunkDuration.Observe(seconds)
}

// RecordDetection records one inference result decision.
func (m *AnalysisMetrics) RecordDetection(decision string) {
	m.Detections.WithLabelValues(decision).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *AnalysisMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Chunks.Describe(ch)
	m.ChunkDuration.Describe(ch)
	m.Detections.Describe(ch)
	m.SkippedWindows.Describe(ch)
	m.EventsDropped.Describe(ch)
	m.StaleClaimsRevived.Describe(ch)
	m.InFlightChunks.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *AnalysisMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Chunks.Collect(ch)
	m.ChunkDuration.Collect(ch)
	m.Detections.Collect(ch)
	m.SkippedWindows.Collect(ch)
	m.EventsDropped.Collect(ch)
	m.StaleClaimsRevived.Collect(ch)
	m.InFlightChunks.Collect(ch)
}
