package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// RecorderStates lists every lifecycle state exported by the state gauge.
var RecorderStates = []string{"stopped", "starting", "recording", "error", "restarting"}

// RecorderMetrics tracks capture supervision per source.
type RecorderMetrics struct {
	State            *prometheus.GaugeVec
	Restarts         *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	ChunksEmitted    *prometheus.CounterVec
	ConsecutiveFails *prometheus.GaugeVec
	registry         *prometheus.Registry
}

// NewRecorderMetrics creates and registers recorder metrics.
func NewRecorderMetrics(registry *prometheus.Registry) (*RecorderMetrics, error) {
	m := &RecorderMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register recorder metrics: %w", err)
	}
	return m, nil
}

func (m *RecorderMetrics) initMetrics() {
	m.State = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_state",
		Help: "Current recorder lifecycle state (1 for the active state)",
	}, []string{"source", "state"})

	m.Restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_restarts_total",
		Help: "Capture subprocess restarts",
	}, []string{"source"})

	m.Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_failures_total",
		Help: "Capture failures by classification",
	}, []string{"source", "class"})

	m.ChunksEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_chunks_emitted_total",
		Help: "Completed chunks finalized into the recording directory",
	}, []string{"source"})

	m.ConsecutiveFails = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_consecutive_failures",
		Help: "Failures since the last completed chunk",
	}, []string{"source"})
}

// SetState marks state as the active one for source.
func (m *RecorderMetrics) SetState(source, state string) {
	for _, s := range RecorderStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(source, s).Set(v)
	}
}

// RecordRestart counts a restart attempt.
func (m *RecorderMetrics) RecordRestart(source string) {
	m.Restarts.WithLabelValues(source).Inc()
}

// RecordFailure counts a classified failure and updates the consecutive count.
func (m *RecorderMetrics) RecordFailure(source, class string, consecutive int) {
	m.Failures.WithLabelValues(source, class).Inc()
	m.ConsecutiveFails.WithLabelValues(source).Set(float64(consecutive))
}

// RecordChunk counts an emitted chunk and clears the consecutive count.
func (m *RecorderMetrics) RecordChunk(source string) {
	m.ChunksEmitted.WithLabelValues(source).Inc()
	m.ConsecutiveFails.WithLabelValues(source).Set(0)
}

// Describe implements the prometheus.Collector interface.
func (m *RecorderMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.State.Describe(ch)
	m.Restarts.Describe(ch)
	m.Failures.Describe(ch)
	m.ChunksEmitted.Describe(ch)
	m.ConsecutiveFails.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *RecorderMetrics) Collect(ch chan<- prometheus.Metric) {
	m.State.Collect(ch)
	m.Restarts.Collect(ch)
	m.Failures.Collect(ch)
	m.ChunksEmitted.Collect(ch)
	m.ConsecutiveFails.Collect(ch)
}
