package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderMetricsStateIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRecorderMetrics(reg)
	require.NoError(t, err)

	m.SetState("yard", "starting")
	m.SetState("yard", "recording")

	assert.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("yard", "recording")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.State.WithLabelValues("yard", "starting")), 0)
}

func TestRecorderMetricsChunkClearsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRecorderMetrics(reg)
	require.NoError(t, err)

	m.RecordFailure("yard", "stream-interrupted", 3)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ConsecutiveFails.WithLabelValues("yard")), 0)

	m.RecordChunk("yard")
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConsecutiveFails.WithLabelValues("yard")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ChunksEmitted.WithLabelValues("yard")), 0)
}

func TestInferenceMetricsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewInferenceMetrics(reg)
	require.NoError(t, err)

	m.ObserveAttempt(120 * time.Millisecond)
	m.ObserveAttempt(80 * time.Millisecond)
	m.RecordRequest(StatusSuccess)

	families, err := reg.Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, f := range families {
		if f.GetName() == "inference_request_duration_seconds" {
			hist = f.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.2, hist.GetSampleSum(), 1e-9)
}

func TestDiskManagerUtilization(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewDiskManagerMetrics(reg)
	require.NoError(t, err)

	m.UpdateDiskUsage(75, 100)
	assert.InDelta(t, 75.0, testutil.ToFloat64(m.diskUtilizationPercentage), 1e-9)

	m.UpdateDiskUsage(10, 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.diskUtilizationPercentage), 1e-9)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewAnalysisMetrics(reg)
	require.NoError(t, err)
	_, err = NewAnalysisMetrics(reg)
	require.Error(t, err)
}
