package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

type fakeHealth struct {
	statuses []recorder.Status
	healthy  bool
}

func (f fakeHealth) Statuses() []recorder.Status { return f.statuses }
func (f fakeHealth) Healthy() bool               { return f.healthy }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func TestNewMetricsInstancesAreIndependent(t *testing.T) {
	first, err := NewMetrics()
	require.NoError(t, err)
	second, err := NewMetrics()
	require.NoError(t, err, "private registries must not collide")
	assert.NotSame(t, first.Registry(), second.Registry())

	assert.NotNil(t, first.Recorder)
	assert.NotNil(t, first.Analysis)
	assert.NotNil(t, first.Inference)
	assert.NotNil(t, first.Datastore)
	assert.NotNil(t, first.DiskManager)
	assert.NotNil(t, first.MQTT)
	assert.NotNil(t, first.Notification)
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.Analysis.RecordChunk("processed", 1.5)
	m.Recorder.RecordChunk("yard")

	ep, err := NewEndpoint(":0", m, nil)
	require.NoError(t, err)

	rec := get(t, ep.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `analysis_chunks_total{outcome="processed"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestHealthz(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	statuses := []recorder.Status{
		{SourceID: "yard", Backend: "stream", State: recorder.StateRecording},
		{SourceID: "pond", Backend: "rtsp", State: recorder.StateError, LastError: "connection refused"},
	}
	tests := []struct {
		name       string
		health     HealthSource
		wantCode   int
		wantStatus string
		wantCount  int
	}{
		{"no recorders", nil, http.StatusOK, "ok", 0},
		{"healthy", fakeHealth{statuses: statuses[:1], healthy: true}, http.StatusOK, "ok", 1},
		{"degraded", fakeHealth{statuses: statuses, healthy: false}, http.StatusServiceUnavailable, "degraded", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := NewEndpoint(":0", m, tt.health)
			require.NoError(t, err)

			rec := get(t, ep.Handler(), "/healthz")
			assert.Equal(t, tt.wantCode, rec.Code)

			var report HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Len(t, report.Recorders, tt.wantCount)
		})
	}
}

func TestNewEndpointValidates(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	_, err = NewEndpoint("", m, nil)
	require.Error(t, err)
	_, err = NewEndpoint(":0", nil, nil)
	require.Error(t, err)
}

func TestEndpointServesUntilCancelled(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	ep, err := NewEndpoint("127.0.0.1:0", m, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ep.Start(ctx))
	url := fmt.Sprintf("http://%s/healthz", ep.Addr())

	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartReportsBindFailure(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	busy, err := NewEndpoint("127.0.0.1:0", m, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, busy.Start(ctx))

	clash, err := NewEndpoint(busy.Addr().String(), m, nil)
	require.NoError(t, err)
	require.Error(t, clash.Start(ctx))
}
