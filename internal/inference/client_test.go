package inference

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

const testEndpoint = "http://inference.test/v1/analyze"

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:       testEndpoint,
		Timeout:        time.Second,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		MaxConcurrent:  2,
	}, opts...)
	require.NoError(t, err)
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func window(channels int) Request {
	return Request{
		SourceID: "yard",
		Offset:   1500 * time.Millisecond,
		Samples: &myaudio.Samples{
			Format: myaudio.Format{SampleRate: 48000, Channels: channels, BitDepth: 16},
			Data:   make([]int, 480*channels),
		},
	}
}

func TestClassifySendsPCMWithHeaders(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))
		assert.Equal(t, "48000", req.Header.Get(HeaderSampleRate))
		assert.Equal(t, "1", req.Header.Get(HeaderChannels))
		assert.Equal(t, "1500", req.Header.Get(HeaderWindowOffset))
		assert.Equal(t, "yard", req.Header.Get(HeaderSourceID))

		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		// stereo input is downmixed, 2 bytes per mono frame
		assert.Len(t, body, 480*2)

		return httpmock.NewStringResponse(http.StatusOK,
			`{"detections":[{"common_name":"Eurasian Wren","scientific_name":"Troglodytes troglodytes","confidence":0.91}]}`), nil
	})

	preds, err := c.Classify(context.Background(), window(2))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "Troglodytes troglodytes", preds[0].ScientificName)
	assert.InDelta(t, 0.91, preds[0].Confidence, 1e-9)
}

func TestClassifyEmptyDetections(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"detections":[]}`))

	preds, err := c.Classify(context.Background(), window(1))
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestClassifyRetriesTransientFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewInferenceMetrics(reg)
	require.NoError(t, err)
	c := newTestClient(t, WithMetrics(m))

	var calls atomic.Int32
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(*http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"detections":[]}`), nil
	})

	_, err = c.Classify(context.Background(), window(1))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(m.Retries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues(metrics.StatusSuccess)), 0)
}

func TestClassifyGivesUpAfterMaxRetries(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	_, err := c.Classify(context.Background(), window(1))
	require.Error(t, err)
	assert.Equal(t, 4, httpmock.GetTotalCallCount(), "one attempt plus three retries")
	assert.True(t, errors.IsCategory(err, errors.CategoryRetry))

	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "http-endpoint", ee.GetContext()["url_category"])
	assert.InDelta(t, 1.0, ee.GetContext()["timeout_seconds"], 1e-9)
}

func TestClassifyPermanentClientError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusBadRequest, "bad sample rate"))

	_, err := c.Classify(context.Background(), window(1))
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "bad sample rate")
}

func TestClassifyRetriesThrottling(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			c := newTestClient(t)
			var calls atomic.Int32
			httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(*http.Request) (*http.Response, error) {
				if calls.Add(1) == 1 {
					return httpmock.NewStringResponse(code, ""), nil
				}
				return httpmock.NewStringResponse(http.StatusOK, `{"detections":[]}`), nil
			})

			_, err := c.Classify(context.Background(), window(1))
			require.NoError(t, err)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestClassifyDropsInvalidPredictions(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewStringResponder(http.StatusOK,
		`{"detections":[{"scientific_name":"A a","confidence":1.4},{"confidence":0.9},{"scientific_name":"B b","confidence":0.5}]}`))

	preds, err := c.Classify(context.Background(), window(1))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "B b", preds[0].ScientificName)
}

func TestClassifyMalformedBodyIsNotRetried(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"detections":`))

	_, err := c.Classify(context.Background(), window(1))
	require.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClassifyRejectsEmptyWindow(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Classify(context.Background(), Request{SourceID: "yard"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestClassifyHonoursCancellation(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Classify(ctx, window(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "not a url"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestConcurrencyIsBounded(t *testing.T) {
	c := newTestClient(t)

	var active, peak atomic.Int32
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(*http.Request) (*http.Response, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return httpmock.NewStringResponse(http.StatusOK, `{"detections":[]}`), nil
	})

	done := make(chan struct{})
	for range 6 {
		go func() {
			_, _ = c.Classify(context.Background(), window(1))
			done <- struct{}{}
		}()
	}
	for range 6 {
		<-done
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBackoffWaitReleasesSlot(t *testing.T) {
	c, err := NewClient(Config{
		Endpoint:       testEndpoint,
		Timeout:        time.Second,
		MaxRetries:     1,
		BackoffInitial: time.Second,
		BackoffMax:     time.Second,
		MaxConcurrent:  1,
	})
	require.NoError(t, err)
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	var pondCalls atomic.Int32
	pondFailed := make(chan struct{})
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get(HeaderSourceID) == "pond" && pondCalls.Add(1) == 1 {
			close(pondFailed)
			return httpmock.NewStringResponse(http.StatusBadGateway, "busy"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"detections":[]}`), nil
	})

	pond := window(1)
	pond.SourceID = "pond"
	pondDone := make(chan error, 1)
	go func() {
		_, err := c.Classify(context.Background(), pond)
		pondDone <- err
	}()
	<-pondFailed

	// pond is now waiting out its backoff; yard must not queue behind it
	yardDone := make(chan error, 1)
	go func() {
		_, err := c.Classify(context.Background(), window(1))
		yardDone <- err
	}()
	select {
	case err := <-yardDone:
		require.NoError(t, err)
	case <-time.After(400 * time.Millisecond):
		t.Fatal("request waited for a slot held by a retrying request")
	}
	assert.Len(t, pondDone, 0, "pond is still backing off")

	require.NoError(t, <-pondDone)
	assert.Equal(t, int32(2), pondCalls.Load())
}
