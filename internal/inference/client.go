// Package inference is the HTTP client for the species classification service.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

const (
	defaultUserAgent = "birdnet-pipeline"
	componentName    = "inference"
)

// Request headers understood by the classification service.
const (
	HeaderSampleRate   = "X-Sample-Rate"
	HeaderChannels     = "X-Channels"
	HeaderWindowOffset = "X-Window-Offset-Ms"
	HeaderSourceID     = "X-Source-Id"
)

// Prediction is one species result returned for a window.
type Prediction struct {
	CommonName     string  `json:"common_name"`
	ScientificName string  `json:"scientific_name"`
	Confidence     float64 `json:"confidence"`
}

type response struct {
	Detections []Prediction `json:"detections"`
}

// Request describes one analysis window to classify.
type Request struct {
	SourceID string
	Offset   time.Duration
	Samples  *myaudio.Samples
}

// Classifier classifies audio windows. The orchestrator depends on this
// interface so tests can substitute a fake service.
type Classifier interface {
	Classify(ctx context.Context, req Request) ([]Prediction, error)
}

// Config holds client settings.
type Config struct {
	Endpoint       string
	Timeout        time.Duration // per attempt
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxConcurrent  int
	RateLimit      float64 // requests per second, 0 = unlimited
	UserAgent      string
}

// Client posts PCM windows to the inference endpoint.
type Client struct {
	cfg     Config
	http    *resty.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  logger.Logger
	metrics *metrics.InferenceMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics attaches inference metrics.
func WithMetrics(m *metrics.InferenceMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("endpoint", cfg.Endpoint).
			Build()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", cfg.UserAgent),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: logger.Global().Module(componentName),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify sends one window and returns its predictions. Transient failures
// are retried with exponential backoff; 4xx responses other than 408 and 429
// fail immediately.
func (c *Client) Classify(ctx context.Context, req Request) ([]Prediction, error) {
	if req.Samples == nil || req.Samples.Frames() == 0 {
		return nil, errors.Newf("empty window").
			Component(componentName).
			Category(errors.CategoryValidation).
			Context("source_id", req.SourceID).
			Build()
	}

	mono := req.Samples.ToMono()
	body := mono.EncodeS16LE()

	attempt := 0
	var predictions []Prediction
	operation := func() error {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.RecordRetry()
		}
		// a slot is held only for the request itself, never across a backoff wait
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer c.sem.Release(1)
		if c.metrics != nil {
			c.metrics.InFlight.Inc()
			defer c.metrics.InFlight.Dec()
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		p, err := c.post(ctx, &req, mono.SampleRate, body)
		if err != nil {
			return err
		}
		predictions = p
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("inference attempt failed, retrying",
			logger.String("source_id", req.SourceID),
			logger.Duration("offset", req.Offset),
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait),
			logger.Error(err))
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify); err != nil {
		c.record(metrics.StatusError)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New(err).
			Component(componentName).
			Category(categorize(err)).
			NetworkContext(c.cfg.Endpoint, c.cfg.Timeout).
			Context("source_id", req.SourceID).
			Context("offset_ms", req.Offset.Milliseconds()).
			Context("attempts", attempt).
			Build()
	}

	c.record(metrics.StatusSuccess)
	return predictions, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BackoffInitial
	exp.MaxInterval = c.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetries)), ctx) //nolint:gosec // G115: clamped to >= 0
}

func (c *Client) post(ctx context.Context, req *Request, sampleRate int, body []byte) ([]Prediction, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader(HeaderSampleRate, strconv.Itoa(sampleRate)).
		SetHeader(HeaderChannels, "1").
		SetHeader(HeaderWindowOffset, strconv.FormatInt(req.Offset.Milliseconds(), 10)).
		SetHeader(HeaderSourceID, req.SourceID).
		SetBody(body).
		Post(c.cfg.Endpoint)
	if c.metrics != nil {
		c.metrics.ObserveAttempt(time.Since(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, c.handleNetworkError(err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
	case isPermanentStatus(status):
		return nil, backoff.Permanent(&StatusError{Code: status, Body: truncate(resp.String(), 256)})
	default:
		return nil, &StatusError{Code: status, Body: truncate(resp.String(), 256)}
	}

	var parsed response
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode inference response: %w", err))
		}
	}
	return c.sanitize(parsed.Detections), nil
}

// sanitize drops results without a name or with a confidence outside [0,1].
func (c *Client) sanitize(in []Prediction) []Prediction {
	out := in[:0]
	for _, p := range in {
		if p.ScientificName == "" && p.CommonName == "" {
			continue
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			c.logger.Warn("discarding prediction with out of range confidence",
				logger.String("species", p.ScientificName),
				logger.Float64("confidence", p.Confidence))
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Client) handleNetworkError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn("inference request timed out", logger.Error(err))
		return fmt.Errorf("request timed out: %w", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			c.logger.Error("DNS resolution failed", logger.String("url", urlErr.URL), logger.Error(err))
			return fmt.Errorf("DNS resolution failed: %w", err)
		}
	}
	c.logger.Warn("inference network error", logger.Error(err))
	return fmt.Errorf("network error: %w", err)
}

func (c *Client) record(status string) {
	if c.metrics != nil {
		c.metrics.RecordRequest(status)
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference service returned %d", e.Code)
	}
	return fmt.Sprintf("inference service returned %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err is a client error that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && isPermanentStatus(se.Code)
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func categorize(err error) errors.ErrorCategory {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.CategoryTimeout
	case IsPermanent(err):
		return errors.CategoryInference
	case errors.As(err, &netErr):
		return errors.CategoryNetwork
	}
	var se *StatusError
	if errors.As(err, &se) {
		return errors.CategoryRetry
	}
	return errors.CategoryInference
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
