package recorder

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// streamBackend captures an HTTP(S) audio stream.
type streamBackend struct {
	src  conf.SourceSettings
	http *resty.Client
}

func newStreamBackend(src conf.SourceSettings, healthTimeout time.Duration) *streamBackend {
	client := resty.New().
		SetTimeout(healthTimeout).
		SetHeader("User-Agent", "birdnet-pipeline-recorder").
		SetHeader("Icy-MetaData", "0")
	return &streamBackend{src: src, http: client}
}

func (b *streamBackend) Type() string { return conf.SourceStream }

func (b *streamBackend) Validate() error {
	if err := conf.ValidateSource(&b.src); err != nil {
		return configError(err, b.src)
	}
	return nil
}

// HealthCheck opens the stream and requires at least one byte of body.
func (b *streamBackend) HealthCheck(ctx context.Context) error {
	resp, err := b.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(b.src.URL)
	if err != nil {
		return healthError(err, b.src, "open_stream")
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return healthError(fmt.Errorf("stream returned HTTP %d", resp.StatusCode()), b.src, "open_stream")
	}

	buf := make([]byte, 1)
	if _, err := io.ReadFull(body, buf); err != nil {
		return healthError(fmt.Errorf("no audio data: %w", err), b.src, "read_stream")
	}
	return nil
}

func (b *streamBackend) Args() []string {
	return []string{"-i", b.src.URL}
}

func (b *streamBackend) Classify(a Attempt) FailureClass {
	switch {
	case isTimeout(a.Err), containsAny(a.Stderr, "Connection timed out"):
		return FailureConnectionTimeout
	case !a.Started:
		return FailureUnavailable
	default:
		return FailureProcessExit
	}
}

func healthError(err error, src conf.SourceSettings, op string) error {
	return errors.New(err).
		Component("recorder").
		Category(errors.CategoryNetwork).
		Context("operation", op).
		Context("source_id", src.ID).
		Context("url", logger.SanitizeURL(src.URL)).
		Build()
}
