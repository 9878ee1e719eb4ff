package recorder

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// FailureClass names why a capture attempt ended. It drives the restart
// delay and the failure metric label.
type FailureClass string

const (
	FailureProcessExit       FailureClass = "process-exit"
	FailureStall             FailureClass = "stall"
	FailureConnectionTimeout FailureClass = "connection-timeout"
	FailureStreamInterrupted FailureClass = "stream-interrupted"
	FailureUnavailable       FailureClass = "source-unavailable"
	FailureConfiguration     FailureClass = "configuration"
)

// Backend is the capture strategy for one source type.
type Backend interface {
	// Type returns the configured source type.
	Type() string
	// Validate checks static configuration. An error is persistent.
	Validate() error
	// HealthCheck probes the source before a subprocess is started.
	HealthCheck(ctx context.Context) error
	// Args returns the ffmpeg input arguments.
	Args() []string
	// Classify maps a failed attempt to a failure class.
	Classify(a Attempt) FailureClass
}

// Attempt describes how a capture attempt ended.
type Attempt struct {
	Err     error
	Stderr  string // tail of the subprocess error output
	Started bool   // false when the health check or launch failed
}

// NewBackend returns the backend for src.
func NewBackend(src conf.SourceSettings, healthTimeout time.Duration) (Backend, error) {
	switch src.Type {
	case conf.SourceStream:
		return newStreamBackend(src, healthTimeout), nil
	case conf.SourceRTSP:
		return newRTSPBackend(src, healthTimeout), nil
	case conf.SourceLocal:
		return newLocalBackend(src), nil
	default:
		return nil, errors.Newf("unknown source type %q", src.Type).
			Component("recorder").
			Category(errors.CategoryConfiguration).
			Context("source_id", src.ID).
			Build()
	}
}

func configError(err error, src conf.SourceSettings) error {
	return errors.New(err).
		Component("recorder").
		Category(errors.CategoryConfiguration).
		Context("source_id", src.ID).
		Context("source_type", src.Type).
		Build()
}
