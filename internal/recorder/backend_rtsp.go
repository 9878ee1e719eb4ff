package recorder

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
)

const (
	defaultRTSPPort  = "554"
	defaultRTSPSPort = "322"
)

// rtspBackend captures an RTSP stream.
type rtspBackend struct {
	src     conf.SourceSettings
	timeout time.Duration
	dialer  *net.Dialer
}

func newRTSPBackend(src conf.SourceSettings, healthTimeout time.Duration) *rtspBackend {
	if src.Transport == "" {
		src.Transport = "tcp"
	}
	return &rtspBackend{
		src:     src,
		timeout: healthTimeout,
		dialer:  &net.Dialer{Timeout: healthTimeout},
	}
}

func (b *rtspBackend) Type() string { return conf.SourceRTSP }

func (b *rtspBackend) Validate() error {
	if err := conf.ValidateSource(&b.src); err != nil {
		return configError(err, b.src)
	}
	return nil
}

// HealthCheck dials the RTSP server.
func (b *rtspBackend) HealthCheck(ctx context.Context) error {
	addr, err := b.address()
	if err != nil {
		return configError(err, b.src)
	}
	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return healthError(err, b.src, "dial_rtsp")
	}
	return conn.Close()
}

func (b *rtspBackend) address() (string, error) {
	u, err := url.Parse(b.src.URL)
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port == "" {
		port = defaultRTSPPort
		if strings.EqualFold(u.Scheme, "rtsps") {
			port = defaultRTSPSPort
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (b *rtspBackend) Args() []string {
	return []string{
		"-rtsp_transport", b.src.Transport,
		// socket timeout in microseconds
		"-timeout", formatMicros(b.timeout),
		"-i", b.src.URL,
	}
}

// Classify separates unreachable cameras from streams that ran and broke.
func (b *rtspBackend) Classify(a Attempt) FailureClass {
	switch {
	case isTimeout(a.Err), containsAny(a.Stderr, "Connection timed out"):
		return FailureConnectionTimeout
	case !a.Started:
		return FailureUnavailable
	default:
		// the process ran, so the camera was reachable
		return FailureStreamInterrupted
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return err != nil && errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
