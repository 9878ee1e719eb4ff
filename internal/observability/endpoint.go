package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	metricspkg "github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

// HealthSource reports recorder health for /healthz.
type HealthSource interface {
	Statuses() []recorder.Status
	Healthy() bool
}

// HealthReport is the /healthz response body.
type HealthReport struct {
	Status    string            `json:"status"`
	Recorders []recorder.Status `json:"recorders"`
	Time      time.Time         `json:"time"`
}

// Endpoint serves /metrics and /healthz.
type Endpoint struct {
	echo          *echo.Echo
	listenAddress string
	metrics       *Metrics
	health        HealthSource
}

// NewEndpoint builds the operations endpoint. health may be nil, in which
// case /healthz always reports ok.
func NewEndpoint(listen string, m *Metrics, health HealthSource) (*Endpoint, error) {
	if listen == "" {
		return nil, errors.Newf("metrics listen address is required").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if m == nil {
		return nil, errors.Newf("metrics are required").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	ep := &Endpoint{
		echo:          e,
		listenAddress: listen,
		metrics:       m,
		health:        health,
	}
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.GET("/healthz", ep.healthz)
	return ep, nil
}

// Handler returns the router, for tests.
func (e *Endpoint) Handler() http.Handler {
	return e.echo
}

func (e *Endpoint) healthz(c echo.Context) error {
	report := HealthReport{Status: "ok", Time: time.Now()}
	code := http.StatusOK
	if e.health != nil {
		report.Recorders = e.health.Statuses()
		if !e.health.Healthy() {
			report.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, report)
}

// Start binds the listen address and serves until ctx is cancelled. A bind
// failure is returned immediately.
func (e *Endpoint) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("listen", e.listenAddress).
			Build()
	}
	e.echo.Listener = ln

	go func() {
		getLogger().Info("operations endpoint starting", logger.String("address", ln.Addr().String()))
		if err := e.echo.Start(""); err != nil && err != http.ErrServerClosed {
			getLogger().Error("operations endpoint server error", logger.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		e.Shutdown()
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (e *Endpoint) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.echo.Shutdown(ctx); err != nil {
		getLogger().Error("operations endpoint shutdown error", logger.Error(err))
	}
}

// Addr returns the bound address once Start succeeded.
func (e *Endpoint) Addr() net.Addr {
	if e.echo.Listener == nil {
		return nil
	}
	return e.echo.Listener.Addr()
}
