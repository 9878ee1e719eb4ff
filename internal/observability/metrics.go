// Package observability provides Prometheus metrics and the operations
// endpoint for the pipeline.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application. Every
// collector is registered on a private registry, so several instances can
// coexist in tests.
type Metrics struct {
	registry     *prometheus.Registry
	Recorder     *metrics.RecorderMetrics
	Analysis     *metrics.AnalysisMetrics
	Inference    *metrics.InferenceMetrics
	Datastore    *metrics.DatastoreMetrics
	DiskManager  *metrics.DiskManagerMetrics
	MQTT         *metrics.MQTTMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: registry}
	var err error

	if m.Recorder, err = metrics.NewRecorderMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create recorder metrics: %w", err)
	}
	if m.Analysis, err = metrics.NewAnalysisMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}
	if m.Inference, err = metrics.NewInferenceMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create inference metrics: %w", err)
	}
	if m.Datastore, err = metrics.NewDatastoreMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}
	if m.DiskManager, err = metrics.NewDiskManagerMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create disk manager metrics: %w", err)
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}
	if m.Notification, err = metrics.NewNotificationMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create notification metrics: %w", err)
	}

	return m, nil
}

// Registry returns the registry all collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// promLogger adapts the module logger to promhttp.Logger.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	getLogger().Warn("metrics handler error", logger.String("error", fmt.Sprint(v...)))
}
