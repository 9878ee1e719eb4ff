// Package metrics provides custom Prometheus metrics for notification operations.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics tracks shoutrrr deliveries.
type NotificationMetrics struct {
	DeliveriesTotal  *prometheus.CounterVec   // by service and status
	DeliveryDuration *prometheus.HistogramVec // by service
	FilterRejections *prometheus.CounterVec   // by reason

	registry *prometheus.Registry
}

// NewNotificationMetrics creates a new instance of NotificationMetrics.
func NewNotificationMetrics(registry *prometheus.Registry) (*NotificationMetrics, error) {
	m := &NotificationMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register notification metrics: %w", err)
	}
	return m, nil
}

func (m *NotificationMetrics) initMetrics() {
	m.DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Total notification deliveries by service and status",
		},
		[]string{"service", "status"},
	)

	m.DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Notification delivery latency by service",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount10),
		},
		[]string{"service"},
	)

	m.FilterRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_filter_rejections_total",
			Help: "Detections not notified, by reason",
		},
		[]string{"reason"},
	)
}

// RecordDelivery records a delivery attempt.
func (m *NotificationMetrics) RecordDelivery(service, status string, duration time.Duration) {
	m.DeliveriesTotal.WithLabelValues(service, status).Inc()
	m.DeliveryDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordFilterRejection records a detection filtered out before delivery.
func (m *NotificationMetrics) RecordFilterRejection(reason string) {
	m.FilterRejections.WithLabelValues(reason).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *NotificationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DeliveriesTotal.Collect(ch)
	m.DeliveryDuration.Collect(ch)
	m.FilterRejections.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *NotificationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DeliveriesTotal.Describe(ch)
	m.DeliveryDuration.Describe(ch)
	m.FilterRejections.Describe(ch)
}
