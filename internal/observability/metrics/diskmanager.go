// Package metrics provides disk management metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DiskManagerMetrics contains Prometheus metrics for storage eviction
type DiskManagerMetrics struct {
	registry *prometheus.Registry

	// Disk usage metrics
	diskUsageBytes            prometheus.Gauge
	diskTotalBytes            prometheus.Gauge
	diskUtilizationPercentage prometheus.Gauge
	diskCheckDurationSeconds  prometheus.Histogram

	// Cycle metrics
	cyclesTotal            *prometheus.CounterVec
	overQuotaTotal         prometheus.Counter
	cleanupErrorsTotal     *prometheus.CounterVec
	detectionsEvictedTotal prometheus.Counter
	filesDeletedTotal      prometheus.Counter
	cycleDurationSeconds   prometheus.Histogram
}

// NewDiskManagerMetrics creates and registers new disk manager metrics
func NewDiskManagerMetrics(registry *prometheus.Registry) (*DiskManagerMetrics, error) {
	m := &DiskManagerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DiskManagerMetrics) initMetrics() {
	m.diskUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diskmanager_disk_usage_bytes",
		Help: "Current disk usage in bytes",
	})

	m.diskTotalBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diskmanager_disk_total_bytes",
		Help: "Total disk space in bytes",
	})

	m.diskUtilizationPercentage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diskmanager_disk_utilization_percentage",
		Help: "Current disk utilization as a percentage",
	})

	m.diskCheckDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "diskmanager_disk_check_duration_seconds",
		Help:    "Time taken to check disk usage",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
	})

	m.cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmanager_cycles_total",
			Help: "Total number of eviction cycles by result",
		},
		[]string{"result"}, // idle, evicted, error
	)

	m.overQuotaTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diskmanager_over_quota_total",
		Help: "Cycles that ran out of eviction candidates above the high watermark",
	})

	m.cleanupErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskmanager_cleanup_errors_total",
			Help: "Total number of cleanup errors",
		},
		[]string{"error_type"},
	)

	m.detectionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diskmanager_detections_evicted_total",
		Help: "Detection records removed together with their artifacts",
	})

	m.filesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diskmanager_files_deleted_total",
		Help: "Total number of artifact files deleted",
	})

	m.cycleDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "diskmanager_cycle_duration_seconds",
		Help:    "Time taken for eviction cycles",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
	})
}

// Describe implements the Collector interface
func (m *DiskManagerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.diskUsageBytes.Describe(ch)
	m.diskTotalBytes.Describe(ch)
	m.diskUtilizationPercentage.Describe(ch)
	m.diskCheckDurationSeconds.Describe(ch)
	m.cyclesTotal.Describe(ch)
	m.overQuotaTotal.Describe(ch)
	m.cleanupErrorsTotal.Describe(ch)
	m.detectionsEvictedTotal.Describe(ch)
	m.filesDeletedTotal.Describe(ch)
	m.cycleDurationSeconds.Describe(ch)
}

// Collect implements the Collector interface
func (m *DiskManagerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.diskUsageBytes.Collect(ch)
	m.diskTotalBytes.Collect(ch)
	m.diskUtilizationPercentage.Collect(ch)
	m.diskCheckDurationSeconds.Collect(ch)
	m.cyclesTotal.Collect(ch)
	m.overQuotaTotal.Collect(ch)
	m.cleanupErrorsTotal.Collect(ch)
	m.detectionsEvictedTotal.Collect(ch)
	m.filesDeletedTotal.Collect(ch)
	m.cycleDurationSeconds.Collect(ch)
}

// UpdateDiskUsage updates disk usage metrics
func (m *DiskManagerMetrics) UpdateDiskUsage(usedBytes, totalBytes uint64) {
	m.diskUsageBytes.Set(float64(usedBytes))
	m.diskTotalBytes.Set(float64(totalBytes))

	var utilizationPercentage float64
	if totalBytes > 0 {
		utilizationPercentage = float64(usedBytes) / float64(totalBytes) * PercentageFactor
	}
	m.diskUtilizationPercentage.Set(utilizationPercentage)
}

// RecordDiskCheckDuration records the time taken to check disk usage
func (m *DiskManagerMetrics) RecordDiskCheckDuration(seconds float64) {
	m.diskCheckDurationSeconds.Observe(seconds)
}

// RecordCycle records the result and duration of one eviction cycle
func (m *DiskManagerMetrics) RecordCycle(result string, seconds float64) {
	m.cyclesTotal.WithLabelValues(result).Inc()
	m.cycleDurationSeconds.Observe(seconds)
}

// RecordOverQuota records a cycle that could not reach the low watermark
func (m *DiskManagerMetrics) RecordOverQuota() {
	m.overQuotaTotal.Inc()
}

// RecordCleanupError records a cleanup error
func (m *DiskManagerMetrics) RecordCleanupError(errorType string) {
	m.cleanupErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordEviction records one evicted detection and the files removed for it
func (m *DiskManagerMetrics) RecordEviction(filesDeleted int) {
	m.detectionsEvictedTotal.Inc()
	m.filesDeletedTotal.Add(float64(filesDeleted))
}
