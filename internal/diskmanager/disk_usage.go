// disk_usage.go - disk usage queries for the clips filesystem

package diskmanager

import (
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// DiskSpaceInfo holds detailed disk space information.
type DiskSpaceInfo struct {
	TotalBytes  uint64
	UsedBytes   uint64
	UsedPercent float64
}

// UsageFunc reports disk usage for the filesystem containing path.
type UsageFunc func(path string) (DiskSpaceInfo, error)

// GetDiskUsage returns the usage of the filesystem containing path.
func GetDiskUsage(path string) (DiskSpaceInfo, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskSpaceInfo{}, errors.New(err).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("operation", "disk_usage").
			Context("path", path).
			Build()
	}
	return DiskSpaceInfo{
		TotalBytes:  usage.Total,
		UsedBytes:   usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// measure queries usage and records it.
func (m *Manager) measure() (DiskSpaceInfo, error) {
	start := time.Now()
	info, err := m.usage(m.cfg.ClipsDir)
	if m.metrics != nil {
		m.metrics.RecordDiskCheckDuration(time.Since(start).Seconds())
		if err == nil {
			m.metrics.UpdateDiskUsage(info.UsedBytes, info.TotalBytes)
		}
	}
	return info, err
}
