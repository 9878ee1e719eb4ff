// manager.go - watermark driven eviction of detection artifacts

// Package diskmanager keeps the clips filesystem under a usage budget by
// evicting the oldest detections that are not of a protected species.
package diskmanager

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

// Cycle results, also used as metric labels.
const (
	ResultIdle       = "idle"
	ResultHysteresis = "hysteresis"
	ResultEvicted    = "evicted"
	ResultOverQuota  = "over_quota"
	ResultError      = "error"
)

const defaultBatchSize = 50

// Store is the part of the datastore the manager needs.
type Store interface {
	GetEvictionCandidates(protected []string, after datastore.EvictionCursor, limit int) ([]datastore.Detection, error)
	DeleteDetection(id uint) error
}

// Budget describes the usage bounds the manager enforces.
type Budget struct {
	TotalBytes    uint64
	HighWatermark float64
	LowWatermark  float64
	Protected     []string
}

// Config holds manager settings.
type Config struct {
	ClipsDir      string
	Interval      time.Duration
	HighWatermark float64 // percent, eviction starts at or above
	LowWatermark  float64 // percent, eviction stops at or below
	Protected     []string
	BatchSize     int
}

// ConfigFromSettings maps application settings to a Config.
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		ClipsDir:      s.Clips.Dir,
		Interval:      s.Storage.Interval,
		HighWatermark: s.Storage.HighWatermark,
		LowWatermark:  s.Storage.LowWatermark,
		Protected:     s.Storage.Protected,
		BatchSize:     s.Storage.BatchSize,
	}
}

// CycleResult summarizes one eviction cycle.
type CycleResult struct {
	Result       string
	Budget       Budget
	StartUsage   float64
	EndUsage     float64
	Evicted      int
	FilesDeleted int
	Failures     int
	OverQuota    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithUsageFunc replaces the disk usage query.
func WithUsageFunc(f UsageFunc) Option {
	return func(m *Manager) { m.usage = f }
}

// WithMetrics attaches disk manager metrics.
func WithMetrics(dm *metrics.DiskManagerMetrics) Option {
	return func(m *Manager) { m.metrics = dm }
}

// WithRemove replaces file removal, used by tests to inject failures.
func WithRemove(f func(string) error) Option {
	return func(m *Manager) { m.remove = f }
}

// Manager runs eviction cycles.
type Manager struct {
	cfg       Config
	store     Store
	protected map[string]struct{}
	usage     UsageFunc
	remove    func(string) error
	metrics   *metrics.DiskManagerMetrics
	logger    logger.Logger
}

// New validates cfg and builds a manager.
func New(store Store, cfg Config, opts ...Option) (*Manager, error) {
	switch {
	case store == nil:
		return nil, configError("store is required", cfg)
	case cfg.ClipsDir == "":
		return nil, configError("clips directory is required", cfg)
	case cfg.LowWatermark < 0 || cfg.HighWatermark > 100 || cfg.LowWatermark >= cfg.HighWatermark:
		return nil, configError("watermarks must satisfy 0 <= low < high <= 100", cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		protected: make(map[string]struct{}, len(cfg.Protected)),
		usage:     GetDiskUsage,
		remove:    os.Remove,
		logger:    GetLogger(),
	}
	for _, p := range cfg.Protected {
		m.protected[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func configError(msg string, cfg Config) error {
	return errors.Newf("%s", msg).
		Component("diskmanager").
		Category(errors.CategoryConfiguration).
		Context("high_watermark", cfg.HighWatermark).
		Context("low_watermark", cfg.LowWatermark).
		Build()
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. Cycle errors are logged; they never stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("storage manager started",
		logger.String("dir", m.cfg.ClipsDir),
		logger.Float64("high_watermark", m.cfg.HighWatermark),
		logger.Float64("low_watermark", m.cfg.LowWatermark),
		logger.Duration("interval", m.cfg.Interval))

	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("storage cycle failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evicts detections oldest first until usage is at or below the
// low watermark. Nothing happens below the high watermark. Running out of
// candidates above the high watermark yields OverQuota and a disk usage
// error.
func (m *Manager) RunCycle(ctx context.Context) (res CycleResult, err error) {
	start := time.Now()
	res.Budget = Budget{
		HighWatermark: m.cfg.HighWatermark,
		LowWatermark:  m.cfg.LowWatermark,
		Protected:     m.cfg.Protected,
	}
	defer func() {
		result := res.Result
		if err != nil && !res.OverQuota {
			result = ResultError
		}
		if m.metrics != nil {
			m.metrics.RecordCycle(result, time.Since(start).Seconds())
		}
	}()

	usage, err := m.measure()
	if err != nil {
		return res, err
	}
	res.Budget.TotalBytes = usage.TotalBytes
	res.StartUsage, res.EndUsage = usage.UsedPercent, usage.UsedPercent

	switch {
	case usage.UsedPercent < m.cfg.LowWatermark:
		res.Result = ResultIdle
		return res, nil
	case usage.UsedPercent < m.cfg.HighWatermark:
		res.Result = ResultHysteresis
		return res, nil
	}

	m.logger.Info("disk usage above high watermark, evicting",
		logger.Float64("usage", usage.UsedPercent),
		logger.Float64("high_watermark", m.cfg.HighWatermark))

	res.Result = ResultEvicted
	var cursor datastore.EvictionCursor
	for {
		batch, err := m.store.GetEvictionCandidates(m.cfg.Protected, cursor, m.cfg.BatchSize)
		if err != nil {
			m.recordError("query")
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			d := &batch[i]
			cursor = datastore.After(d)
			if !m.evict(d, &res) {
				continue
			}

			if usage, err = m.measure(); err != nil {
				return res, err
			}
			res.EndUsage = usage.UsedPercent
			if usage.UsedPercent <= m.cfg.LowWatermark {
				m.logCycle(&res)
				return res, nil
			}
		}
	}

	m.logCycle(&res)
	if res.EndUsage >= m.cfg.HighWatermark {
		res.OverQuota = true
		res.Result = ResultOverQuota
		if m.metrics != nil {
			m.metrics.RecordOverQuota()
		}
		m.logger.Warn("no eviction candidates left above high watermark",
			logger.Float64("usage", res.EndUsage),
			logger.Int("protected_species", len(m.cfg.Protected)))
		return res, errors.Newf("disk usage %.1f%% above high watermark with no evictable detections", res.EndUsage).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("usage", res.EndUsage).
			Context("high_watermark", m.cfg.HighWatermark).
			Build()
	}
	return res, nil
}

// evict removes the artifacts of d, then its record. A failed file removal
// keeps the record so the artifacts stay reachable. A record with no
// artifacts frees nothing and is left alone.
func (m *Manager) evict(d *datastore.Detection, res *CycleResult) bool {
	if m.isProtected(d) || !d.HasArtifacts() {
		return false
	}

	files := 0
	for _, path := range []string{d.ClipPath, d.SpectrogramPath} {
		if path == "" || strings.HasSuffix(path, myaudio.TempSuffix) {
			continue
		}
		if err := m.remove(path); err != nil && !os.IsNotExist(err) {
			res.Failures++
			m.recordError("remove")
			m.logger.Warn("failed to remove artifact, keeping detection",
				logger.Uint64("detection_id", uint64(d.ID)),
				logger.String("path", path),
				logger.Error(err))
			return false
		}
		files++
	}

	if err := m.store.DeleteDetection(d.ID); err != nil && !errors.IsNotFound(err) {
		res.Failures++
		m.recordError("delete_record")
		m.logger.Warn("failed to delete evicted detection",
			logger.Uint64("detection_id", uint64(d.ID)),
			logger.Error(err))
		return false
	}

	res.Evicted++
	res.FilesDeleted += files
	if m.metrics != nil {
		m.metrics.RecordEviction(files)
	}
	return true
}

func (m *Manager) isProtected(d *datastore.Detection) bool {
	if _, ok := m.protected[strings.ToLower(d.ScientificName)]; ok {
		return true
	}
	_, ok := m.protected[strings.ToLower(d.CommonName)]
	return ok
}

func (m *Manager) recordError(kind string) {
	if m.metrics != nil {
		m.metrics.RecordCleanupError(kind)
	}
}

func (m *Manager) logCycle(res *CycleResult) {
	m.logger.Info("eviction cycle finished",
		logger.Int("evicted", res.Evicted),
		logger.Int("files_deleted", res.FilesDeleted),
		logger.Int("failures", res.Failures),
		logger.Float64("start_usage", res.StartUsage),
		logger.Float64("end_usage", res.EndUsage))
}
