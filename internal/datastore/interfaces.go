// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

const (
	tableDetections = "detections"
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
)

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	InsertDetection(d *Detection) (uint, error)
	HasDetection(chunkPath string, windowOffset time.Duration, scientificName string) (bool, error)
	GetDetection(id uint) (Detection, error)
	GetLatestDetections(n int) ([]Detection, error)
	GetHourlyActivity(date time.Time, species string) ([24]int, error)
	GetSpeciesSightings(from, to time.Time) ([]SpeciesSighting, error)
	GetDetectionDistribution(from, to time.Time, bucket time.Duration) ([]DistributionBucket, error)
	DeleteDetection(id uint) error
	GetEvictionCandidates(protected []string, after EvictionCursor, limit int) ([]Detection, error)
	UpdateEnrichment(id uint, e Enrichment) error
}

// DataStore implements Interface on top of a GORM database.
type DataStore struct {
	DB      *gorm.DB
	Logger  logger.Logger
	metrics *metrics.DatastoreMetrics
}

// SetMetrics attaches datastore metrics.
func (ds *DataStore) SetMetrics(m *metrics.DatastoreMetrics) {
	ds.metrics = m
}

// New returns the store selected in settings. The store is not opened.
func New(settings *conf.Settings) (Interface, error) {
	switch {
	case settings.Output.SQLite.Enabled:
		return NewSQLiteStore(settings.Output.SQLite.Path, settings.Debug), nil
	case settings.Output.MySQL.Enabled:
		return NewMySQLStore(&settings.Output.MySQL, settings.Debug), nil
	default:
		return nil, errors.Newf("no database backend enabled").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// observe records metrics for one operation and wraps err.
func (ds *DataStore) observe(op string, start time.Time, err error) error {
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	if ds.metrics != nil {
		ds.metrics.RecordDbOperation(op, tableDetections, status, time.Since(start).Seconds())
		if err != nil {
			ds.metrics.RecordDbOperationError(op, tableDetections, classifyDBError(err))
		}
	}
	if err == nil {
		return nil
	}
	category := errors.CategoryDatabase
	if errors.Is(err, gorm.ErrRecordNotFound) {
		category = errors.CategoryNotFound
	}
	return errors.New(err).
		Component("datastore").
		Category(category).
		Context("operation", op).
		Build()
}

func classifyDBError(err error) string {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "not_found"
	case strings.Contains(strings.ToLower(err.Error()), "locked"):
		return "locked"
	default:
		return "query"
	}
}

// InsertDetection stores d and returns its new ID. Date and Time are derived
// from the timestamp in local time; the timestamp itself is stored in UTC.
func (ds *DataStore) InsertDetection(d *Detection) (uint, error) {
	if err := ds.ready(); err != nil {
		return 0, err
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return 0, errors.Newf("confidence %.3f outside [0,1]", d.Confidence).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}

	local := d.Timestamp.Local()
	d.Date = local.Format(dateLayout)
	d.Time = local.Format(timeLayout)
	d.Timestamp = d.Timestamp.UTC()

	start := time.Now()
	err := ds.DB.Create(d).Error
	if err = ds.observe(metrics.OpDbInsert, start, err); err != nil {
		return 0, err
	}
	return d.ID, nil
}

// HasDetection reports whether a detection of the species was already
// stored from the window of chunkPath that starts at windowOffset.
func (ds *DataStore) HasDetection(chunkPath string, windowOffset time.Duration, scientificName string) (bool, error) {
	if err := ds.ready(); err != nil {
		return false, err
	}
	start := time.Now()
	var count int64
	err := ds.DB.Model(&Detection{}).
		Where("chunk_path = ? AND window_offset = ? AND scientific_name = ?", chunkPath, int64(windowOffset), scientificName).
		Count(&count).Error
	if err = ds.observe(metrics.OpDbQuery, start, err); err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetDetection retrieves one detection by ID.
func (ds *DataStore) GetDetection(id uint) (Detection, error) {
	var d Detection
	if err := ds.ready(); err != nil {
		return d, err
	}
	start := time.Now()
	err := ds.DB.First(&d, id).Error
	return d, ds.observe(metrics.OpDbQuery, start, err)
}

// GetLatestDetections returns the n most recent detections, newest first.
func (ds *DataStore) GetLatestDetections(n int) ([]Detection, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	var out []Detection
	start := time.Now()
	err := ds.DB.Order("timestamp DESC, id DESC").Limit(n).Find(&out).Error
	return out, ds.observe(metrics.OpDbQuery, start, err)
}

// GetHourlyActivity returns detection counts per local hour on date. An empty
// species counts every species; otherwise species matches either name.
func (ds *DataStore) GetHourlyActivity(date time.Time, species string) ([24]int, error) {
	var hourly [24]int
	if err := ds.ready(); err != nil {
		return hourly, err
	}

	var rows []struct {
		Hour  int
		Count int
	}
	// HH:MM:SS strings, works for both SQLite and MySQL
	hourExpr := "SUBSTR(time, 1, 2)"

	query := ds.DB.Model(&Detection{}).
		Select(fmt.Sprintf("%s AS hour, COUNT(*) AS count", hourExpr)).
		Where("date = ?", date.Format(dateLayout)).
		Group(hourExpr)
	if species != "" {
		query = query.Where("LOWER(scientific_name) = ? OR LOWER(common_name) = ?",
			strings.ToLower(species), strings.ToLower(species))
	}

	start := time.Now()
	err := query.Scan(&rows).Error
	if err = ds.observe(metrics.OpDbQuery, start, err); err != nil {
		return hourly, err
	}
	for _, r := range rows {
		if r.Hour >= 0 && r.Hour < 24 {
			hourly[r.Hour] = r.Count
		}
	}
	return hourly, nil
}

// detectionTimes loads the columns needed for range aggregation.
func (ds *DataStore) detectionTimes(from, to time.Time) ([]Detection, error) {
	var rows []Detection
	start := time.Now()
	err := ds.DB.Model(&Detection{}).
		Select("id", "scientific_name", "common_name", "timestamp", "confidence").
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Order("timestamp ASC").
		Find(&rows).Error
	return rows, ds.observe(metrics.OpDbQuery, start, err)
}

// GetSpeciesSightings summarizes every species detected in [from, to),
// most frequent first.
func (ds *DataStore) GetSpeciesSightings(from, to time.Time) ([]SpeciesSighting, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	rows, err := ds.detectionTimes(from, to)
	if err != nil {
		return nil, err
	}
	return summarizeSightings(rows), nil
}

// GetDetectionDistribution counts detections in consecutive buckets covering
// [from, to). Empty buckets are included.
func (ds *DataStore) GetDetectionDistribution(from, to time.Time, bucket time.Duration) ([]DistributionBucket, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	if bucket <= 0 || !to.After(from) {
		return nil, errors.Newf("invalid distribution range %s..%s bucket %s", from, to, bucket).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	rows, err := ds.detectionTimes(from, to)
	if err != nil {
		return nil, err
	}
	return distribute(rows, from, to, bucket), nil
}

// DeleteDetection removes a detection record. Artifacts are the caller's
// responsibility.
func (ds *DataStore) DeleteDetection(id uint) error {
	if err := ds.ready(); err != nil {
		return err
	}
	start := time.Now()
	result := ds.DB.Delete(&Detection{}, id)
	err := result.Error
	if err == nil && result.RowsAffected == 0 {
		err = gorm.ErrRecordNotFound
	}
	return ds.observe(metrics.OpDbDelete, start, err)
}

// GetEvictionCandidates pages through detections that still own artifacts,
// oldest first, skipping protected species. Protected names match either
// name case-insensitively.
func (ds *DataStore) GetEvictionCandidates(protected []string, after EvictionCursor, limit int) ([]Detection, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	query := ds.DB.Model(&Detection{}).
		Where("(clip_path <> '' OR spectrogram_path <> '')")

	if len(protected) > 0 {
		lowered := make([]string, 0, len(protected))
		for _, p := range protected {
			lowered = append(lowered, strings.ToLower(strings.TrimSpace(p)))
		}
		query = query.Where("LOWER(scientific_name) NOT IN ? AND LOWER(common_name) NOT IN ?", lowered, lowered)
	}

	if !after.Timestamp.IsZero() || after.ID != 0 {
		ts := after.Timestamp.UTC()
		query = query.Where("(timestamp > ? OR (timestamp = ? AND id > ?))", ts, ts, after.ID)
	}

	var out []Detection
	start := time.Now()
	err := query.Order("timestamp ASC, id ASC").Limit(limit).Find(&out).Error
	return out, ds.observe(metrics.OpDbQuery, start, err)
}

// UpdateEnrichment sets the enrichment columns of a detection.
func (ds *DataStore) UpdateEnrichment(id uint, e Enrichment) error {
	if err := ds.ready(); err != nil {
		return err
	}
	if e.EnrichedAt == nil {
		now := time.Now().UTC()
		e.EnrichedAt = &now
	}

	start := time.Now()
	result := ds.DB.Model(&Detection{ID: id}).Updates(map[string]any{
		"sound_level_dbfs": e.SoundLevel,
		"sun_phase":        e.SunPhase,
		"clipped":          e.Clipped,
		"enriched_at":      e.EnrichedAt,
	})
	err := result.Error
	if err == nil && result.RowsAffected == 0 {
		err = gorm.ErrRecordNotFound
	}
	return ds.observe(metrics.OpDbUpdate, start, err)
}
