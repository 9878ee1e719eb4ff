// model.go this code defines the data model for the pipeline
package datastore

import "time"

// Detection is one accepted inference result. Everything except the
// enrichment columns is immutable after insert.
type Detection struct {
	ID              uint          `gorm:"primaryKey"`
	SourceID        string        `gorm:"size:64;index:idx_detections_source"`
	Date            string        `gorm:"size:10;index:idx_detections_date_species"` // local YYYY-MM-DD
	Time            string        `gorm:"size:8"`                                    // local HH:MM:SS
	Timestamp       time.Time     `gorm:"index:idx_detections_timestamp"`            // UTC, chunk start plus window offset
	CommonName      string        `gorm:"size:128"`
	ScientificName  string        `gorm:"size:128;index:idx_detections_date_species;index:idx_detections_sciname"`
	Confidence      float64       `gorm:"not null"`
	ChunkPath       string        `gorm:"size:512;index:idx_detections_chunk"`
	WindowOffset    time.Duration `gorm:"not null"`
	ClipPath        string        `gorm:"size:512"`
	SpectrogramPath string        `gorm:"size:512"`

	Enrichment Enrichment `gorm:"embedded"`

	CreatedAt time.Time
}

// Enrichment holds fields filled in after insert.
type Enrichment struct {
	SoundLevel *float64 `gorm:"column:sound_level_dbfs"`
	SunPhase   string   `gorm:"size:16"`
	Clipped    bool     `gorm:"not null;default:false"`
	EnrichedAt *time.Time
}

// HasArtifacts reports whether any artifact path is set.
func (d *Detection) HasArtifacts() bool {
	return d.ClipPath != "" || d.SpectrogramPath != ""
}

// SpeciesSighting summarizes a species over a time range.
type SpeciesSighting struct {
	ScientificName string
	CommonName     string
	Count          int
	FirstSeen      time.Time
	LastSeen       time.Time
	MaxConfidence  float64
	AvgConfidence  float64
}

// DistributionBucket counts detections that fall in [Start, Start+bucket).
type DistributionBucket struct {
	Start time.Time
	Count int
}

// EvictionCursor is the keyset position for paging eviction candidates.
// The zero value starts at the oldest detection.
type EvictionCursor struct {
	Timestamp time.Time
	ID        uint
}

// After returns the cursor positioned after d.
func After(d *Detection) EvictionCursor {
	return EvictionCursor{Timestamp: d.Timestamp, ID: d.ID}
}
