// Package enrichment annotates persisted detections with the clip sound
// level and the sun phase at the station.
package enrichment

import (
	"context"
	"math"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/suncalc"
)

// Store is the part of the datastore the enricher writes to.
type Store interface {
	UpdateEnrichment(id uint, e datastore.Enrichment) error
}

// PhaseFunc classifies a time into a sun phase.
type PhaseFunc func(t time.Time) (string, error)

// Enricher implements events.Consumer.
type Enricher struct {
	store  Store
	phase  PhaseFunc
	now    func() time.Time
	logger logger.Logger
}

// New creates an Enricher computing sun phases for latitude and longitude.
func New(store Store, latitude, longitude float64) *Enricher {
	return &Enricher{
		store:  store,
		phase:  suncalc.NewSunCalc(latitude, longitude).Phase,
		now:    time.Now,
		logger: logger.Global().Module("enrichment"),
	}
}

// Name implements events.Consumer.
func (e *Enricher) Name() string { return "enrichment" }

// ProcessDetection implements events.Consumer. A missing clip or an
// unknown sun phase leaves that field empty; the rest is still stored.
func (e *Enricher) ProcessDetection(ctx context.Context, event events.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var result datastore.Enrichment
	if event.ClipPath != "" {
		level, clipped, err := soundLevel(event.ClipPath)
		if err != nil {
			e.logger.Debug("sound level unavailable",
				logger.Uint64("detection_id", uint64(event.DetectionID)),
				logger.Error(err))
		} else {
			result.SoundLevel = &level
			result.Clipped = clipped
		}
	}

	phase, err := e.phase(event.Timestamp)
	if err != nil {
		e.logger.Debug("sun phase unavailable",
			logger.Time("timestamp", event.Timestamp),
			logger.Error(err))
	}
	result.SunPhase = phase

	enrichedAt := e.now().UTC()
	result.EnrichedAt = &enrichedAt

	if err := e.store.UpdateEnrichment(event.DetectionID, result); err != nil {
		if errors.IsNotFound(err) {
			// evicted before the bus got to it
			e.logger.Debug("detection gone before enrichment",
				logger.Uint64("detection_id", uint64(event.DetectionID)))
			return nil
		}
		return err
	}
	return nil
}

// soundLevel returns the clip RMS level in dBFS, rounded to 0.1 dB, and
// whether any sample hit full scale.
func soundLevel(path string) (level float64, clipped bool, err error) {
	samples, err := myaudio.ReadSamples(path)
	if err != nil {
		return 0, false, err
	}
	return math.Round(samples.SoundLevelDBFS()*10) / 10, samples.Clipping(), nil
}
