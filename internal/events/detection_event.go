package events

import (
	"fmt"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// DetectionEvent announces a persisted detection.
type DetectionEvent struct {
	DetectionID     uint      `json:"id"`
	SourceID        string    `json:"source_id"`
	CommonName      string    `json:"common_name"`
	ScientificName  string    `json:"scientific_name"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
	ClipPath        string    `json:"clip_path,omitempty"`
	SpectrogramPath string    `json:"spectrogram_path,omitempty"`
}

// Validate rejects events that consumers could not act on.
func (e *DetectionEvent) Validate() error {
	switch {
	case e.DetectionID == 0:
		return validationError("detection id cannot be zero", "detection_id", e.DetectionID)
	case e.ScientificName == "" && e.CommonName == "":
		return validationError("species name cannot be empty", "source_id", e.SourceID)
	case e.Confidence < 0 || e.Confidence > 1:
		return validationError(fmt.Sprintf("confidence must be between 0 and 1, got %f", e.Confidence), "confidence", e.Confidence)
	}
	return nil
}

// DisplayName prefers the common name.
func (e *DetectionEvent) DisplayName() string {
	if e.CommonName != "" {
		return e.CommonName
	}
	return e.ScientificName
}

// String returns a string representation of the detection event
func (e *DetectionEvent) String() string {
	return fmt.Sprintf("Detection: %s (%.2f%%) at %s from %s",
		e.DisplayName(), e.Confidence*100, e.Timestamp.Format(time.RFC3339), e.SourceID)
}

func validationError(msg, key string, value any) error {
	return errors.Newf("%s", msg).
		Component("events").
		Category(errors.CategoryValidation).
		Context(key, value).
		Build()
}
