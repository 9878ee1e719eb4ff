package myaudio

import (
	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// Sentinel errors. Returned errors wrap these so callers can match with errors.Is.
var (
	ErrInvalidWAV = errors.Newf("invalid WAV file").
			Component("myaudio").
			Category(errors.CategoryValidation).
			Build()

	ErrFormatMismatch = errors.Newf("audio format mismatch").
				Component("myaudio").
				Category(errors.CategoryValidation).
				Build()

	ErrEmptyAudio = errors.Newf("audio has no samples").
			Component("myaudio").
			Category(errors.CategoryValidation).
			Build()
)
