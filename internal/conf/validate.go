// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateSettings checks struct tags first, then the cross-field rules tags
// cannot express. All problems are collected into one ValidationError.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := structValidator().Struct(settings); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				ve.Errors = append(ve.Errors, describeFieldError(fe))
			}
		} else {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	ve.Errors = append(ve.Errors, validateAnalysisSettings(&settings.Analysis)...)
	ve.Errors = append(ve.Errors, validateRecorderSettings(&settings.Recorder, &settings.Analysis)...)
	ve.Errors = append(ve.Errors, validateStorageSettings(&settings.Storage)...)
	ve.Errors = append(ve.Errors, validateOutputSettings(&settings.Output)...)
	ve.Errors = append(ve.Errors, validateInferenceSettings(&settings.Inference)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Settings."))
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}

func validateAnalysisSettings(a *AnalysisSettings) []string {
	var errs []string
	if a.Window <= 0 {
		errs = append(errs, fmt.Sprintf("analysis.window must be positive, got %s", a.Window))
	}
	if a.Overlap < 0 || a.Overlap >= a.Window {
		errs = append(errs, fmt.Sprintf("analysis.overlap (%s) must be non-negative and smaller than analysis.window (%s)", a.Overlap, a.Window))
	}
	for _, name := range a.Species.Include {
		for _, ex := range a.Species.Exclude {
			if strings.EqualFold(name, ex) {
				errs = append(errs, fmt.Sprintf("species %q is both included and excluded", name))
			}
		}
	}
	return errs
}

func validateRecorderSettings(r *RecorderSettings, a *AnalysisSettings) []string {
	var errs []string

	if r.Backoff.Initial > r.Backoff.Max {
		errs = append(errs, fmt.Sprintf("recorder.backoff.initial (%s) exceeds recorder.backoff.max (%s)", r.Backoff.Initial, r.Backoff.Max))
	}
	if a.Window > 0 && r.ChunkDuration > 0 && r.ChunkDuration < a.Window {
		errs = append(errs, fmt.Sprintf("recorder.chunkduration (%s) is shorter than analysis.window (%s)", r.ChunkDuration, a.Window))
	}

	seen := make(map[string]bool, len(r.Sources))
	for i := range r.Sources {
		src := &r.Sources[i]
		if seen[src.ID] {
			errs = append(errs, fmt.Sprintf("recorder.sources: duplicate id %q", src.ID))
		}
		seen[src.ID] = true
		if err := ValidateSource(src); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// ValidateSource checks the backend-specific parameters of a source.
func ValidateSource(src *SourceSettings) error {
	switch src.Type {
	case SourceStream:
		return validateSourceURL(src, "http", "https")
	case SourceRTSP:
		return validateSourceURL(src, "rtsp", "rtsps")
	case SourceLocal:
		if strings.TrimSpace(src.Device) == "" {
			return fmt.Errorf("source %s: local source requires a device name", src.ID)
		}
		return nil
	default:
		return fmt.Errorf("source %s: unknown type %q", src.ID, src.Type)
	}
}

func validateSourceURL(src *SourceSettings, schemes ...string) error {
	if src.URL == "" {
		return fmt.Errorf("source %s: url is required", src.ID)
	}
	u, err := url.Parse(src.URL)
	if err != nil {
		return fmt.Errorf("source %s: invalid url: %w", src.ID, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("source %s: url has no host", src.ID)
			}
			return nil
		}
	}
	return fmt.Errorf("source %s: scheme %q not one of %v", src.ID, u.Scheme, schemes)
}

func validateStorageSettings(s *StorageSettings) []string {
	if !s.Enabled {
		return nil
	}
	if s.LowWatermark >= s.HighWatermark {
		return []string{fmt.Sprintf("storage.lowwatermark (%.1f) must be below storage.highwatermark (%.1f)", s.LowWatermark, s.HighWatermark)}
	}
	return nil
}

func validateOutputSettings(o *OutputSettings) []string {
	switch {
	case o.SQLite.Enabled && o.MySQL.Enabled:
		return []string{"only one of output.sqlite and output.mysql can be enabled"}
	case !o.SQLite.Enabled && !o.MySQL.Enabled:
		return []string{"one of output.sqlite or output.mysql must be enabled"}
	}
	return nil
}

func validateInferenceSettings(in *InferenceSettings) []string {
	if in.BackoffInitial > in.BackoffMax {
		return []string{fmt.Sprintf("inference.backoffinitial (%s) exceeds inference.backoffmax (%s)", in.BackoffInitial, in.BackoffMax)}
	}
	return nil
}
