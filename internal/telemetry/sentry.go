// Package telemetry provides opt-in, privacy-filtered error reporting to
// Sentry.
package telemetry

import (
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// Options tunes Sentry initialization. Transport is set in tests.
type Options struct {
	Version   string
	Transport sentry.Transport
}

// InitSentry initializes the Sentry SDK when enabled in settings and
// installs it as the error telemetry reporter. It reports whether
// telemetry is active.
func InitSentry(settings *conf.Settings, opts Options) (bool, error) {
	log := getLogger()
	if !settings.Sentry.Enabled {
		log.Debug("sentry telemetry is disabled")
		errors.SetTelemetryReporter(nil)
		return false, nil
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          "birdnet-pipeline@" + version,
		Transport:        opts.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return false, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	configureScope(settings, version)
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))

	log.Info("sentry telemetry enabled", logger.String("release", version))
	return true, nil
}

func configureScope(settings *conf.Settings, version string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("sources", fmt.Sprintf("%d", len(settings.Recorder.Sources)))
		scope.SetContext("application", map[string]any{
			"name":    "birdnet-pipeline",
			"version": version,
		})
	})
}

// applyPrivacyFilters strips host identity from an event and redacts
// credentials from its message and exception values.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = logger.RedactSensitiveData(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = logger.RedactSensitiveData(event.Exception[i].Value)
	}
	return event
}

// Flush waits up to timeout for buffered events. It is a no-op when Sentry
// was never initialized.
func Flush(timeout time.Duration) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.Flush(timeout)
}

func getLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
