package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

// Filter rejection reasons
const (
	ReasonNotWatched = "not_watched"
	ReasonCooldown   = "cooldown"
	ReasonCircuit    = "circuit_open"
)

// Notifier alerts on detections of watched species. It implements
// events.Consumer.
type Notifier struct {
	sender   Sender
	services []string
	watched  map[string]struct{} // lowercased names, empty means all
	station  string
	cooldown *cache.Cache
	breaker  *CircuitBreaker
	metrics  *metrics.NotificationMetrics
	logger   logger.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMetrics records deliveries and filter decisions.
func WithMetrics(m *metrics.NotificationMetrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithSender replaces the shoutrrr router, mainly for tests.
func WithSender(s Sender) Option {
	return func(n *Notifier) { n.sender = s }
}

// WithCircuitBreaker overrides the default breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(n *Notifier) { n.breaker = NewCircuitBreaker(cfg) }
}

// NewNotifier creates a notifier for settings. A shoutrrr router is built
// from the URLs unless WithSender supplies one.
func NewNotifier(settings *conf.NotificationSettings, station string, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		services: serviceNames(settings.URLs),
		watched:  make(map[string]struct{}, len(settings.Species)),
		station:  station,
		breaker:  NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		logger:   getLogger(),
	}
	for _, s := range settings.Species {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			n.watched[s] = struct{}{}
		}
	}
	if settings.Cooldown > 0 {
		n.cooldown = cache.New(settings.Cooldown, 2*settings.Cooldown)
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.sender == nil {
		sender, err := NewShoutrrrSender(settings.URLs, settings.Timeout)
		if err != nil {
			return nil, err
		}
		n.sender = sender
	}
	return n, nil
}

// Name implements events.Consumer.
func (n *Notifier) Name() string { return "notification" }

// Watches reports whether an event for the species passes the watch list.
func (n *Notifier) Watches(commonName, scientificName string) bool {
	if len(n.watched) == 0 {
		return true
	}
	if _, ok := n.watched[strings.ToLower(commonName)]; ok {
		return true
	}
	_, ok := n.watched[strings.ToLower(scientificName)]
	return ok
}

// ProcessDetection implements events.Consumer.
func (n *Notifier) ProcessDetection(ctx context.Context, event events.DetectionEvent) error {
	if !n.Watches(event.CommonName, event.ScientificName) {
		n.reject(ReasonNotWatched)
		return nil
	}

	key := strings.ToLower(event.ScientificName + "|" + event.CommonName)
	if n.cooldown != nil {
		// Add fails when the key is still live
		if err := n.cooldown.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			n.reject(ReasonCooldown)
			return nil
		}
	}

	err := n.breaker.Call(ctx, func(ctx context.Context) error {
		return n.send(ctx, event)
	})
	if err != nil {
		if n.cooldown != nil {
			n.cooldown.Delete(key)
		}
		if errors.Is(err, ErrCircuitOpen) {
			n.reject(ReasonCircuit)
		}
		return err
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, event events.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle(n.title(event))

	start := time.Now()
	errs := n.sender.Send(n.message(event), &params)
	elapsed := time.Since(start)

	var failed []error
	for i, err := range errs {
		service := "shoutrrr"
		if i < len(n.services) {
			service = n.services[i]
		}
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
			failed = append(failed, err)
			n.logger.Warn("notification delivery failed",
				logger.String("service", service),
				logger.String("error", logger.RedactSensitiveData(err.Error())))
		}
		if n.metrics != nil {
			n.metrics.RecordDelivery(service, status, elapsed)
		}
	}

	// a detection counts as notified when any service accepted it
	if len(failed) > 0 && len(failed) == len(errs) {
		return errors.Newf("all %d notification services failed", len(errs)).
			Component("notification").
			Category(errors.CategoryIntegration).
			Context("detection_id", event.DetectionID).
			Build()
	}
	return nil
}

func (n *Notifier) title(event events.DetectionEvent) string {
	if n.station != "" {
		return fmt.Sprintf("%s detected at %s", event.DisplayName(), n.station)
	}
	return event.DisplayName() + " detected"
}

func (n *Notifier) message(event events.DetectionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) %.0f%% confidence\n", event.DisplayName(), event.ScientificName, event.Confidence*100)
	fmt.Fprintf(&b, "Source: %s\n", event.SourceID)
	fmt.Fprintf(&b, "Time: %s", event.Timestamp.Local().Format(time.DateTime))
	if event.ClipPath != "" {
		fmt.Fprintf(&b, "\nClip: %s", event.ClipPath)
	}
	return b.String()
}

func (n *Notifier) reject(reason string) {
	if n.metrics != nil {
		n.metrics.RecordFilterRejection(reason)
	}
}
