// Package pipeline assembles the capture, analysis, storage and
// broadcast components from settings and runs them together.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/tphakala/birdnet-pipeline/internal/analysis"
	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/diskmanager"
	"github.com/tphakala/birdnet-pipeline/internal/enrichment"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/inference"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/mqtt"
	"github.com/tphakala/birdnet-pipeline/internal/notification"
	"github.com/tphakala/birdnet-pipeline/internal/observability"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
	"github.com/tphakala/birdnet-pipeline/internal/spectrogram"
)

const busShutdownTimeout = 10 * time.Second

// Option customizes pipeline assembly.
type Option func(*options)

type options struct {
	classifier    inference.Classifier
	store         datastore.Interface
	recorderOpts  []recorder.Option
	skipRecorders bool
	version       string
}

// WithClassifier replaces the HTTP inference client.
func WithClassifier(c inference.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithStore replaces the store selected in settings. The store is opened
// by New and closed by Close.
func WithStore(s datastore.Interface) Option {
	return func(o *options) { o.store = s }
}

// WithRecorderOptions passes options to every recorder.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(o *options) { o.recorderOpts = append(o.recorderOpts, opts...) }
}

// WithoutRecorders builds the pipeline without capture, for one-shot scans.
func WithoutRecorders() Option {
	return func(o *options) { o.skipRecorders = true }
}

// WithVersion sets the version reported to consumers.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Pipeline owns every long-running component.
type Pipeline struct {
	settings *conf.Settings

	Metrics      *observability.Metrics
	Store        datastore.Interface
	Bus          *events.Bus
	Orchestrator *analysis.Orchestrator
	Recorders    *recorder.Manager
	Storage      *diskmanager.Manager // nil when storage management is disabled

	endpoint   *observability.Endpoint
	mqttClient mqtt.Client
	logger     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds and wires every component. The store is opened here; nothing
// runs until Run.
func New(settings *conf.Settings, opts ...Option) (*Pipeline, error) {
	o := &options{version: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pipeline{settings: settings, logger: logger.Global().Module("pipeline")}
	p.logSystemDetails()

	var err error
	if p.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, err
	}

	if err := p.openStore(o.store); err != nil {
		return nil, err
	}

	// Everything after the store is released through Close on failure.
	if err := p.build(o); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) openStore(store datastore.Interface) error {
	if store == nil {
		var err error
		if store, err = datastore.New(p.settings); err != nil {
			return err
		}
	}
	if ds, ok := store.(interface {
		SetMetrics(m *metrics.DatastoreMetrics)
	}); ok {
		ds.SetMetrics(p.Metrics.Datastore)
	}
	if err := store.Open(); err != nil {
		return err
	}
	p.Store = store
	return nil
}

func (p *Pipeline) build(o *options) error {
	s := p.settings

	p.Bus = events.New(events.DefaultConfig())
	consumers, err := p.registerConsumers()
	if err != nil {
		return err
	}

	classifier := o.classifier
	if classifier == nil {
		client, cerr := inference.NewClient(inference.Config{
			Endpoint:       s.Inference.Endpoint,
			Timeout:        s.Inference.Timeout,
			MaxRetries:     s.Inference.MaxRetries,
			BackoffInitial: s.Inference.BackoffInitial,
			BackoffMax:     s.Inference.BackoffMax,
			MaxConcurrent:  s.Inference.MaxConcurrent,
			RateLimit:      s.Inference.RateLimit,
			UserAgent:      "birdnet-pipeline/" + o.version,
		}, inference.WithMetrics(p.Metrics.Inference))
		if cerr != nil {
			return cerr
		}
		classifier = client
	}

	deps := analysis.Deps{
		Classifier: classifier,
		Store:      p.Store,
		Metrics:    p.Metrics.Analysis,
	}
	if consumers > 0 {
		deps.Bus = p.Bus
	}
	if s.Spectrogram.Enabled {
		deps.Spectrograms = spectrogram.NewGenerator(spectrogram.Config{
			SoxPath: s.Audio.SoxPath,
			Width:   s.Spectrogram.Width,
		})
	}
	orch, err := analysis.New(deps, analysis.ConfigFromSettings(s))
	if err != nil {
		return err
	}
	p.Orchestrator = orch

	if !o.skipRecorders {
		ropts := append([]recorder.Option{recorder.WithMetrics(p.Metrics.Recorder)}, o.recorderOpts...)
		if p.Recorders, err = recorder.NewManager(s, ropts...); err != nil {
			return err
		}
	}

	if s.Storage.Enabled {
		p.Storage, err = diskmanager.New(p.Store, diskmanager.ConfigFromSettings(s),
			diskmanager.WithMetrics(p.Metrics.DiskManager))
		if err != nil {
			return err
		}
	}

	if s.Metrics.Enabled {
		var health observability.HealthSource
		if p.Recorders != nil {
			health = p.Recorders
		}
		if p.endpoint, err = observability.NewEndpoint(s.Metrics.Listen, p.Metrics, health); err != nil {
			return err
		}
	}
	return nil
}

// registerConsumers attaches the enabled broadcast consumers to the bus and
// returns how many were registered.
func (p *Pipeline) registerConsumers() (int, error) {
	s := p.settings
	station := s.Main.Name

	count := 0
	if s.MQTT.Enabled {
		cfg := mqtt.DefaultConfig()
		cfg.Broker = s.MQTT.Broker
		cfg.Topic = s.MQTT.Topic
		cfg.Username = s.MQTT.Username
		cfg.Password = s.MQTT.Password
		cfg.Retain = s.MQTT.Retain
		cfg.ClientID = "birdnet-pipeline-" + uuid.NewString()[:8]
		p.mqttClient = mqtt.NewClient(cfg, p.Metrics.MQTT)
		if err := p.Bus.RegisterConsumer(mqtt.NewPublisher(p.mqttClient, s.MQTT.Topic, station)); err != nil {
			return 0, err
		}
		count++
	}

	if s.Notification.Enabled {
		n, err := notification.NewNotifier(&s.Notification, station,
			notification.WithMetrics(p.Metrics.Notification))
		if err != nil {
			return 0, err
		}
		if err := p.Bus.RegisterConsumer(n); err != nil {
			return 0, err
		}
		count++
	}

	if s.Enrichment.Enabled {
		e := enrichment.New(p.Store, s.Enrichment.Latitude, s.Enrichment.Longitude)
		if err := p.Bus.RegisterConsumer(e); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// them down in order: discovery first, then in-flight chunks within the
// shutdown grace, then capture, then broadcast and the store.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.endpoint != nil {
		if err := p.endpoint.Start(runCtx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	orchErr := make(chan error, 1)
	wg.Go(func() {
		if err := p.Orchestrator.Run(runCtx); err != nil && !errors.Is(err, analysis.ErrShutdown) {
			orchErr <- err
		}
	})
	if p.Recorders != nil {
		// capture outlives discovery; shutdown stops it after the
		// orchestrator's grace period
		p.Recorders.Start(context.WithoutCancel(ctx))
	}
	if p.Storage != nil {
		wg.Go(func() {
			_ = p.Storage.Run(runCtx)
		})
	}

	p.logger.Info("pipeline running",
		logger.Int("sources", p.sourceCount()),
		logger.Bool("storage_manager", p.Storage != nil),
		logger.Bool("metrics_endpoint", p.endpoint != nil))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-orchErr:
		p.logger.Error("orchestrator stopped", logger.Error(runErr))
	}
	cancel()

	p.shutdown()
	wg.Wait()
	if err := p.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ScanOnce processes the chunks currently in the recording directory and
// returns how many were processed.
func (p *Pipeline) ScanOnce(ctx context.Context) (int, error) {
	n, err := p.Orchestrator.ScanOnce(ctx)
	if err != nil {
		return n, err
	}
	if err := p.Orchestrator.Shutdown(p.settings.Analysis.ShutdownGrace); err != nil {
		p.logger.Warn("scan shutdown", logger.Error(err))
	}
	return n, nil
}

func (p *Pipeline) shutdown() {
	start := time.Now()
	if err := p.Orchestrator.Shutdown(p.settings.Analysis.ShutdownGrace); err != nil {
		p.logger.Warn("orchestrator shutdown", logger.Error(err))
	}
	if p.Recorders != nil {
		p.Recorders.Stop()
	}
	p.logger.Info("processing stopped",
		logger.Duration("elapsed", time.Since(start)),
		logger.Any("stats", p.Orchestrator.Stats()))
}

// Close shuts down the bus, disconnects MQTT and closes the store. It is
// safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.Bus != nil {
			if err := p.Bus.Shutdown(busShutdownTimeout); err != nil {
				errs = append(errs, err)
			}
		}
		if p.mqttClient != nil {
			p.mqttClient.Disconnect()
		}
		if p.Store != nil {
			if err := p.Store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *Pipeline) sourceCount() int {
	if p.Recorders == nil {
		return 0
	}
	return p.Recorders.Len()
}

func (p *Pipeline) logSystemDetails() {
	info, err := host.Info()
	if err != nil {
		p.logger.Debug("host info unavailable", logger.Error(err))
		return
	}
	p.logger.Info("system details",
		logger.String("os", info.OS),
		logger.String("platform", info.Platform),
		logger.String("platform_version", info.PlatformVersion),
		logger.String("kernel_arch", info.KernelArch))
}
