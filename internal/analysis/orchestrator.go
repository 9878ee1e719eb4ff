// Package analysis turns finalized recording chunks into detections. The
// orchestrator discovers chunks, claims each one exclusively, splits it into
// windows, classifies them, writes clip and spectrogram artifacts, persists
// the accepted detections, publishes their events and retires the chunk.
package analysis

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/birdnet-pipeline/internal/chunker"
	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/inference"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

// Chunk outcomes, also used as metric labels.
const (
	OutcomeProcessed   = "processed"
	OutcomeQuarantined = "quarantined"
	OutcomeAborted     = "aborted"
	OutcomeFailed      = "failed"
)

const (
	defaultPersistRetries = 3
	defaultPersistBackoff = 250 * time.Millisecond
)

// ErrShutdown is returned once Shutdown has been called.
var ErrShutdown = errors.NewStd("orchestrator is shut down")

// Store is the part of the datastore the orchestrator writes to.
type Store interface {
	InsertDetection(d *datastore.Detection) (uint, error)
	HasDetection(chunkPath string, windowOffset time.Duration, scientificName string) (bool, error)
}

// Publisher accepts detection events without blocking.
type Publisher interface {
	TryPublish(event events.DetectionEvent) bool
}

// Renderer draws a spectrogram of a clip.
type Renderer interface {
	Render(ctx context.Context, s *myaudio.Samples, outputPath string) error
}

// Deps are the shared resources the orchestrator works against.
// Spectrograms, Bus and Metrics may be nil.
type Deps struct {
	Classifier   inference.Classifier
	Store        Store
	Bus          Publisher
	Spectrograms Renderer
	Metrics      *metrics.AnalysisMetrics
}

// Config holds orchestrator settings.
type Config struct {
	RecordingDir      string
	QuarantineDir     string
	ArchiveDir        string // chunks are deleted when empty
	ClipsDir          string
	Format            myaudio.Format
	Window            time.Duration
	Overlap           time.Duration
	MinConfidence     float64
	Thresholds        map[string]float64
	Include           []string
	Exclude           []string
	Workers           int
	ScanInterval      time.Duration
	StaleClaimTimeout time.Duration
	PrePadding        time.Duration
	PostPadding       time.Duration
	PersistRetries    int           // retries per detection before the chunk is left for a later pass
	PersistBackoff    time.Duration // first retry interval, doubled per attempt
	Watch             bool          // trigger scans from filesystem events
}

// ConfigFromSettings maps application settings to a Config.
func ConfigFromSettings(s *conf.Settings) Config {
	a := &s.Analysis
	cfg := Config{
		RecordingDir:      s.Recorder.Dir,
		QuarantineDir:     a.QuarantineDir,
		ClipsDir:          s.Clips.Dir,
		Format:            myaudio.Format{SampleRate: s.Audio.SampleRate, Channels: s.Audio.Channels, BitDepth: s.Audio.BitDepth},
		Window:            a.Window,
		Overlap:           a.Overlap,
		MinConfidence:     a.MinConfidence,
		Thresholds:        a.Species.Thresholds,
		Include:           a.Species.Include,
		Exclude:           a.Species.Exclude,
		Workers:           a.Workers,
		ScanInterval:      a.ScanInterval,
		StaleClaimTimeout: a.StaleClaimTimeout,
		PrePadding:        s.Clips.PrePadding,
		PostPadding:       s.Clips.PostPadding,
		PersistRetries:    defaultPersistRetries,
		PersistBackoff:    defaultPersistBackoff,
		Watch:             true,
	}
	if a.Archive.Enabled {
		cfg.ArchiveDir = a.Archive.Dir
	}
	return cfg
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	ChunksProcessed      uint64
	ChunksQuarantined    uint64
	ChunksAborted        uint64
	ChunksFailed         uint64
	Detections           uint64
	Rejected             uint64
	Deduplicated         uint64
	SkippedWindows       uint64
	EventsDropped        uint64
	StaleClaimsReclaimed uint64
	InFlight             int
}

type counters struct {
	processed, quarantined, aborted, failed atomic.Uint64
	detections, rejected, deduplicated      atomic.Uint64
	skippedWindows, eventsDropped           atomic.Uint64
	staleReclaimed                          atomic.Uint64
}

// Orchestrator processes chunks from a recording directory.
type Orchestrator struct {
	cfg          Config
	splitter     *chunker.Splitter
	filter       *speciesFilter
	classifier   inference.Classifier
	store        Store
	bus          Publisher
	spectrograms Renderer
	metrics      *metrics.AnalysisMetrics
	logger       logger.Logger
	hostname     string
	now          func() time.Time

	// procCtx outlives discovery so in-flight chunks can finish during
	// the shutdown grace period.
	procCtx    context.Context
	procCancel context.CancelFunc

	mu            sync.Mutex
	inflight      map[string]struct{}
	closed        bool
	stopDiscovery context.CancelFunc
	active        sync.WaitGroup

	stats counters
}

// New validates cfg and builds an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	splitter, err := chunker.New(chunker.Config{Window: cfg.Window, Overlap: cfg.Overlap})
	if err != nil {
		return nil, err
	}
	switch {
	case deps.Classifier == nil || deps.Store == nil:
		return nil, configError("classifier and store are required")
	case cfg.RecordingDir == "" || cfg.ClipsDir == "" || cfg.QuarantineDir == "":
		return nil, configError("recording, clips and quarantine directories are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.StaleClaimTimeout <= 0 {
		cfg.StaleClaimTimeout = 60 * time.Minute
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = defaultPersistBackoff
	}

	hostname, _ := os.Hostname()
	procCtx, procCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:          cfg,
		splitter:     splitter,
		filter:       newSpeciesFilter(cfg.MinConfidence, cfg.Thresholds, cfg.Include, cfg.Exclude),
		classifier:   deps.Classifier,
		store:        deps.Store,
		bus:          deps.Bus,
		spectrograms: deps.Spectrograms,
		metrics:      deps.Metrics,
		logger:       logger.Global().Module("analysis"),
		hostname:     hostname,
		now:          time.Now,
		procCtx:      procCtx,
		procCancel:   procCancel,
		inflight:     make(map[string]struct{}),
	}, nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("analysis").
		Category(errors.CategoryConfiguration).
		Build()
}

// Run scans the recording directory every scan interval, and immediately
// when a chunk appears, until ctx is cancelled or Shutdown is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.enter(cancel); err != nil {
		return err
	}
	defer o.active.Done()

	if err := os.MkdirAll(o.cfg.RecordingDir, 0o755); err != nil {
		return errors.New(err).
			Component("analysis").
			Category(errors.CategoryFileIO).
			Context("operation", "create_recording_dir").
			Build()
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if o.cfg.Watch {
		if w, err := fsnotify.NewWatcher(); err != nil {
			o.logger.Warn("filesystem watch unavailable, polling only", logger.Error(err))
		} else {
			defer w.Close()
			if err := w.Add(o.cfg.RecordingDir); err != nil {
				o.logger.Warn("failed to watch recording directory, polling only",
					logger.String("dir", o.cfg.RecordingDir),
					logger.Error(err))
			} else {
				fsEvents, fsErrors = w.Events, w.Errors
			}
		}
	}

	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	o.logger.Info("chunk orchestrator started",
		logger.String("dir", o.cfg.RecordingDir),
		logger.Int("workers", o.cfg.Workers),
		logger.Duration("scan_interval", o.cfg.ScanInterval))

	o.scanAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("chunk discovery stopped")
			return nil
		case <-ticker.C:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) || !isChunkFile(filepath.Base(ev.Name)) {
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			o.logger.Warn("filesystem watch error", logger.Error(err))
			continue
		}
		o.scanAndLog(ctx)
	}
}

func (o *Orchestrator) scanAndLog(ctx context.Context) {
	n, err := o.scan(ctx, o.procCtx)
	if err != nil {
		o.logger.Warn("chunk scan failed", logger.Error(err))
		return
	}
	if n > 0 {
		o.logger.Debug("chunk scan completed", logger.Int("processed", n))
	}
}

// ScanOnce processes every unclaimed chunk currently in the recording
// directory and returns how many it processed.
func (o *Orchestrator) ScanOnce(ctx context.Context) (int, error) {
	if err := o.enter(nil); err != nil {
		return 0, err
	}
	defer o.active.Done()

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.procCtx, cancel)
	defer stop()

	return o.scan(ctx, procCtx)
}

// ProcessChunk claims and processes a single chunk. It returns ErrClaimed
// when the chunk is held elsewhere or already done.
func (o *Orchestrator) ProcessChunk(ctx context.Context, path string) error {
	if err := o.enter(nil); err != nil {
		return err
	}
	defer o.active.Done()

	if !o.claim(path) {
		return ErrClaimed
	}
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.procCtx, cancel)
	defer stop()

	_, err := o.process(procCtx, path)
	return err
}

// enter registers an active scan unless the orchestrator is shut down.
func (o *Orchestrator) enter(stopDiscovery context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}
	if stopDiscovery != nil {
		o.stopDiscovery = stopDiscovery
	}
	o.active.Add(1)
	return nil
}

// scan lists chunks and processes them on a bounded worker pool. Discovery
// stops when discover is cancelled; chunks already claimed run under process.
func (o *Orchestrator) scan(discover, process context.Context) (int, error) {
	entries, err := os.ReadDir(o.cfg.RecordingDir)
	if err != nil {
		return 0, errors.New(err).
			Component("analysis").
			Category(errors.CategoryFileIO).
			Context("operation", "scan_recording_dir").
			Build()
	}

	var processed atomic.Int64
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, entry := range entries {
		if discover.Err() != nil {
			break
		}
		if entry.IsDir() || !isChunkFile(entry.Name()) {
			continue
		}
		path := filepath.Join(o.cfg.RecordingDir, entry.Name())
		g.Go(func() error {
			if discover.Err() != nil || !o.claim(path) {
				return nil
			}
			if outcome, _ := o.process(process, path); outcome == OutcomeProcessed {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load()), nil
}

// process runs the per-chunk pipeline. The caller holds the claim; process
// always releases it or converts it into a done marker.
func (o *Orchestrator) process(ctx context.Context, path string) (outcome string, err error) {
	start := time.Now()
	log := o.logger.With(logger.String("chunk", filepath.Base(path)))
	defer func() {
		o.countOutcome(outcome)
		if o.metrics != nil {
			o.metrics.RecordChunk(outcome, time.Since(start).Seconds())
		}
	}()

	stopKeeping := o.keepClaim(path)
	defer stopKeeping()

	chunk, err := inspect(path, o.cfg.Format)
	var samples *myaudio.Samples
	if err == nil {
		samples, err = myaudio.ReadSamples(path)
	}
	if err != nil {
		log.Warn("chunk failed validation, quarantining", logger.Error(err))
		o.quarantine(path)
		return OutcomeQuarantined, err
	}

	candidates, err := o.analyze(ctx, chunk, samples)
	if err != nil {
		log.Info("chunk processing aborted, releasing claim", logger.Error(err))
		o.release(path)
		return OutcomeAborted, err
	}

	// Persisting is not interrupted: a half-persisted chunk would be
	// analyzed again after restart.
	persistCtx := context.WithoutCancel(ctx)
	var failures int
	for _, c := range candidates {
		if err := o.persist(persistCtx, chunk, samples, c); err != nil {
			failures++
			o.recordDecision(decisionFailed)
			log.Error("failed to persist detection",
				logger.String("species", c.pred.ScientificName),
				logger.Float64("confidence", c.pred.Confidence),
				logger.Error(err))
		}
	}

	if failures > 0 {
		// stored detections are skipped when the chunk is analyzed again
		log.Warn("leaving chunk in place for retry",
			logger.Int("failed", failures),
			logger.Int("detections", len(candidates)))
		o.release(path)
		return OutcomeFailed, errors.Newf("%d of %d detections could not be persisted", failures, len(candidates)).
			Component("analysis").
			Category(errors.CategoryProcessing).
			Context("chunk", filepath.Base(path)).
			Build()
	}

	if err := o.retire(path); err != nil {
		log.Error("failed to retire chunk, marking done", logger.Error(err))
		o.markDone(path)
		return OutcomeFailed, err
	}
	o.release(path)

	log.Info("chunk processed",
		logger.String("source_id", chunk.SourceID),
		logger.Int("detections", len(candidates)),
		logger.Duration("elapsed", time.Since(start)))
	return OutcomeProcessed, nil
}

// analyze classifies every window in time order and returns the accepted,
// deduplicated candidates. It fails only when ctx is cancelled.
func (o *Orchestrator) analyze(ctx context.Context, chunk Chunk, samples *myaudio.Samples) ([]*candidate, error) {
	dedupe := newDeduper()
	for _, w := range o.splitter.Split(chunk.Duration) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from, to := w.SampleRange(samples.SampleRate)
		preds, err := o.classifier.Classify(ctx, inference.Request{
			SourceID: chunk.SourceID,
			Offset:   w.Offset,
			Samples:  samples.Slice(from, to),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.stats.skippedWindows.Add(1)
			if o.metrics != nil {
				o.metrics.SkippedWindows.Inc()
			}
			o.logger.Warn("skipping window after inference failure",
				logger.String("chunk", filepath.Base(chunk.Path)),
				logger.Duration("offset", w.Offset),
				logger.Error(err))
			dedupe.skip()
			continue
		}

		for _, p := range preds {
			decision := o.filter.decide(p)
			if decision == decisionAccepted && !dedupe.add(p, w) {
				decision = decisionDeduplicated
			}
			o.recordDecision(decision)
		}
		dedupe.next()
	}
	return dedupe.candidates(), nil
}

// retire deletes the chunk or moves it to the archive.
func (o *Orchestrator) retire(path string) error {
	if o.cfg.ArchiveDir != "" {
		return moveFile(path, filepath.Join(o.cfg.ArchiveDir, filepath.Base(path)))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// quarantine moves an invalid chunk aside and releases its claim. If the
// move fails the chunk is marked done so it is not retried forever.
func (o *Orchestrator) quarantine(path string) {
	if err := moveFile(path, filepath.Join(o.cfg.QuarantineDir, filepath.Base(path))); err != nil {
		o.logger.Error("failed to quarantine chunk",
			logger.String("chunk", path),
			logger.Error(err))
		o.markDone(path)
		return
	}
	o.release(path)
}

func (o *Orchestrator) recordDecision(decision string) {
	switch decision {
	case decisionRejected, decisionExcluded:
		o.stats.rejected.Add(1)
	case decisionDeduplicated:
		o.stats.deduplicated.Add(1)
	}
	if o.metrics != nil {
		o.metrics.RecordDetection(decision)
	}
}

func (o *Orchestrator) countOutcome(outcome string) {
	switch outcome {
	case OutcomeProcessed:
		o.stats.processed.Add(1)
	case OutcomeQuarantined:
		o.stats.quarantined.Add(1)
	case OutcomeAborted:
		o.stats.aborted.Add(1)
	case OutcomeFailed:
		o.stats.failed.Add(1)
	}
}

// Shutdown stops discovery and gives in-flight chunks grace to finish.
// After grace the processing context is cancelled; aborted chunks release
// their claims and stay in place for the next start.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.mu.Lock()
	already := o.closed
	o.closed = true
	stop := o.stopDiscovery
	o.mu.Unlock()
	if already {
		return nil
	}
	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		o.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		o.procCancel()
		return nil
	case <-timer.C:
	}

	o.procCancel()
	<-done
	return errors.Newf("in-flight chunks did not finish within %s", grace).
		Component("analysis").
		Category(errors.CategoryTimeout).
		Context("aborted", o.stats.aborted.Load()).
		Build()
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	inFlight := len(o.inflight)
	o.mu.Unlock()
	return Stats{
		ChunksProcessed:      o.stats.processed.Load(),
		ChunksQuarantined:    o.stats.quarantined.Load(),
		ChunksAborted:        o.stats.aborted.Load(),
		ChunksFailed:         o.stats.failed.Load(),
		Detections:           o.stats.detections.Load(),
		Rejected:             o.stats.rejected.Load(),
		Deduplicated:         o.stats.deduplicated.Load(),
		SkippedWindows:       o.stats.skippedWindows.Load(),
		EventsDropped:        o.stats.eventsDropped.Load(),
		StaleClaimsReclaimed: o.stats.staleReclaimed.Load(),
		InFlight:             inFlight,
	}
}
