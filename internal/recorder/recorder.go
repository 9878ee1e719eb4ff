// Package recorder supervises long-running ffmpeg capture subprocesses and
// turns their output into fixed-length chunk files for analysis.
//
// Each Recorder owns one subprocess. ffmpeg writes segments into
// <dir>/.tmp/<source-id>/ and lists every completed segment on stdout; the
// recorder renames listed segments to <dir>/<source-id>_<stamp>.wav. Chunks
// therefore appear in the recording directory atomically.
package recorder

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/conf"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/observability/metrics"
)

// StampLayout is the time layout embedded in chunk file names.
const StampLayout = "20060102T150405"

// restartJitterPercentMax is the maximum random addition to a backoff.
const restartJitterPercentMax = 20

// ChunkName returns the file name of a chunk from sourceID starting at start.
func ChunkName(sourceID string, start time.Time) string {
	return sourceID + "_" + start.Format(StampLayout) + ".wav"
}

// Config holds the settings of one recorder.
type Config struct {
	SourceID      string
	Dir           string
	FfmpegPath    string // empty means look up ffmpeg in PATH
	Format        myaudio.Format
	ChunkDuration time.Duration
	StallTimeout  time.Duration
	HealthTimeout time.Duration
	Backoff       conf.BackoffSettings
	MaxRetries    int // 0 = unbounded
}

// ConfigFromSettings builds the recorder config for src.
func ConfigFromSettings(s *conf.Settings, src conf.SourceSettings) Config {
	format := myaudio.Format{
		SampleRate: s.Audio.SampleRate,
		Channels:   s.Audio.Channels,
		BitDepth:   s.Audio.BitDepth,
	}
	return Config{
		SourceID:      src.ID,
		Dir:           s.Recorder.Dir,
		FfmpegPath:    s.Audio.FfmpegPath,
		Format:        format,
		ChunkDuration: s.Recorder.ChunkDuration,
		StallTimeout:  s.Recorder.StallTimeout,
		HealthTimeout: s.Recorder.HealthTimeout,
		Backoff:       s.Recorder.Backoff,
		MaxRetries:    s.Recorder.MaxRetries,
	}
}

// Status is a snapshot of a recorder for operators.
type Status struct {
	SourceID            string    `json:"source_id"`
	Backend             string    `json:"backend"`
	State               State     `json:"state"`
	Since               time.Time `json:"since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastChunk           time.Time `json:"last_chunk,omitzero"`
	PID                 int       `json:"pid,omitempty"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLauncher replaces the subprocess launcher.
func WithLauncher(l Launcher) Option {
	return func(r *Recorder) { r.launcher = l }
}

// WithMetrics records state, failures and chunks.
func WithMetrics(m *metrics.RecorderMetrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithFFmpegResolver replaces the ffmpeg lookup. The resolver receives the
// configured path and returns the binary to run.
func WithFFmpegResolver(resolve func(configured string) (string, error)) Option {
	return func(r *Recorder) { r.resolveFFmpeg = resolve }
}

// Recorder supervises one capture subprocess.
type Recorder struct {
	cfg           Config
	backend       Backend
	launcher      Launcher
	metrics       *metrics.RecorderMetrics
	resolveFFmpeg func(string) (string, error)
	jitter        func(time.Duration) time.Duration
	logger        logger.Logger

	mu        sync.Mutex
	state     State
	since     time.Time
	history   []Transition
	failures  int
	lastErr   error
	lastChunk time.Time
	pid       int
	running   bool
	stopping  bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped recorder.
func New(cfg Config, backend Backend, opts ...Option) *Recorder {
	r := &Recorder{
		cfg:      cfg,
		backend:  backend,
		launcher: ExecLauncher{},
		resolveFFmpeg: func(configured string) (string, error) {
			return conf.ValidateToolPath(configured, conf.GetFfmpegBinaryName())
		},
		jitter: defaultJitter,
		state:  StateStopped,
		since:  time.Now(),
		logger: logger.Global().Module("recorder").With(
			logger.String("source_id", cfg.SourceID),
			logger.String("backend", backend.Type())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		r.metrics.SetState(cfg.SourceID, StateStopped.String())
	}
	return r
}

// SourceID returns the source this recorder captures.
func (r *Recorder) SourceID() string { return r.cfg.SourceID }

// Run supervises capture until ctx is cancelled or Stop is called, which
// both return nil. A configuration error or exhausted retries leave the
// recorder in a persistent error state and are returned.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.Newf("recorder %s is already running", r.cfg.SourceID).
			Component("recorder").
			Category(errors.CategoryState).
			Build()
	}
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	ffmpeg, err := r.preflight()
	if err != nil {
		r.transition(StateStarting, "preflight")
		r.fail(FailureConfiguration, err)
		r.logger.Error("recorder configuration error, not restarting", logger.Error(err))
		return err
	}

	for {
		r.transition(StateStarting, "")
		result := r.capture(ctx, ffmpeg)
		if ctx.Err() != nil {
			r.transition(StateStopped, "stop requested")
			return nil
		}

		class := result.class
		if class == "" {
			class = r.backend.Classify(result.Attempt)
		}
		failures := r.fail(class, result.Err)
		r.logger.Warn("capture attempt failed",
			logger.String("class", string(class)),
			logger.Int("consecutive_failures", failures),
			logger.String("stderr", logger.RedactSensitiveData(result.Stderr)),
			logger.Error(result.Err))

		if class == FailureConfiguration {
			r.logger.Error("recorder configuration error, not restarting", logger.Error(result.Err))
			return result.Err
		}
		if r.cfg.MaxRetries > 0 && failures > r.cfg.MaxRetries {
			err := errors.Newf("source %s failed %d consecutive times", r.cfg.SourceID, failures).
				Component("recorder").
				Category(errors.CategoryRetry).
				Context("max_retries", r.cfg.MaxRetries).
				Context("last_class", string(class)).
				Build()
			r.setLastError(err)
			r.logger.Error("recorder retries exhausted", logger.Int("max_retries", r.cfg.MaxRetries))
			return err
		}

		wait := r.backoff(class, failures)
		r.transition(StateRestarting, "waiting "+wait.Round(time.Millisecond).String())
		if r.metrics != nil {
			r.metrics.RecordRestart(r.cfg.SourceID)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.transition(StateStopped, "stop requested")
			return nil
		}
	}
}

// Stop cancels Run, waits for the subprocess to exit and leaves the
// recorder stopped for good.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.stopping = true
	cancel, done, running := r.cancel, r.done, r.running
	r.mu.Unlock()

	if running {
		cancel()
		<-done
	}
	r.transition(StateStopped, "stopped")
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns a copy of the recent state transitions, oldest first.
func (r *Recorder) History() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.history...)
}

// Status returns a snapshot for operators.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		SourceID:            r.cfg.SourceID,
		Backend:             r.backend.Type(),
		State:               r.state,
		Since:               r.since,
		ConsecutiveFailures: r.failures,
		LastChunk:           r.lastChunk,
		PID:                 r.pid,
	}
	if r.lastErr != nil {
		s.LastError = logger.RedactSensitiveData(r.lastErr.Error())
	}
	return s
}

func (r *Recorder) preflight() (string, error) {
	if err := r.backend.Validate(); err != nil {
		return "", err
	}
	if r.cfg.ChunkDuration <= 0 || r.cfg.StallTimeout <= 0 {
		return "", errors.Newf("chunk duration and stall timeout must be positive").
			Component("recorder").
			Category(errors.CategoryConfiguration).
			Context("source_id", r.cfg.SourceID).
			Build()
	}
	ffmpeg, err := r.resolveFFmpeg(r.cfg.FfmpegPath)
	if err != nil {
		return "", errors.New(err).
			Component("recorder").
			Category(errors.CategoryConfiguration).
			Context("operation", "resolve_ffmpeg").
			Build()
	}
	return ffmpeg, nil
}

type attemptResult struct {
	Attempt
	class FailureClass // set when the recorder already knows the class
}

// capture runs one health check and subprocess lifetime.
func (r *Recorder) capture(ctx context.Context, ffmpeg string) attemptResult {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	err := r.backend.HealthCheck(hctx)
	cancel()
	if err != nil {
		result := attemptResult{Attempt: Attempt{Err: err}}
		if errors.IsCategory(err, errors.CategoryConfiguration) {
			result.class = FailureConfiguration
		}
		return result
	}

	tmpDir := r.tmpDir()
	if err := r.resetTmpDir(tmpDir); err != nil {
		return attemptResult{Attempt: Attempt{Err: err}, class: FailureProcessExit}
	}

	proc, err := r.launcher.Launch(ctx, ffmpeg, r.args(tmpDir), tmpDir)
	if err != nil {
		result := attemptResult{Attempt: Attempt{Err: err}}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			result.class = FailureConfiguration
		}
		return result
	}

	r.mu.Lock()
	r.pid = proc.PID()
	r.mu.Unlock()
	r.transition(StateRecording, "pid "+strconv.Itoa(proc.PID()))

	result := r.supervise(ctx, proc, tmpDir)

	r.mu.Lock()
	r.pid = 0
	r.mu.Unlock()
	return result
}

// supervise commits listed segments until the process exits, stalls or ctx
// is cancelled.
func (r *Recorder) supervise(ctx context.Context, proc Process, tmpDir string) attemptResult {
	ticker := time.NewTicker(r.stallCheckInterval())
	defer ticker.Stop()

	lastProgress := time.Now()
	lastSize := int64(-1)
	segments := proc.Segments()

	for {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			r.commit(seg)
			lastProgress = time.Now()

		case <-proc.Done():
			r.drain(proc)
			r.discardPartial(tmpDir)
			err := proc.Err()
			if err == nil {
				err = errors.NewStd("capture process exited")
			}
			return attemptResult{Attempt: Attempt{Err: err, Stderr: proc.Stderr(), Started: true}}

		case <-ticker.C:
			if size := dirSize(tmpDir); size != lastSize {
				lastSize = size
				lastProgress = time.Now()
				continue
			}
			if idle := time.Since(lastProgress); idle > r.cfg.StallTimeout {
				_ = proc.Kill()
				r.drain(proc)
				r.discardPartial(tmpDir)
				err := errors.Newf("no audio written for %s", idle.Round(time.Second)).
					Component("recorder").
					Category(errors.CategoryAudioSource).
					Context("stall_timeout", r.cfg.StallTimeout.String()).
					Build()
				return attemptResult{
					Attempt: Attempt{Err: err, Stderr: proc.Stderr(), Started: true},
					class:   FailureStall,
				}
			}

		case <-ctx.Done():
			_ = proc.Kill()
			r.drain(proc)
			r.discardPartial(tmpDir)
			return attemptResult{Attempt: Attempt{Err: ctx.Err(), Started: true}}
		}
	}
}

// drain commits segments still listed by an exiting process and waits for
// it to finish.
func (r *Recorder) drain(proc Process) {
	for seg := range proc.Segments() {
		r.commit(seg)
	}
	<-proc.Done()
}

// commit moves a completed segment into the recording directory.
func (r *Recorder) commit(segment string) {
	base := strings.TrimSuffix(filepath.Base(segment), filepath.Ext(segment))
	start, err := time.ParseInLocation(StampLayout, base, time.Local)
	if err != nil {
		start = time.Now().Add(-r.cfg.ChunkDuration)
	}
	dst := filepath.Join(r.cfg.Dir, ChunkName(r.cfg.SourceID, start))

	if _, err := os.Stat(dst); err == nil {
		r.logger.Warn("chunk already exists, dropping segment",
			logger.String("segment", segment),
			logger.String("chunk", dst))
		_ = os.Remove(segment)
		return
	}
	if err := os.Rename(segment, dst); err != nil {
		r.logger.Error("failed to commit segment",
			logger.String("segment", segment),
			logger.Error(err))
		return
	}

	r.mu.Lock()
	r.failures = 0
	r.lastChunk = time.Now()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RecordChunk(r.cfg.SourceID)
	}
	r.logger.Debug("chunk committed", logger.String("chunk", dst))
}

// fail records a classified failure and returns the consecutive count.
func (r *Recorder) fail(class FailureClass, err error) int {
	r.mu.Lock()
	r.failures++
	r.lastErr = err
	failures := r.failures
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordFailure(r.cfg.SourceID, string(class), failures)
	}
	reason := string(class)
	if err != nil {
		reason += ": " + logger.RedactSensitiveData(err.Error())
	}
	r.transition(StateError, reason)
	return failures
}

func (r *Recorder) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Recorder) transition(to State, reason string) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	if r.stopping && to != StateStopped && from == StateStopped {
		r.mu.Unlock()
		return
	}
	if !isValidTransition(from, to) {
		r.logger.Debug("unexpected state transition",
			logger.String("from", from.String()),
			logger.String("to", to.String()))
	}
	now := time.Now()
	r.state = to
	r.since = now
	r.history = append(r.history, Transition{From: from, To: to, At: now, Reason: reason})
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetState(r.cfg.SourceID, to.String())
	}
	r.logger.Info("recorder state transition",
		logger.String("from", from.String()),
		logger.String("to", to.String()),
		logger.String("reason", reason))
}

// backoff returns the wait before the next start. Connection timeouts
// start from a quarter of the maximum.
func (r *Recorder) backoff(class FailureClass, failures int) time.Duration {
	b := r.cfg.Backoff
	base := b.Initial
	if class == FailureConnectionTimeout {
		base = max(b.Max/4, b.Initial)
	}
	multiplier := max(b.Multiplier, 1)

	d := float64(base) * math.Pow(multiplier, float64(max(failures-1, 0)))
	wait := b.Max
	if d < float64(b.Max) {
		wait = time.Duration(d)
	}
	return wait + r.jitter(wait)
}

func defaultJitter(d time.Duration) time.Duration {
	jitterRange := int64(d) * restartJitterPercentMax / 100
	if jitterRange <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(jitterRange))
}

func (r *Recorder) stallCheckInterval() time.Duration {
	return max(r.cfg.StallTimeout/4, 10*time.Millisecond)
}

func (r *Recorder) tmpDir() string {
	return filepath.Join(r.cfg.Dir, ".tmp", r.cfg.SourceID)
}

// resetTmpDir creates the segment directory and removes leftovers of a
// previous attempt.
func (r *Recorder) resetTmpDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("recorder").
			Category(errors.CategoryFileIO).
			Context("operation", "create_segment_dir").
			Build()
	}
	r.discardPartial(dir)
	return nil
}

// discardPartial removes segments that were never listed as complete.
func (r *Recorder) discardPartial(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove partial segment", logger.String("path", path), logger.Error(err))
		}
	}
}

func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

// args builds the full ffmpeg command line.
func (r *Recorder) args(tmpDir string) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	args = append(args, r.backend.Args()...)
	return append(args,
		"-vn",
		"-ac", strconv.Itoa(r.cfg.Format.Channels),
		"-ar", strconv.Itoa(r.cfg.Format.SampleRate),
		"-c:a", pcmCodec(r.cfg.Format.BitDepth),
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(r.cfg.ChunkDuration.Seconds(), 'f', -1, 64),
		"-segment_format", "wav",
		"-segment_list", "pipe:1",
		"-segment_list_type", "flat",
		"-reset_timestamps", "1",
		"-strftime", "1",
		filepath.Join(tmpDir, "%Y%m%dT%H%M%S.wav"),
	)
}

func pcmCodec(bitDepth int) string {
	switch bitDepth {
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return "pcm_s16le"
	}
}

func formatMicros(d time.Duration) string {
	return strconv.FormatInt(d.Microseconds(), 10)
}

// String implements fmt.Stringer for log output.
func (s Status) String() string {
	return fmt.Sprintf("%s (%s): %s since %s", s.SourceID, s.Backend, s.State, s.Since.Format(time.RFC3339))
}
