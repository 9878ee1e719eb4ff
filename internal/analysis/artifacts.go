package analysis

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

// ArtifactName returns the file stem for a detection artifact:
// <scientific_snake>_<conf>p_<stamp>_<id8>.
func ArtifactName(scientificName string, confidence float64, ts time.Time, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	pct := int(math.Floor(confidence * 100))
	return fmt.Sprintf("%s_%dp_%s_%s", snakeCase(scientificName), pct, ts.Local().Format(recorder.StampLayout), id)
}

// ArtifactDir returns <clips>/<YYYY>/<MM> for ts.
func ArtifactDir(root string, ts time.Time) string {
	local := ts.Local()
	return filepath.Join(root, local.Format("2006"), local.Format("01"))
}

func snakeCase(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

// persist materializes c, retrying transient store and filesystem failures
// with exponential backoff. A detection already stored from the same chunk
// window by an earlier pass is skipped.
func (o *Orchestrator) persist(ctx context.Context, chunk Chunk, samples *myaudio.Samples, c *candidate) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.cfg.PersistBackoff
	exp.MaxInterval = 16 * o.cfg.PersistBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.cfg.PersistRetries)), ctx) //nolint:gosec // G115: clamped to >= 0

	attempt := 0
	operation := func() error {
		attempt++
		stored, err := o.store.HasDetection(chunk.Path, c.window.Offset, c.pred.ScientificName)
		if err != nil {
			return err
		}
		if stored {
			o.logger.Debug("detection already stored, skipping",
				logger.String("chunk", filepath.Base(chunk.Path)),
				logger.Duration("offset", c.window.Offset),
				logger.String("species", c.pred.ScientificName))
			return nil
		}
		err = o.materialize(ctx, chunk, samples, c)
		if errors.IsCategory(err, errors.CategoryValidation) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.logger.Warn("persisting detection failed, retrying",
			logger.String("species", c.pred.ScientificName),
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait),
			logger.Error(err))
	}
	return backoff.RetryNotify(operation, policy, notify)
}

// materialize writes the clip and spectrogram for c, inserts the detection
// and publishes its event. Artifacts are written before the record; if any
// step before the insert fails, the partial artifacts are removed.
func (o *Orchestrator) materialize(ctx context.Context, chunk Chunk, samples *myaudio.Samples, c *candidate) error {
	ts := chunk.Start.Add(c.window.Offset)
	dir := ArtifactDir(o.cfg.ClipsDir, ts)
	stem := ArtifactName(c.pred.ScientificName, c.pred.Confidence, ts, uuid.NewString())
	clipPath := filepath.Join(dir, stem+".wav")

	start := myaudio.DurationToFrames(max(0, c.window.Offset-o.cfg.PrePadding), samples.SampleRate)
	end := myaudio.DurationToFrames(c.window.End()+o.cfg.PostPadding, samples.SampleRate)
	clip := samples.Slice(start, end)

	if err := myaudio.WriteWAV(clipPath, clip); err != nil {
		return err
	}

	var pngPath string
	if o.spectrograms != nil {
		pngPath = filepath.Join(dir, stem+".png")
		if err := o.spectrograms.Render(ctx, clip, pngPath); err != nil {
			removeArtifacts(clipPath, pngPath)
			return err
		}
	}

	det := &datastore.Detection{
		SourceID:        chunk.SourceID,
		Timestamp:       ts,
		CommonName:      c.pred.CommonName,
		ScientificName:  c.pred.ScientificName,
		Confidence:      c.pred.Confidence,
		ChunkPath:       chunk.Path,
		WindowOffset:    c.window.Offset,
		ClipPath:        clipPath,
		SpectrogramPath: pngPath,
	}
	id, err := o.store.InsertDetection(det)
	if err != nil {
		removeArtifacts(clipPath, pngPath)
		if errors.IsCategory(err, errors.CategoryValidation) {
			return err
		}
		return errors.New(err).
			Component("analysis").
			Category(errors.CategoryDatabase).
			Context("operation", "insert_detection").
			Context("species", c.pred.ScientificName).
			Build()
	}

	o.stats.detections.Add(1)
	o.publish(events.DetectionEvent{
		DetectionID:     id,
		SourceID:        chunk.SourceID,
		CommonName:      c.pred.CommonName,
		ScientificName:  c.pred.ScientificName,
		Confidence:      c.pred.Confidence,
		Timestamp:       ts,
		ClipPath:        clipPath,
		SpectrogramPath: pngPath,
	})
	return nil
}

func (o *Orchestrator) publish(e events.DetectionEvent) {
	if o.bus == nil {
		return
	}
	if o.bus.TryPublish(e) {
		return
	}
	o.stats.eventsDropped.Add(1)
	if o.metrics != nil {
		o.metrics.EventsDropped.Inc()
	}
	o.logger.Debug("detection event dropped",
		logger.Uint64("detection_id", uint64(e.DetectionID)))
}

func removeArtifacts(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = os.Remove(p)
		_ = os.Remove(p + myaudio.TempSuffix)
	}
}

// moveFile renames src to dst, copying across filesystems when the rename
// fails with EXDEV.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	tmp := dst + myaudio.TempSuffix
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: chunk paths come from the scanner
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst) //nolint:gosec // G304: destination is built from configured dirs
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
