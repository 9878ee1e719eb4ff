package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/datastore"
	"github.com/tphakala/birdnet-pipeline/internal/events"
	"github.com/tphakala/birdnet-pipeline/internal/inference"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

var testFormat = myaudio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

var chunkStart = time.Date(2026, 5, 1, 6, 0, 0, 0, time.Local)

type classifyFunc func(req inference.Request) ([]inference.Prediction, error)

// fakeClassifier answers per window offset.
type fakeClassifier struct {
	mu    sync.Mutex
	fn    classifyFunc
	calls []inference.Request
	block chan struct{} // when set, Classify waits for it or ctx
	began chan struct{}
}

func (c *fakeClassifier) Classify(ctx context.Context, req inference.Request) ([]inference.Prediction, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if c.block != nil {
		select {
		case c.began <- struct{}{}:
		default:
		}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fn == nil {
		return nil, nil
	}
	return c.fn(req)
}

func (c *fakeClassifier) Calls() []inference.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]inference.Request(nil), c.calls...)
}

// byOffset returns predictions keyed by window offset.
func byOffset(m map[time.Duration][]inference.Prediction) classifyFunc {
	return func(req inference.Request) ([]inference.Prediction, error) {
		return m[req.Offset], nil
	}
}

func robin(confidence float64) inference.Prediction {
	return inference.Prediction{CommonName: "American Robin", ScientificName: "Turdus migratorius", Confidence: confidence}
}

type memStore struct {
	mu          sync.Mutex
	dets        []datastore.Detection
	err         error
	failSpecies string // when set, only inserts of this species fail with err
	inserts     int
}

func (s *memStore) InsertDetection(d *datastore.Detection) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.err != nil && (s.failSpecies == "" || s.failSpecies == d.ScientificName) {
		return 0, s.err
	}
	d.ID = uint(len(s.dets) + 1)
	s.dets = append(s.dets, *d)
	return d.ID, nil
}

func (s *memStore) HasDetection(chunkPath string, windowOffset time.Duration, scientificName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dets {
		if d.ChunkPath == chunkPath && d.WindowOffset == windowOffset && d.ScientificName == scientificName {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memStore) Inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

func (s *memStore) Detections() []datastore.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datastore.Detection(nil), s.dets...)
}

type fakeBus struct {
	mu     sync.Mutex
	events []events.DetectionEvent
	refuse bool
}

func (b *fakeBus) TryPublish(e events.DetectionEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return false
	}
	b.events = append(b.events, e)
	return true
}

func (b *fakeBus) Events() []events.DetectionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.DetectionEvent(nil), b.events...)
}

// fakeRenderer writes a placeholder image.
type fakeRenderer struct {
	err error
}

func (r *fakeRenderer) Render(_ context.Context, _ *myaudio.Samples, path string) error {
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(path, []byte("png"), 0o644)
}

type harness struct {
	cfg        Config
	classifier *fakeClassifier
	store      *memStore
	bus        *fakeBus
	renderer   *fakeRenderer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	return &harness{
		cfg: Config{
			RecordingDir:      filepath.Join(root, "recordings"),
			QuarantineDir:     filepath.Join(root, "quarantine"),
			ClipsDir:          filepath.Join(root, "clips"),
			Format:            testFormat,
			Window:            15 * time.Second,
			Overlap:           3 * time.Second,
			MinConfidence:     0.5,
			Workers:           2,
			ScanInterval:      time.Hour,
			StaleClaimTimeout: time.Hour,
			PersistRetries:    2,
			PersistBackoff:    time.Millisecond,
		},
		classifier: &fakeClassifier{},
		store:      &memStore{},
		bus:        &fakeBus{},
		renderer:   &fakeRenderer{},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Classifier:   h.classifier,
		Store:        h.store,
		Bus:          h.bus,
		Spectrograms: h.renderer,
	}, h.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(time.Second) })
	return o
}

// writeChunk writes a finalized chunk of duration d for source.
func (h *harness) writeChunk(t *testing.T, source string, start time.Time, d time.Duration) string {
	t.Helper()
	return writeWAV(t, h.cfg.RecordingDir, recorder.ChunkName(source, start), testFormat, d)
}

func writeWAV(t *testing.T, dir, name string, f myaudio.Format, d time.Duration) string {
	t.Helper()
	frames := myaudio.DurationToFrames(d, f.SampleRate)
	data := make([]int, frames*f.Channels)
	for i := range data {
		data[i] = (i % 200) - 100
	}
	path := filepath.Join(dir, name)
	require.NoError(t, myaudio.WriteWAV(path, &myaudio.Samples{Format: f, Data: data}))
	return path
}

func listFiles(t *testing.T, dir, pattern string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok && !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func sourceName(i int) string { return fmt.Sprintf("mic%d", i) }
