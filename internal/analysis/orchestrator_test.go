package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/inference"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

func TestRobinAcceptedAndWeakDetectionRejected(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{
		12 * time.Second: {robin(0.92)},
		24 * time.Second: {robin(0.40)},
	})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 60*time.Second)

	n, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	offsets := []time.Duration{}
	for _, c := range h.classifier.Calls() {
		offsets = append(offsets, c.Offset)
		assert.Equal(t, "yard", c.SourceID)
	}
	assert.Equal(t, []time.Duration{0, 12 * time.Second, 24 * time.Second, 36 * time.Second, 48 * time.Second}, offsets)

	dets := h.store.Detections()
	require.Len(t, dets, 1)
	d := dets[0]
	assert.InDelta(t, 0.92, d.Confidence, 1e-9)
	assert.Equal(t, "Turdus migratorius", d.ScientificName)
	assert.Equal(t, 12*time.Second, d.WindowOffset)
	assert.True(t, d.Timestamp.Equal(chunkStart.Add(12*time.Second)))
	assert.Equal(t, chunk, d.ChunkPath)
	assert.FileExists(t, d.ClipPath)
	assert.FileExists(t, d.SpectrogramPath)
	assert.Equal(t, ArtifactDir(h.cfg.ClipsDir, d.Timestamp), filepath.Dir(d.ClipPath))

	clips := listFiles(t, h.cfg.ClipsDir, "*.wav")
	assert.Len(t, clips, 1, "no artifact for the rejected detection")

	info, err := myaudio.ReadInfo(d.ClipPath)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, info.Duration)

	require.Len(t, h.bus.Events(), 1)
	assert.Equal(t, uint(1), h.bus.Events()[0].DetectionID)

	assert.NoFileExists(t, chunk, "chunk is deleted after processing")
	assert.NoFileExists(t, chunk+ClaimSuffix)

	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.ChunksProcessed)
	assert.Equal(t, uint64(1), stats.Detections)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Zero(t, stats.InFlight)
}

func TestOverlappingWindowsMergeIntoOneSighting(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{
		0:                {robin(0.7)},
		12 * time.Second: {robin(0.9)},
		36 * time.Second: {robin(0.8)},
	})
	o := h.orchestrator(t)
	h.writeChunk(t, "yard", chunkStart, 60*time.Second)

	_, err := o.ScanOnce(context.Background())
	require.NoError(t, err)

	dets := h.store.Detections()
	require.Len(t, dets, 2)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-9, "higher confidence wins")
	assert.Equal(t, 12*time.Second, dets[0].WindowOffset)
	assert.Equal(t, 36*time.Second, dets[1].WindowOffset, "a gap window starts a new sighting")
	assert.Equal(t, uint64(1), o.Stats().Deduplicated)
}

func TestSkippedWindowBreaksLookback(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = func(req inference.Request) ([]inference.Prediction, error) {
		switch req.Offset {
		case 0:
			return []inference.Prediction{robin(0.7)}, nil
		case 12 * time.Second:
			return nil, fmt.Errorf("service unavailable")
		case 24 * time.Second:
			return []inference.Prediction{robin(0.8)}, nil
		}
		return nil, nil
	}
	o := h.orchestrator(t)
	h.writeChunk(t, "yard", chunkStart, 60*time.Second)

	_, err := o.ScanOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.store.Detections(), 2)
	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.SkippedWindows)
	assert.Equal(t, uint64(1), stats.ChunksProcessed)
}

func TestClipPaddingIsClampedToChunk(t *testing.T) {
	h := newHarness(t)
	h.cfg.PrePadding = time.Second
	h.cfg.PostPadding = 2 * time.Second
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{
		12 * time.Second: {robin(0.9)},
		48 * time.Second: {{CommonName: "Eurasian Wren", ScientificName: "Troglodytes troglodytes", Confidence: 0.95}},
	})
	o := h.orchestrator(t)
	h.writeChunk(t, "yard", chunkStart, 60*time.Second)

	_, err := o.ScanOnce(context.Background())
	require.NoError(t, err)

	dets := h.store.Detections()
	require.Len(t, dets, 2)
	padded, err := myaudio.ReadInfo(dets[0].ClipPath)
	require.NoError(t, err)
	assert.Equal(t, 18*time.Second, padded.Duration)

	tail, err := myaudio.ReadInfo(dets[1].ClipPath)
	require.NoError(t, err)
	assert.Equal(t, 13*time.Second, tail.Duration, "post padding stops at the chunk end")
}

func TestInvalidChunksAreQuarantined(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)

	good := h.writeChunk(t, "yard", chunkStart, 10*time.Second)
	garbage := filepath.Join(h.cfg.RecordingDir, recorder.ChunkName("yard", chunkStart.Add(time.Minute)))
	require.NoError(t, os.WriteFile(garbage, []byte("not a wave file"), 0o644))
	wrongRate := writeWAV(t, h.cfg.RecordingDir, recorder.ChunkName("pond", chunkStart),
		myaudio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, 5*time.Second)
	badName := writeWAV(t, h.cfg.RecordingDir, "nostamp.wav", testFormat, 5*time.Second)

	n, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, good)
	assert.Len(t, h.store.Detections(), 1, "valid chunk is processed despite bad neighbours")
	for _, p := range []string{garbage, wrongRate, badName} {
		assert.NoFileExists(t, p)
		assert.NoFileExists(t, p+ClaimSuffix)
		assert.FileExists(t, filepath.Join(h.cfg.QuarantineDir, filepath.Base(p)))
	}
	assert.Equal(t, uint64(3), o.Stats().ChunksQuarantined)
}

func TestTempAndHiddenFilesAreIgnored(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	writeWAV(t, h.cfg.RecordingDir, ".hidden_20260501T060000.wav", testFormat, time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.RecordingDir, "yard_20260501T060000.wav"+myaudio.TempSuffix), nil, 0o644))

	n, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.classifier.Calls())
	assert.Empty(t, listFiles(t, h.cfg.QuarantineDir, "*"))
}

func TestConcurrentScansProcessEachChunkOnce(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workers = 3
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})

	const chunks = 12
	for i := range chunks {
		h.writeChunk(t, sourceName(i), chunkStart.Add(time.Duration(i)*time.Minute), 4*time.Second)
	}

	// two orchestrators stand in for two processes sharing the directory
	a, b := h.orchestrator(t), h.orchestrator(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for _, o := range []*Orchestrator{a, b, a, b} {
		wg.Go(func() {
			n, err := o.ScanOnce(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, chunks, total)
	dets := h.store.Detections()
	require.Len(t, dets, chunks)
	seen := make(map[string]bool)
	for _, d := range dets {
		assert.False(t, seen[d.ChunkPath], "chunk %s persisted twice", d.ChunkPath)
		seen[d.ChunkPath] = true
	}
	assert.Len(t, h.classifier.Calls(), chunks, "one window per chunk, classified once")
	assert.Empty(t, listFiles(t, h.cfg.RecordingDir, "*"+ClaimSuffix))
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)

	stale := h.writeChunk(t, "yard", chunkStart, 4*time.Second)
	require.NoError(t, os.WriteFile(stale+ClaimSuffix, []byte("otherhost 42\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale+ClaimSuffix, old, old))

	fresh := h.writeChunk(t, "pond", chunkStart, 4*time.Second)
	require.NoError(t, os.WriteFile(fresh+ClaimSuffix, []byte("otherhost 43\n"), 0o644))

	n, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh, "a live claim is respected")
	assert.FileExists(t, fresh+ClaimSuffix)
	assert.Equal(t, uint64(1), o.Stats().StaleClaimsReclaimed)
	assert.Empty(t, listFiles(t, h.cfg.RecordingDir, "*.stale-*"))
}

func TestLongRunningClaimIsKeptFresh(t *testing.T) {
	h := newHarness(t)
	h.cfg.StaleClaimTimeout = 200 * time.Millisecond
	h.classifier.block = make(chan struct{})
	h.classifier.began = make(chan struct{}, 1)
	owner := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	done := make(chan error, 1)
	go func() { done <- owner.ProcessChunk(context.Background(), chunk) }()
	<-h.classifier.began
	time.Sleep(3 * h.cfg.StaleClaimTimeout)

	// a second process sharing the recording directory
	other := h.orchestrator(t)
	assert.ErrorIs(t, other.ProcessChunk(context.Background(), chunk), ErrClaimed)
	assert.Zero(t, other.Stats().StaleClaimsReclaimed)

	close(h.classifier.block)
	require.NoError(t, <-done)
	assert.NoFileExists(t, chunk)
}

func TestDoneMarkerSkipsChunk(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)
	require.NoError(t, os.WriteFile(chunk+DoneSuffix, nil, 0o644))

	err := o.ProcessChunk(context.Background(), chunk)
	require.ErrorIs(t, err, ErrClaimed)
	assert.FileExists(t, chunk)
	assert.Empty(t, h.classifier.Calls())
}

func TestArchiveMovesChunk(t *testing.T) {
	h := newHarness(t)
	h.cfg.ArchiveDir = filepath.Join(t.TempDir(), "archive")
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	require.NoError(t, o.ProcessChunk(context.Background(), chunk))
	assert.NoFileExists(t, chunk)
	assert.FileExists(t, filepath.Join(h.cfg.ArchiveDir, filepath.Base(chunk)))
}

func TestFailedInsertLeavesNoArtifacts(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.NewStd("database is locked")
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	err := o.ProcessChunk(context.Background(), chunk)
	require.Error(t, err)
	assert.Empty(t, listFiles(t, h.cfg.ClipsDir, "*.wav"))
	assert.Empty(t, listFiles(t, h.cfg.ClipsDir, "*.png"))
	assert.Empty(t, h.bus.Events())
	assert.Equal(t, uint64(1), o.Stats().ChunksFailed)
	assert.Equal(t, 1+h.cfg.PersistRetries, h.store.Inserts(), "insert is retried")
}

func TestFailedPersistLeavesChunkForRetry(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.NewStd("database is locked")
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	require.Error(t, o.ProcessChunk(context.Background(), chunk))
	assert.FileExists(t, chunk)
	assert.NoFileExists(t, chunk+ClaimSuffix)
	assert.NoFileExists(t, chunk+DoneSuffix)
	assert.Empty(t, h.store.Detections())

	h.store.setErr(nil)
	n, err := o.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, chunk)

	dets := h.store.Detections()
	require.Len(t, dets, 1)
	assert.Equal(t, "Turdus migratorius", dets[0].ScientificName)
	assert.FileExists(t, dets[0].ClipPath)
	assert.Len(t, h.bus.Events(), 1)
}

func TestRetriedChunkSkipsStoredDetections(t *testing.T) {
	h := newHarness(t)
	wren := inference.Prediction{CommonName: "Eurasian Wren", ScientificName: "Troglodytes troglodytes", Confidence: 0.8}
	h.store.err = errors.NewStd("disk I/O error")
	h.store.failSpecies = wren.ScientificName
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9), wren}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	require.Error(t, o.ProcessChunk(context.Background(), chunk))
	require.Len(t, h.store.Detections(), 1)
	assert.FileExists(t, chunk)

	h.store.setErr(nil)
	require.NoError(t, o.ProcessChunk(context.Background(), chunk))
	assert.NoFileExists(t, chunk)

	var species []string
	for _, d := range h.store.Detections() {
		species = append(species, d.ScientificName)
	}
	assert.ElementsMatch(t, []string{"Turdus migratorius", "Troglodytes troglodytes"}, species)
	assert.Len(t, listFiles(t, h.cfg.ClipsDir, "*.wav"), 2)
	assert.Len(t, h.bus.Events(), 2)
}

func TestFailedSpectrogramRemovesClip(t *testing.T) {
	h := newHarness(t)
	h.renderer.err = errors.NewStd("sox failed")
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	require.Error(t, o.ProcessChunk(context.Background(), chunk))
	assert.Empty(t, h.store.Detections())
	assert.Empty(t, listFiles(t, h.cfg.ClipsDir, "*.wav"))
}

func TestDroppedEventsAreCounted(t *testing.T) {
	h := newHarness(t)
	h.bus.refuse = true
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	require.NoError(t, o.ProcessChunk(context.Background(), chunk))
	assert.Len(t, h.store.Detections(), 1)
	assert.Equal(t, uint64(1), o.Stats().EventsDropped)
}

func TestShutdownAbortsAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.classifier.block = make(chan struct{})
	h.classifier.began = make(chan struct{}, 1)
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	select {
	case <-h.classifier.began:
	case <-time.After(5 * time.Second):
		t.Fatal("classifier was never called")
	}

	err := o.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	require.NoError(t, <-runErr)

	assert.FileExists(t, chunk, "aborted chunk stays for the next start")
	assert.NoFileExists(t, chunk+ClaimSuffix)
	assert.Equal(t, uint64(1), o.Stats().ChunksAborted)

	require.ErrorIs(t, o.ProcessChunk(context.Background(), chunk), ErrShutdown)
	_, err = o.ScanOnce(context.Background())
	require.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownWaitsForInFlightChunk(t *testing.T) {
	h := newHarness(t)
	h.classifier.block = make(chan struct{})
	h.classifier.began = make(chan struct{}, 1)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	chunk := h.writeChunk(t, "yard", chunkStart, 4*time.Second)

	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(context.Background()) }()
	<-h.classifier.began

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(h.classifier.block)
	}()
	require.NoError(t, o.Shutdown(5*time.Second))
	require.NoError(t, <-runErr)

	assert.NoFileExists(t, chunk)
	assert.Len(t, h.store.Detections(), 1)
}

func TestRunPicksUpNewChunks(t *testing.T) {
	h := newHarness(t)
	h.classifier.fn = byOffset(map[time.Duration][]inference.Prediction{0: {robin(0.9)}})
	o := h.orchestrator(t)
	require.NoError(t, os.MkdirAll(h.cfg.RecordingDir, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	// written beside the directory and renamed in, as the recorder does
	staging := t.TempDir()
	tmp := writeWAV(t, staging, "segment.wav", testFormat, 4*time.Second)
	final := filepath.Join(h.cfg.RecordingDir, recorder.ChunkName("yard", chunkStart))
	require.Eventually(t, func() bool {
		// the watch may not be registered yet on the first attempt
		if _, err := os.Stat(tmp); err == nil {
			_ = os.Rename(tmp, final)
		}
		return len(h.store.Detections()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, o.Shutdown(time.Second))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.Overlap = h.cfg.Window
	_, err := New(Deps{Classifier: h.classifier, Store: h.store}, h.cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	h = newHarness(t)
	_, err = New(Deps{Store: h.store}, h.cfg)
	require.Error(t, err)
}
