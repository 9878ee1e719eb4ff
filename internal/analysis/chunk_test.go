package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/chunker"
	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

func windowAt(offset time.Duration, overlapped bool) chunker.Window {
	return chunker.Window{Offset: offset, Length: 3 * time.Second, Overlapped: overlapped}
}

func TestParseChunkName(t *testing.T) {
	start := time.Date(2026, 5, 1, 6, 7, 8, 0, time.Local)

	source, ts, err := ParseChunkName("/data/rec/" + recorder.ChunkName("back_yard", start))
	require.NoError(t, err)
	assert.Equal(t, "back_yard", source)
	assert.True(t, ts.Equal(start))

	for _, name := range []string{"nostamp.wav", "_20260501T060708.wav", "yard_.wav", "yard_2026-05-01.wav"} {
		_, _, err := ParseChunkName(name)
		require.Error(t, err, name)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	}
}

func TestIsChunkFile(t *testing.T) {
	assert.True(t, isChunkFile("yard_20260501T060708.wav"))
	assert.True(t, isChunkFile("yard_20260501T060708.WAV"))
	assert.False(t, isChunkFile(".yard_20260501T060708.wav"))
	assert.False(t, isChunkFile("yard_20260501T060708.wav.temp"))
	assert.False(t, isChunkFile("yard_20260501T060708.wav.processing"))
	assert.False(t, isChunkFile("yard_20260501T060708.flac"))
}

func TestArtifactName(t *testing.T) {
	ts := time.Date(2026, 5, 1, 6, 7, 8, 0, time.Local)

	name := ArtifactName("Turdus migratorius", 0.923, ts, "0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	assert.Equal(t, "turdus_migratorius_92p_20260501T060708_0a1b2c3d", name)

	assert.Equal(t, "unknown_50p_20260501T060708_ab", ArtifactName(" ", 0.5, ts, "ab"))
	assert.Equal(t, "corvus_corax_sp_100p_20260501T060708_x", ArtifactName("Corvus (corax) sp.", 1, ts, "x"))
	assert.Equal(t, "/clips/2026/05", ArtifactDir("/clips", ts))
}
