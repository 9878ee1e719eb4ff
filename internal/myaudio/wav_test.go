package myaudio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

var monoFormat = Format{SampleRate: 48000, Channels: 1, BitDepth: 16}

func tone(format Format, d time.Duration, amplitude float64) *Samples {
	frames := DurationToFrames(d, format.SampleRate)
	peak := amplitude * (math.Exp2(float64(format.BitDepth-1)) - 1)
	data := make([]int, frames*format.Channels)
	for i := range frames {
		v := int(peak * math.Sin(2*math.Pi*1000*float64(i)/float64(format.SampleRate)))
		for c := range format.Channels {
			data[i*format.Channels+c] = v
		}
	}
	return &Samples{Format: format, Data: data}
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2026", "05", "clip.wav")
	original := tone(monoFormat, 2*time.Second, 0.5)

	require.NoError(t, WriteWAV(path, original))
	_, err := os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, monoFormat, info.Format)
	assert.Equal(t, 96000, info.Frames)
	assert.Equal(t, 2*time.Second, info.Duration)

	decoded, err := ReadSamples(path)
	require.NoError(t, err)
	assert.Equal(t, original.Data, decoded.Data)
}

func TestValidateChunk(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.wav")
	require.NoError(t, WriteWAV(good, tone(monoFormat, time.Second, 0.1)))
	info, err := ValidateChunk(good, monoFormat)
	require.NoError(t, err)
	assert.Equal(t, time.Second, info.Duration)

	stereo := filepath.Join(dir, "stereo.wav")
	require.NoError(t, WriteWAV(stereo, tone(Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, time.Second, 0.1)))
	_, err = ValidateChunk(stereo, monoFormat)
	require.ErrorIs(t, err, ErrFormatMismatch)

	empty := filepath.Join(dir, "empty.wav")
	require.NoError(t, WriteWAV(empty, &Samples{Format: monoFormat}))
	_, err = ValidateChunk(empty, monoFormat)
	require.ErrorIs(t, err, ErrEmptyAudio)

	garbage := filepath.Join(dir, "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not RIFF data"), 0o600))
	_, err = ValidateChunk(garbage, monoFormat)
	require.ErrorIs(t, err, ErrInvalidWAV)
	assert.True(t, errors.IsCategory(ErrInvalidWAV, errors.CategoryValidation))

	_, err = ValidateChunk(filepath.Join(dir, "missing.wav"), monoFormat)
	require.Error(t, err)
}

func TestFileErrorsCarryAnonymizedContext(t *testing.T) {
	_, err := ReadInfo(filepath.Join(t.TempDir(), "yard_20260501T060000.wav"))
	require.Error(t, err)

	var ee *errors.EnhancedError
	require.True(t, errors.As(err, &ee))
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	assert.Equal(t, "wav", ee.GetContext()["file_extension"])
	assert.NotContains(t, ee.GetContext(), "path")
}

func TestSliceClamps(t *testing.T) {
	s := &Samples{Format: Format{SampleRate: 4, Channels: 2, BitDepth: 16}, Data: []int{1, 1, 2, 2, 3, 3, 4, 4}}

	assert.Equal(t, []int{2, 2, 3, 3}, s.Slice(1, 3).Data)
	assert.Equal(t, []int{3, 3, 4, 4}, s.Slice(2, 99).Data)
	assert.Empty(t, s.Slice(5, 9).Data)
	assert.Equal(t, []int{1, 1}, s.Slice(-3, 1).Data)
}

func TestToMonoAndEncode(t *testing.T) {
	s := &Samples{Format: Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, Data: []int{100, 300, -2, -4}}

	mono := s.ToMono()
	assert.Equal(t, 1, mono.Channels)
	assert.Equal(t, []int{200, -3}, mono.Data)

	assert.Equal(t, []byte{0xc8, 0x00, 0xfd, 0xff}, mono.EncodeS16LE())

	deep := &Samples{Format: Format{SampleRate: 48000, Channels: 1, BitDepth: 24}, Data: []int{0x7fff00}}
	assert.Equal(t, []byte{0xff, 0x7f}, deep.EncodeS16LE())
}

func TestSoundLevelDBFS(t *testing.T) {
	full := tone(monoFormat, time.Second, 1.0)
	assert.InDelta(t, -3.01, full.SoundLevelDBFS(), 0.05)

	quiet := tone(monoFormat, time.Second, 0.01)
	assert.InDelta(t, -43.01, quiet.SoundLevelDBFS(), 0.1)

	assert.InDelta(t, SilenceDBFS, (&Samples{Format: monoFormat, Data: make([]int, 100)}).SoundLevelDBFS(), 1e-9)
	assert.True(t, (&Samples{Format: monoFormat, Data: []int{32767}}).Clipping())
	assert.False(t, quiet.Clipping())
}
