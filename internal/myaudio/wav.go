package myaudio

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// Format is the PCM layout of a WAV file.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// Info describes a decoded WAV header.
type Info struct {
	Format
	Frames   int // samples per channel
	Duration time.Duration
}

// ReadInfo parses the header of the WAV file at path and measures its PCM
// payload without decoding samples.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path) //nolint:gosec // G304: chunk paths come from the scanner
	if err != nil {
		return Info{}, errors.New(err).
			Component("myaudio").
			Category(errors.CategoryFileIO).
			Context("operation", "open_wav").
			FileContext(path, 0).
			Build()
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	return readInfo(decoder, path)
}

func readInfo(decoder *wav.Decoder, path string) (Info, error) {
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Info{}, fmt.Errorf("%s: %w", path, ErrInvalidWAV)
	}
	if err := decoder.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("%s: %w: %w", path, ErrInvalidWAV, err)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}
	if format.SampleRate <= 0 || format.Channels <= 0 || format.BitDepth <= 0 || format.BitDepth%8 != 0 {
		return Info{}, fmt.Errorf("%s: %w: bad header %s", path, ErrInvalidWAV, format)
	}

	frameSize := int64(format.Channels * format.BitDepth / 8)
	frames := int(decoder.PCMLen() / frameSize)

	return Info{
		Format:   format,
		Frames:   frames,
		Duration: FramesToDuration(frames, format.SampleRate),
	}, nil
}

// ValidateChunk checks that path is a WAV file with the expected format and
// a non-zero duration.
func ValidateChunk(path string, expected Format) (Info, error) {
	info, err := ReadInfo(path)
	if err != nil {
		return Info{}, err
	}
	if info.Format != expected {
		return info, fmt.Errorf("%s: %w: got %s, want %s", path, ErrFormatMismatch, info.Format, expected)
	}
	if info.Frames == 0 {
		return info, fmt.Errorf("%s: %w", path, ErrEmptyAudio)
	}
	return info, nil
}

// Samples is decoded interleaved PCM.
type Samples struct {
	Format
	Data []int
}

// Frames returns the number of samples per channel.
func (s *Samples) Frames() int {
	if s.Channels == 0 {
		return 0
	}
	return len(s.Data) / s.Channels
}

// Duration returns the audio length.
func (s *Samples) Duration() time.Duration {
	return FramesToDuration(s.Frames(), s.SampleRate)
}

// Slice returns the frames [start, end), clamped to the available audio.
// The returned data shares memory with s.
func (s *Samples) Slice(start, end int) *Samples {
	frames := s.Frames()
	start = max(0, min(start, frames))
	end = max(start, min(end, frames))
	return &Samples{
		Format: s.Format,
		Data:   s.Data[start*s.Channels : end*s.Channels],
	}
}

// ReadSamples decodes the whole WAV file at path.
func ReadSamples(path string) (*Samples, error) {
	f, err := os.Open(path) //nolint:gosec // G304: chunk paths come from the scanner
	if err != nil {
		return nil, errors.New(err).
			Component("myaudio").
			Category(errors.CategoryFileIO).
			Context("operation", "open_wav").
			FileContext(path, 0).
			Build()
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	info, err := readInfo(decoder, path)
	if err != nil {
		return nil, err
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{SampleRate: info.SampleRate, NumChannels: info.Channels},
		Data:   make([]int, info.Frames*info.Channels),
	}
	n, err := decoder.PCMBuffer(buf)
	if err != nil {
		var size int64
		if st, serr := f.Stat(); serr == nil {
			size = st.Size()
		}
		return nil, errors.New(fmt.Errorf("decode %s: %w", path, err)).
			Component("myaudio").
			Category(errors.CategoryAudio).
			Context("operation", "decode_wav").
			FileContext(path, size).
			Build()
	}

	return &Samples{Format: info.Format, Data: buf.Data[:n]}, nil
}

// FramesToDuration converts a frame count at rate to a duration.
func FramesToDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d to a frame count at rate, rounding down.
func DurationToFrames(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
