package myaudio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// TempSuffix marks files that are still being written. Nothing else in the
// pipeline reads or deletes files carrying it.
const TempSuffix = ".temp"

// WriteWAV encodes s into a WAV file at path. The data is written to
// path+TempSuffix and renamed into place once the encoder is closed, so a
// reader never sees a partial file.
func WriteWAV(path string, s *Samples) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError(err, "create_clip_dir", path)
	}

	tempPath := path + TempSuffix
	outFile, err := os.Create(tempPath) //nolint:gosec // G304: artifact paths are built internally
	if err != nil {
		return fileError(err, "create_clip", tempPath)
	}

	enc := wav.NewEncoder(outFile, s.SampleRate, s.BitDepth, s.Channels, 1)
	buf := &audio.IntBuffer{
		Data:           s.Data,
		Format:         &audio.Format{SampleRate: s.SampleRate, NumChannels: s.Channels},
		SourceBitDepth: s.BitDepth,
	}

	writeErr := enc.Write(buf)
	closeErr := enc.Close()
	fileCloseErr := outFile.Close()
	if err := errors.Join(writeErr, closeErr, fileCloseErr); err != nil {
		_ = os.Remove(tempPath)
		return errors.New(fmt.Errorf("encode %s: %w", path, err)).
			Component("myaudio").
			Category(errors.CategoryAudio).
			Context("operation", "encode_wav").
			FileContext(path, int64(len(s.Data)*s.BitDepth/8)).
			Build()
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fileError(err, "finalize_clip", path)
	}
	return nil
}

func fileError(err error, operation, path string) error {
	return errors.New(err).
		Component("myaudio").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		FileContext(path, 0).
		Build()
}

// ToMono averages interleaved channels into one. Mono input is returned as is.
func (s *Samples) ToMono() *Samples {
	if s.Channels <= 1 {
		return s
	}
	frames := s.Frames()
	out := make([]int, frames)
	for i := range frames {
		sum := 0
		for c := range s.Channels {
			sum += s.Data[i*s.Channels+c]
		}
		out[i] = sum / s.Channels
	}
	return &Samples{
		Format: Format{SampleRate: s.SampleRate, Channels: 1, BitDepth: s.BitDepth},
		Data:   out,
	}
}

// EncodeS16LE returns the samples as signed 16-bit little-endian PCM,
// rescaling from other bit depths.
func (s *Samples) EncodeS16LE() []byte {
	shift := s.BitDepth - 16
	out := make([]byte, len(s.Data)*2)
	for i, v := range s.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v))) //nolint:gosec // G115: range reduced to 16 bits above
	}
	return out
}
