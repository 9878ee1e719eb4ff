package analysis

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/myaudio"
	"github.com/tphakala/birdnet-pipeline/internal/recorder"
)

// Marker suffixes written next to a chunk.
const (
	ClaimSuffix = ".processing"
	DoneSuffix  = ".done"
)

// Chunk is a finalized recording file awaiting analysis.
type Chunk struct {
	Path     string
	SourceID string
	Start    time.Time
	Duration time.Duration
	Format   myaudio.Format
	Complete bool
}

// ParseChunkName extracts the source id and start time from a chunk file
// name of the form <source-id>_<YYYYMMDDTHHMMSS>.wav. The source id may
// itself contain underscores. The stamp is local time.
func ParseChunkName(path string) (sourceID string, start time.Time, err error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	i := strings.LastIndexByte(stem, '_')
	if i <= 0 || i == len(stem)-1 {
		return "", time.Time{}, chunkNameError(base, fmt.Errorf("missing source id or timestamp"))
	}
	start, err = time.ParseInLocation(recorder.StampLayout, stem[i+1:], time.Local)
	if err != nil {
		return "", time.Time{}, chunkNameError(base, err)
	}
	return stem[:i], start, nil
}

func chunkNameError(name string, err error) error {
	return errors.New(err).
		Component("analysis").
		Category(errors.CategoryValidation).
		Context("operation", "parse_chunk_name").
		Context("chunk", name).
		Build()
}

// isChunkFile reports whether name looks like a finalized chunk. Hidden
// files, temp files and markers are ignored.
func isChunkFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, myaudio.TempSuffix) {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".wav")
}

// inspect validates the chunk at path against the expected format.
func inspect(path string, expected myaudio.Format) (Chunk, error) {
	sourceID, start, err := ParseChunkName(path)
	if err != nil {
		return Chunk{Path: path}, err
	}
	info, err := myaudio.ValidateChunk(path, expected)
	if err != nil {
		return Chunk{Path: path, SourceID: sourceID, Start: start}, err
	}
	return Chunk{
		Path:     path,
		SourceID: sourceID,
		Start:    start,
		Duration: info.Duration,
		Format:   info.Format,
		Complete: true,
	}, nil
}
