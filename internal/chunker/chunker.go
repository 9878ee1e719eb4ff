// Package chunker splits a recording of known duration into fixed-length,
// optionally overlapping analysis windows.
package chunker

import (
	"fmt"
	"time"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
)

// Config holds the window length and the overlap between consecutive windows.
type Config struct {
	Window  time.Duration
	Overlap time.Duration
}

// Validate reports a configuration error unless 0 <= Overlap < Window.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return newConfigError(fmt.Sprintf("window must be positive, got %s", c.Window), c)
	case c.Overlap < 0:
		return newConfigError(fmt.Sprintf("overlap must not be negative, got %s", c.Overlap), c)
	case c.Overlap >= c.Window:
		return newConfigError(fmt.Sprintf("overlap %s must be smaller than window %s", c.Overlap, c.Window), c)
	}
	return nil
}

func newConfigError(msg string, c Config) error {
	return errors.Newf("%s", msg).
		Component("chunker").
		Category(errors.CategoryConfiguration).
		Context("window", c.Window.String()).
		Context("overlap", c.Overlap.String()).
		Build()
}

// Window is one analysis window within a chunk.
type Window struct {
	Offset     time.Duration // start relative to chunk start
	Length     time.Duration // at most the configured window, shorter for the final window
	Overlapped bool          // true when this window shares audio with the previous one
}

// End returns Offset + Length.
func (w Window) End() time.Duration {
	return w.Offset + w.Length
}

// SampleRange converts the window to [start, end) sample indices at rate.
func (w Window) SampleRange(rate int) (start, end int) {
	start = durationToSamples(w.Offset, rate)
	end = durationToSamples(w.End(), rate)
	return start, end
}

func durationToSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// Splitter produces windows for a fixed Config. It holds no mutable state
// and is safe for concurrent use.
type Splitter struct {
	window  time.Duration
	overlap time.Duration
	step    time.Duration
}

// New validates cfg and returns a Splitter.
func New(cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{
		window:  cfg.Window,
		overlap: cfg.Overlap,
		step:    cfg.Window - cfg.Overlap,
	}, nil
}

// Config returns the splitter configuration.
func (s *Splitter) Config() Config {
	return Config{Window: s.window, Overlap: s.overlap}
}

// Split returns the windows covering [0, d) in time order. Windows start at
// multiples of Window-Overlap; the last one ends exactly at d and may be
// shorter than Window. A non-positive d yields no windows.
func (s *Splitter) Split(d time.Duration) []Window {
	if d <= 0 {
		return nil
	}

	windows := make([]Window, 0, s.Count(d))
	for offset := time.Duration(0); ; offset += s.step {
		end := min(offset+s.window, d)
		windows = append(windows, Window{
			Offset:     offset,
			Length:     end - offset,
			Overlapped: offset > 0 && s.overlap > 0,
		})
		if end >= d {
			break
		}
	}
	return windows
}

// Count returns len(Split(d)) without allocating.
func (s *Splitter) Count(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	if d <= s.window {
		return 1
	}
	// windows needed after the first to reach d, rounded up
	rest := d - s.window
	return 1 + int((rest+s.step-1)/s.step)
}
