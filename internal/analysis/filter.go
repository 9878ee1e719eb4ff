package analysis

import (
	"strings"

	"github.com/tphakala/birdnet-pipeline/internal/chunker"
	"github.com/tphakala/birdnet-pipeline/internal/inference"
)

// Detection decisions, also used as metric labels.
const (
	decisionAccepted     = "accepted"
	decisionRejected     = "rejected"
	decisionExcluded     = "excluded"
	decisionDeduplicated = "deduplicated"
	decisionFailed       = "failed"
)

// speciesFilter applies the confidence threshold and include/exclude lists.
// Names are matched case-insensitively against either species name.
type speciesFilter struct {
	minConfidence float64
	thresholds    map[string]float64
	include       map[string]struct{}
	exclude       map[string]struct{}
}

func newSpeciesFilter(minConfidence float64, thresholds map[string]float64, include, exclude []string) *speciesFilter {
	f := &speciesFilter{
		minConfidence: minConfidence,
		thresholds:    make(map[string]float64, len(thresholds)),
		include:       toSet(include),
		exclude:       toSet(exclude),
	}
	for name, t := range thresholds {
		f.thresholds[normalize(name)] = t
	}
	return f
}

func (f *speciesFilter) threshold(p inference.Prediction) float64 {
	if t, ok := f.thresholds[normalize(p.ScientificName)]; ok {
		return t
	}
	if t, ok := f.thresholds[normalize(p.CommonName)]; ok {
		return t
	}
	return f.minConfidence
}

func (f *speciesFilter) decide(p inference.Prediction) string {
	if matches(f.exclude, p) {
		return decisionExcluded
	}
	if len(f.include) > 0 && !matches(f.include, p) {
		return decisionExcluded
	}
	if p.Confidence < f.threshold(p) {
		return decisionRejected
	}
	return decisionAccepted
}

func matches(set map[string]struct{}, p inference.Prediction) bool {
	if _, ok := set[normalize(p.ScientificName)]; ok {
		return true
	}
	_, ok := set[normalize(p.CommonName)]
	return ok
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = normalize(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func speciesKey(p inference.Prediction) string {
	if p.ScientificName != "" {
		return normalize(p.ScientificName)
	}
	return normalize(p.CommonName)
}

// candidate is an accepted prediction with the window it was found in.
type candidate struct {
	pred   inference.Prediction
	window chunker.Window
}

// deduper merges a detection with the same species detected in the
// immediately preceding overlapping window, keeping the higher confidence.
// The lookback covers only that window's own results: a detection that was
// merged backwards is not offered to the next window again.
type deduper struct {
	out    []*candidate
	prev   map[string]*candidate
	cur    map[string]*candidate
	merged map[string]struct{}
}

func newDeduper() *deduper {
	return &deduper{cur: make(map[string]*candidate), merged: make(map[string]struct{})}
}

// add offers an accepted prediction from window w. It returns false when
// the prediction was merged into an earlier sighting.
func (d *deduper) add(p inference.Prediction, w chunker.Window) bool {
	key := speciesKey(p)
	if c, ok := d.cur[key]; ok {
		c.keepBest(p, w)
		return false
	}
	if w.Overlapped {
		if c, ok := d.prev[key]; ok {
			c.keepBest(p, w)
			d.cur[key] = c
			d.merged[key] = struct{}{}
			return false
		}
	}
	c := &candidate{pred: p, window: w}
	d.out = append(d.out, c)
	d.cur[key] = c
	return true
}

// next closes the current window.
func (d *deduper) next() {
	for key := range d.merged {
		delete(d.cur, key)
	}
	d.prev, d.cur, d.merged = d.cur, make(map[string]*candidate), make(map[string]struct{})
}

// skip closes the current window after a failed inference. The lookback
// does not bridge the gap.
func (d *deduper) skip() {
	d.prev, d.cur, d.merged = nil, make(map[string]*candidate), make(map[string]struct{})
}

func (d *deduper) candidates() []*candidate { return d.out }

func (c *candidate) keepBest(p inference.Prediction, w chunker.Window) {
	if p.Confidence > c.pred.Confidence {
		c.pred = p
		c.window = w
	}
}
