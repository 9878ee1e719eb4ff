package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-pipeline/internal/inference"
)

func TestSpeciesFilter(t *testing.T) {
	// viper lowercases map keys, configured names arrive in any case
	f := newSpeciesFilter(0.8,
		map[string]float64{"turdus migratorius": 0.6, "Eurasian Wren": 0.95},
		nil,
		[]string{"House Sparrow"},
	)

	tests := []struct {
		name string
		pred inference.Prediction
		want string
	}{
		{"default threshold", inference.Prediction{ScientificName: "Parus major", Confidence: 0.79}, decisionRejected},
		{"at default threshold", inference.Prediction{ScientificName: "Parus major", Confidence: 0.8}, decisionAccepted},
		{"lowered by scientific name", robin(0.65), decisionAccepted},
		{"raised by common name", inference.Prediction{CommonName: "eurasian wren", ScientificName: "Troglodytes troglodytes", Confidence: 0.9}, decisionRejected},
		{"excluded", inference.Prediction{CommonName: "house sparrow", ScientificName: "Passer domesticus", Confidence: 0.99}, decisionExcluded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.decide(tt.pred))
		})
	}
}

func TestSpeciesFilterIncludeList(t *testing.T) {
	f := newSpeciesFilter(0.5, nil, []string{" Turdus Migratorius "}, nil)

	assert.Equal(t, decisionAccepted, f.decide(robin(0.9)))
	assert.Equal(t, decisionExcluded, f.decide(inference.Prediction{ScientificName: "Parus major", Confidence: 0.9}))
}

func TestDeduperSameSpeciesTwiceInOneWindow(t *testing.T) {
	d := newDeduper()
	w := windowAt(0, false)
	assert.True(t, d.add(robin(0.6), w))
	assert.False(t, d.add(robin(0.7), w))
	d.next()

	require.Len(t, d.candidates(), 1)
	assert.InDelta(t, 0.7, d.candidates()[0].pred.Confidence, 1e-9)
}

func TestDeduperRequiresOverlap(t *testing.T) {
	d := newDeduper()
	assert.True(t, d.add(robin(0.9), windowAt(0, false)))
	d.next()
	assert.True(t, d.add(robin(0.9), windowAt(3*time.Second, false)), "adjacent windows without overlap are separate sightings")
	d.next()
	assert.False(t, d.add(robin(0.95), windowAt(5*time.Second, true)))

	require.Len(t, d.candidates(), 2)
	assert.Equal(t, 5*time.Second, d.candidates()[1].window.Offset)
}

func TestDeduperMergesOnlyAdjacentPairs(t *testing.T) {
	d := newDeduper()
	for i, conf := range []float64{0.6, 0.9, 0.7, 0.8, 0.75} {
		offset := time.Duration(i) * 12 * time.Second
		d.add(robin(conf), windowAt(offset, i > 0))
		d.next()
	}

	got := d.candidates()
	require.Len(t, got, 3, "a run of five windows pairs up as 0+1, 2+3 and 4")
	assert.InDelta(t, 0.9, got[0].pred.Confidence, 1e-9)
	assert.Equal(t, 12*time.Second, got[0].window.Offset)
	assert.InDelta(t, 0.8, got[1].pred.Confidence, 1e-9)
	assert.Equal(t, 36*time.Second, got[1].window.Offset)
	assert.Equal(t, 48*time.Second, got[2].window.Offset)
}
