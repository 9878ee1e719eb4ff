package suncalc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSunEventTimesOrderedAndCached(t *testing.T) {
	// Helsinki
	sc := NewSunCalc(60.1699, 24.9384)
	date := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)

	times, err := sc.GetSunEventTimes(date)
	require.NoError(t, err)
	assert.True(t, times.CivilDawn.Before(times.Sunrise))
	assert.True(t, times.Sunrise.Before(times.Sunset))
	assert.True(t, times.Sunset.Before(times.CivilDusk))

	again, err := sc.GetSunEventTimes(date.Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, times, again)
	assert.Equal(t, 1, sc.cache.ItemCount())
}

func TestPhase(t *testing.T) {
	// Greenwich, equinox: sunrise around 06:00 UTC, sunset around 18:10 UTC
	sc := NewSunCalc(51.4769, 0.0)
	day := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	times, err := sc.GetSunEventTimes(day)
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"before dawn", day.Add(2 * time.Hour), PhaseNight},
		{"civil twilight morning", times.Sunrise.Add(-5 * time.Minute), PhaseDawn},
		{"noon", day.Add(12 * time.Hour), PhaseDay},
		{"civil twilight evening", times.Sunset.Add(5 * time.Minute), PhaseDusk},
		{"late evening", day.Add(23 * time.Hour), PhaseNight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sc.Phase(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPhasePolarNight(t *testing.T) {
	// Longyearbyen in December, the sun never rises
	sc := NewSunCalc(78.2232, 15.6267)
	_, err := sc.Phase(time.Date(2024, 12, 21, 12, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}
