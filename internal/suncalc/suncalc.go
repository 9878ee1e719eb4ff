// Package suncalc computes sun events for the station location and
// classifies detection times into sun phases.
package suncalc

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sj14/astral/pkg/astral"
)

// Sun phases
const (
	PhaseNight = "night"
	PhaseDawn  = "dawn"
	PhaseDay   = "day"
	PhaseDusk  = "dusk"
)

// SunEventTimes holds the sun event times of one day in UTC
type SunEventTimes struct {
	CivilDawn time.Time
	Sunrise   time.Time
	Sunset    time.Time
	CivilDusk time.Time
}

// SunCalc handles caching and calculation of sun event times
type SunCalc struct {
	cache    *cache.Cache // keyed by local date
	observer astral.Observer
}

// NewSunCalc creates a new SunCalc instance
func NewSunCalc(latitude, longitude float64) *SunCalc {
	return &SunCalc{
		cache:    cache.New(48*time.Hour, 6*time.Hour),
		observer: astral.Observer{Latitude: latitude, Longitude: longitude},
	}
}

// GetSunEventTimes returns the sun event times for the day containing date.
func (sc *SunCalc) GetSunEventTimes(date time.Time) (SunEventTimes, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	key := day.Format(time.DateOnly) + "/" + day.Location().String()

	if cached, ok := sc.cache.Get(key); ok {
		return cached.(SunEventTimes), nil
	}

	times, err := sc.calculate(day)
	if err != nil {
		return SunEventTimes{}, err
	}
	sc.cache.SetDefault(key, times)
	return times, nil
}

// Phase classifies t as night, dawn (civil dawn to sunrise), day or dusk
// (sunset to civil dusk). Polar days and nights where the sun never crosses
// the horizon return an error.
func (sc *SunCalc) Phase(t time.Time) (string, error) {
	times, err := sc.GetSunEventTimes(t)
	if err != nil {
		return "", err
	}
	switch {
	case t.Before(times.CivilDawn):
		return PhaseNight, nil
	case t.Before(times.Sunrise):
		return PhaseDawn, nil
	case t.Before(times.Sunset):
		return PhaseDay, nil
	case t.Before(times.CivilDusk):
		return PhaseDusk, nil
	default:
		return PhaseNight, nil
	}
}

func (sc *SunCalc) calculate(day time.Time) (SunEventTimes, error) {
	civilDawn, err := astral.Dawn(sc.observer, day, astral.DepressionCivil)
	if err != nil {
		return SunEventTimes{}, fmt.Errorf("failed to calculate civil dawn: %w", err)
	}
	sunrise, err := astral.Sunrise(sc.observer, day)
	if err != nil {
		return SunEventTimes{}, fmt.Errorf("failed to calculate sunrise: %w", err)
	}
	sunset, err := astral.Sunset(sc.observer, day)
	if err != nil {
		return SunEventTimes{}, fmt.Errorf("failed to calculate sunset: %w", err)
	}
	civilDusk, err := astral.Dusk(sc.observer, day, astral.DepressionCivil)
	if err != nil {
		return SunEventTimes{}, fmt.Errorf("failed to calculate civil dusk: %w", err)
	}

	return SunEventTimes{
		CivilDawn: civilDawn.UTC(),
		Sunrise:   sunrise.UTC(),
		Sunset:    sunset.UTC(),
		CivilDusk: civilDusk.UTC(),
	}, nil
}
