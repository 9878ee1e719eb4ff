package myaudio

import "math"

// SilenceDBFS is reported for empty or all-zero audio.
const SilenceDBFS = -120.0

// SoundLevelDBFS returns the RMS level of s in dB relative to full scale.
func (s *Samples) SoundLevelDBFS() float64 {
	if len(s.Data) == 0 || s.BitDepth <= 0 {
		return SilenceDBFS
	}

	fullScale := math.Exp2(float64(s.BitDepth - 1))
	var sum float64
	for _, v := range s.Data {
		f := float64(v) / fullScale
		sum += f * f
	}

	rms := math.Sqrt(sum / float64(len(s.Data)))
	if rms == 0 {
		return SilenceDBFS
	}
	return math.Max(20*math.Log10(rms), SilenceDBFS)
}

// Clipping reports whether any sample sits at the positive or negative limit.
func (s *Samples) Clipping() bool {
	if s.BitDepth <= 0 {
		return false
	}
	limit := int(math.Exp2(float64(s.BitDepth-1))) - 1
	for _, v := range s.Data {
		if v >= limit || v <= -limit-1 {
			return true
		}
	}
	return false
}
