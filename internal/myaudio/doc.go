// Package myaudio reads, validates, slices and writes PCM WAV audio for the
// analysis pipeline. Decoding and encoding go through go-audio/wav.
package myaudio
