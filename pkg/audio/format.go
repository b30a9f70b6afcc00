// Package audio defines the PCM audio format shared by earshot's device
// adapters, the pipeline coordinator and the transcription providers, plus
// the small set of PCM helpers (downmix, resample, Opus decode, WAV header
// parsing) needed to bring device audio into that format.
//
// All PCM handled here is signed 16-bit little-endian, interleaved when more
// than one channel is present.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Supported sample rates for the transcription pipeline.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// ErrInvalidFormat is wrapped by [Format.Validate] failures.
var ErrInvalidFormat = errors.New("audio: invalid format")

// Format is the fixed audio format triple the pipeline hands to the
// transcription engine. It is configured, not negotiated.
type Format struct {
	// SampleRate in Hz. The pipeline accepts 16000 or 24000.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// BitsPerSample is always 16.
	BitsPerSample int `yaml:"bits_per_sample" json:"bits_per_sample"`

	// Channels is always 1 (mono).
	Channels int `yaml:"channels" json:"channels"`
}

// DefaultFormat is 16 kHz, 16-bit, mono.
var DefaultFormat = Format{SampleRate: SampleRate16k, BitsPerSample: 16, Channels: 1}

// Validate reports whether f is a format the pipeline can feed to a
// transcription engine.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate != SampleRate16k && f.SampleRate != SampleRate24k {
		errs = append(errs, fmt.Errorf("%w: sample_rate %d (want 16000 or 24000)", ErrInvalidFormat, f.SampleRate))
	}
	if f.BitsPerSample != 16 {
		errs = append(errs, fmt.Errorf("%w: bits_per_sample %d (want 16)", ErrInvalidFormat, f.BitsPerSample))
	}
	if f.Channels != 1 {
		errs = append(errs, fmt.Errorf("%w: channels %d (want 1)", ErrInvalidFormat, f.Channels))
	}
	return errors.Join(errs...)
}

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// ChunkSize returns the number of bytes covering d, rounded down to a whole
// frame.
func (f Format) ChunkSize(d time.Duration) int {
	frame := f.Channels * f.BitsPerSample / 8
	if frame <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}

// Duration returns the playback duration of n bytes of PCM in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "16000Hz/16bit/mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz/%dbit/%s", f.SampleRate, f.BitsPerSample, ch)
}
