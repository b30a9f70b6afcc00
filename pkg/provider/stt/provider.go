// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time recognition service (Deepgram, a local
// whisper.cpp server) and exposes a uniform streaming interface. Once opened,
// a SessionHandle accepts raw PCM audio and emits two streams of Transcript
// values: low-latency partials and authoritative finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 or 24000 in earshot).
	SampleRate int

	// Channels is the number of interleaved channels. earshot always sends mono.
	Channels int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// provider auto-detect, if supported.
	Language string

	// Keywords are vocabulary hints for uncommon words such as names.
	Keywords []string

	// Diarize requests per-word speaker attribution from providers that
	// support it.
	Diarize bool
}

// SessionHandle represents an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM matching the
	// StreamConfig. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio, terminates the session and releases its
	// resources. After Close returns both channels are closed. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new transcription session. The returned handle is
	// ready to accept audio immediately; the caller owns it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
