// Package transcription defines the boundary between the pipeline
// coordinator and a speech-recognition engine.
//
// A [Provider] accepts PCM chunks through ProcessChunk and reports results
// through two callback streams: interim (OnRecognizing) and final
// (OnTranscript). [Streaming] implements Provider over any streaming
// [stt.Provider].
package transcription

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// DefaultSpeakerID is assigned to entries from engines that do not
// diarise.
const DefaultSpeakerID = "speaker_0"

var (
	// ErrNotInitialized is returned by ProcessChunk before Initialize or
	// after Stop.
	ErrNotInitialized = errors.New("transcription: provider not initialized")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transcription: provider closed")
)

// Entry is one recognised utterance.
type Entry struct {
	// SpeakerID is the engine's stable speaker identifier.
	SpeakerID string `json:"speaker_id"`

	// SpeakerLabel is a human-readable name assigned by a later insight step.
	SpeakerLabel string `json:"speaker_label,omitempty"`

	// Text is empty only for interim entries.
	Text string `json:"text"`

	// Timestamp is the wall-clock time the entry was recognised.
	Timestamp time.Time `json:"timestamp"`

	// Confidence is in [0, 1], or 0 when the engine does not report it.
	Confidence float64 `json:"confidence,omitempty"`
}

// Provider is a speech-recognition engine as seen by the pipeline.
//
// Callbacks may be invoked from provider-owned goroutines. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Initialize prepares the engine for audio in format f.
	Initialize(ctx context.Context, f audio.Format) error

	// ProcessChunk submits one PCM chunk. It may block while the engine
	// applies backpressure and returns ctx.Err() when ctx is cancelled.
	ProcessChunk(ctx context.Context, chunk []byte) error

	// Stop ends recognition. Results still in flight may be delivered before
	// Stop returns. Initialize may be called again afterwards.
	Stop(ctx context.Context) error

	// OnRecognizing registers an interim-result handler.
	OnRecognizing(fn func(Entry)) (unsubscribe func())

	// OnTranscript registers a final-result handler.
	OnTranscript(fn func(Entry)) (unsubscribe func())

	// Close stops recognition and releases every resource and subscription.
	Close() error
}
