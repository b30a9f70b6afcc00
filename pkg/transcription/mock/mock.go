// Package mock provides a test double for transcription.Provider.
//
// Tests drive recognition results directly with EmitInterim and EmitFinal
// and inspect the chunks the caller submitted:
//
//	p := &mock.Provider{}
//	p.EmitFinal(transcription.Entry{SpeakerID: "speaker_0", Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/event"
	"github.com/MrWong99/earshot/pkg/transcription"
)

// Provider is a mock implementation of transcription.Provider.
type Provider struct {
	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// ProcessFunc, if set, is called by ProcessChunk after the chunk is
	// recorded and its result returned. Use it to block, fail or panic.
	ProcessFunc func(ctx context.Context, chunk []byte) error

	recognizing event.Hub[transcription.Entry]
	transcripts event.Hub[transcription.Entry]

	mu         sync.Mutex
	formats    []audio.Format
	chunks     [][]byte
	stopCalls  int
	closeCalls int
}

// Initialize records f and returns InitializeErr.
func (p *Provider) Initialize(_ context.Context, f audio.Format) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.formats = append(p.formats, f)
	return p.InitializeErr
}

// ProcessChunk records a copy of chunk and then defers to ProcessFunc.
func (p *Provider) ProcessChunk(ctx context.Context, chunk []byte) error {
	p.mu.Lock()
	p.chunks = append(p.chunks, append([]byte(nil), chunk...))
	fn := p.ProcessFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, chunk)
	}
	return nil
}

// Stop records the call and returns StopErr.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return p.StopErr
}

// OnRecognizing registers an interim handler.
func (p *Provider) OnRecognizing(fn func(transcription.Entry)) func() {
	return p.recognizing.Subscribe(fn)
}

// OnTranscript registers a final handler.
func (p *Provider) OnTranscript(fn func(transcription.Entry)) func() {
	return p.transcripts.Subscribe(fn)
}

// Close records the call and drops all subscriptions.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()
	p.recognizing.Reset()
	p.transcripts.Reset()
	return nil
}

// EmitInterim delivers e to every OnRecognizing handler synchronously.
func (p *Provider) EmitInterim(e transcription.Entry) { p.recognizing.Publish(e) }

// EmitFinal delivers e to every OnTranscript handler synchronously.
func (p *Provider) EmitFinal(e transcription.Entry) { p.transcripts.Publish(e) }

// Subscribers reports the number of live interim and final handlers.
func (p *Provider) Subscribers() (interim, final int) {
	return p.recognizing.Len(), p.transcripts.Len()
}

// Formats returns every format passed to Initialize.
func (p *Provider) Formats() []audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Format(nil), p.formats...)
}

// Chunks returns copies of every chunk passed to ProcessChunk, in order.
func (p *Provider) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.chunks...)
}

// ChunkCount returns the number of ProcessChunk calls.
func (p *Provider) ChunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// StopCalls returns the number of Stop calls.
func (p *Provider) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

// CloseCalls returns the number of Close calls.
func (p *Provider) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Ensure Provider implements transcription.Provider at compile time.
var _ transcription.Provider = (*Provider)(nil)
