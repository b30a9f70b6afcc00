package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/event"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/transcription/keywords"
)

// StreamingOption configures a [Streaming] adapter.
type StreamingOption func(*Streaming)

// WithLanguage sets the recognition language passed to the STT engine.
func WithLanguage(lang string) StreamingOption {
	return func(s *Streaming) { s.language = lang }
}

// WithKeywords sets vocabulary hints passed to the STT engine.
func WithKeywords(keywords ...string) StreamingOption {
	return func(s *Streaming) { s.keywords = keywords }
}

// WithDiarization requests speaker attribution from engines that support it.
func WithDiarization(on bool) StreamingOption {
	return func(s *Streaming) { s.diarize = on }
}

// WithKeywordCorrection rewrites final transcripts with c, replacing
// misrecognised spans with known keywords. Interim results are passed
// through unchanged.
func WithKeywordCorrection(c *keywords.Corrector) StreamingOption {
	return func(s *Streaming) { s.corrector = c }
}

// WithClock overrides the wall clock used to timestamp entries.
func WithClock(now func() time.Time) StreamingOption {
	return func(s *Streaming) { s.now = now }
}

// Streaming adapts a streaming [stt.Provider] to [Provider]. Each
// Initialize opens one STT session; a pump goroutine forwards its partials
// and finals to the registered handlers. Finals with blank text are dropped.
type Streaming struct {
	engine   stt.Provider
	language string
	keywords []string
	diarize  bool
	now      func() time.Time

	corrector *keywords.Corrector

	recognizing event.Hub[Entry]
	transcripts event.Hub[Entry]

	mu     sync.Mutex
	sess   stt.SessionHandle
	pumped chan struct{}
	closed bool
}

// NewStreaming returns an adapter over engine.
func NewStreaming(engine stt.Provider, opts ...StreamingOption) *Streaming {
	s := &Streaming{engine: engine, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize opens an STT session for format f. Initializing an already
// running adapter is a no-op.
func (s *Streaming) Initialize(ctx context.Context, f audio.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("transcription: initialize: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sess != nil {
		return nil
	}

	sess, err := s.engine.StartStream(ctx, stt.StreamConfig{
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Language:   s.language,
		Keywords:   s.keywords,
		Diarize:    s.diarize,
	})
	if err != nil {
		return fmt.Errorf("transcription: start stream: %w", err)
	}
	s.sess = sess
	s.pumped = make(chan struct{})
	go s.pump(sess, s.pumped)
	return nil
}

// ProcessChunk forwards chunk to the open STT session. SendAudio takes no
// context, so a stalled engine is raced against ctx; the abandoned send is
// released when the session is closed.
func (s *Streaming) ProcessChunk(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	sess, closed := s.sess, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case sess == nil:
		return ErrNotInitialized
	}
	sent := make(chan error, 1)
	go func() { sent <- sess.SendAudio(chunk) }()
	select {
	case err := <-sent:
		if err != nil {
			return fmt.Errorf("transcription: send audio: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcription: send audio: %w", ctx.Err())
	}
}

// Stop closes the STT session and waits, bounded by ctx, for the pump to
// deliver the remaining results.
func (s *Streaming) Stop(ctx context.Context) error {
	s.mu.Lock()
	sess, pumped := s.sess, s.pumped
	s.sess, s.pumped = nil, nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			return fmt.Errorf("transcription: close session: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("transcription: stop: %w", ctx.Err())
	}
	select {
	case <-pumped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcription: stop: %w", ctx.Err())
	}
}

// OnRecognizing registers an interim-result handler.
func (s *Streaming) OnRecognizing(fn func(Entry)) func() {
	return s.recognizing.Subscribe(fn)
}

// OnTranscript registers a final-result handler.
func (s *Streaming) OnTranscript(fn func(Entry)) func() {
	return s.transcripts.Subscribe(fn)
}

// Close stops the session and drops every subscription. Subsequent calls
// return ErrClosed from Initialize and ProcessChunk.
func (s *Streaming) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Stop(ctx)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.recognizing.Reset()
	s.transcripts.Reset()
	return err
}

// pump forwards session results until both channels are closed.
func (s *Streaming) pump(sess stt.SessionHandle, done chan struct{}) {
	defer close(done)
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.recognizing.Publish(s.entry(t))
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if strings.TrimSpace(t.Text) == "" {
				slog.Debug("transcription: dropping empty final")
				continue
			}
			e := s.entry(t)
			if s.corrector != nil {
				if text, corr := s.corrector.Correct(e.Text); len(corr) > 0 {
					slog.Debug("transcription: corrected keywords", "count", len(corr), "first", corr[0].Original+" → "+corr[0].Corrected)
					e.Text = text
				}
			}
			s.transcripts.Publish(e)
		}
	}
}

func (s *Streaming) entry(t stt.Transcript) Entry {
	speaker := t.SpeakerID
	if speaker == "" {
		speaker = DefaultSpeakerID
	}
	return Entry{
		SpeakerID:  speaker,
		Text:       strings.TrimSpace(t.Text),
		Timestamp:  s.now(),
		Confidence: t.Confidence,
	}
}

// Ensure Streaming implements Provider at compile time.
var _ Provider = (*Streaming)(nil)
