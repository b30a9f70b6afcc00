// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// whisper-server exposes a batch REST API (POST /inference). The provider
// simulates streaming by buffering incoming PCM, cutting utterances with an
// energy-based silence detector and submitting each utterance as one
// inference request. Because the engine is not streaming, every recognised
// utterance is emitted as a partial followed immediately by a final with the
// same text.
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceWindow(500*time.Millisecond),
//	)
//	handle, err := p.StartStream(ctx, cfg)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the amplitude (16-bit PCM units) below which a
	// chunk counts as silence.
	defaultRMSThreshold = 300.0

	defaultLanguage      = "en"
	defaultSilenceWindow = 500 * time.Millisecond
	defaultMaxUtterance  = 10 * time.Second
	flushTimeout         = 30 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty (the default)
// uses whichever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceWindow sets how much trailing silence ends an utterance.
// Defaults to 500 ms.
func WithSilenceWindow(d time.Duration) Option {
	return func(p *Provider) { p.silenceWindow = d }
}

// WithMaxUtterance caps the audio buffered for one utterance; longer speech
// is flushed regardless of silence. Defaults to 10 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithRMSThreshold overrides the silence amplitude threshold.
func WithRMSThreshold(rms float64) Option {
	return func(p *Provider) { p.rmsThreshold = rms }
}

// WithHTTPClient replaces the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL     string
	model         string
	language      string
	silenceWindow time.Duration
	maxUtterance  time.Duration
	rmsThreshold  float64
	httpClient    *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:     strings.TrimRight(serverURL, "/"),
		language:      defaultLanguage,
		silenceWindow: defaultSilenceWindow,
		maxUtterance:  defaultMaxUtterance,
		rmsThreshold:  defaultRMSThreshold,
		httpClient:    &http.Client{Timeout: flushTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session. No network traffic happens until the first
// utterance is complete, so the only failure is an already-cancelled ctx.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}

	f := audio.Format{SampleRate: cfg.SampleRate, BitsPerSample: 16, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = audio.DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	s := &session{
		provider: p,
		language: lang,
		format:   f,
		seg: segmenter{
			format:       f,
			threshold:    p.rmsThreshold,
			silenceLimit: f.ChunkSize(p.silenceWindow),
			maxBytes:     f.ChunkSize(p.maxUtterance),
		},
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop()
	return s, nil
}

// segmenter cuts a PCM stream into utterances. Leading silence is discarded;
// an utterance ends after silenceLimit bytes of consecutive silence or when
// it reaches maxBytes.
type segmenter struct {
	format       audio.Format
	threshold    float64
	silenceLimit int
	maxBytes     int

	buf     []byte
	start   int // stream offset of buf[0], in bytes
	offset  int // total bytes seen
	silence int
}

// push adds chunk and returns a completed utterance and its stream offset,
// or nil.
func (g *segmenter) push(chunk []byte) ([]byte, int) {
	defer func() { g.offset += len(chunk) }()

	if audio.RMS(chunk) < g.threshold {
		if len(g.buf) == 0 {
			return nil, 0
		}
		g.buf = append(g.buf, chunk...)
		g.silence += len(chunk)
		if g.silence >= g.silenceLimit {
			return g.cut()
		}
		return nil, 0
	}

	if len(g.buf) == 0 {
		g.start = g.offset
	}
	g.buf = append(g.buf, chunk...)
	g.silence = 0
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.cut()
	}
	return nil, 0
}

// cut returns the buffered utterance (nil when nothing was buffered) and
// resets the segmenter.
func (g *segmenter) cut() ([]byte, int) {
	pcm, start := g.buf, g.start
	g.buf, g.silence = nil, 0
	return pcm, start
}

// session implements stt.SessionHandle. Segmentation state is owned by
// processLoop.
type session struct {
	provider *Provider
	language string
	format   audio.Format
	seg      segmenter

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of 16-bit PCM for segmentation.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Close stops accepting audio, transcribes whatever utterance is still
// buffered and closes both channels.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case chunk := <-s.audioCh:
			if pcm, start := s.seg.push(chunk); pcm != nil {
				s.transcribe(pcm, start)
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audioCh:
					if pcm, start := s.seg.push(chunk); pcm != nil {
						s.transcribe(pcm, start)
					}
				default:
					if pcm, start := s.seg.cut(); pcm != nil {
						s.transcribe(pcm, start)
					}
					return
				}
			}
		}
	}
}

// transcribe runs inference for one utterance and emits the result. Failures
// are logged and the utterance is dropped.
func (s *session) transcribe(pcm []byte, start int) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	text, err := s.infer(ctx, pcm)
	if err != nil {
		slog.Warn("whisper: inference failed", "err", err, "bytes", len(pcm))
		return
	}
	if text == "" {
		return
	}

	t := stt.Transcript{
		Text:      text,
		Timestamp: s.format.Duration(start),
		Duration:  s.format.Duration(len(pcm)),
	}
	select {
	case s.partials <- t:
	default:
	}
	t.IsFinal = true
	select {
	case s.finals <- t:
	case <-ctx.Done():
		slog.Warn("whisper: dropping final transcript, no reader", "text_len", len(text))
	}
}

// infer POSTs pcm as a WAV upload to /inference and returns the trimmed
// text.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, s.format)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"language":        s.language,
		"model":           s.provider.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.provider.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)
