// Package replay provides a [device.Provider] that plays back a recorded
// WAV or raw PCM16 file as if it were streamed by a wearable. It is used for
// offline processing of recordings and for end-to-end testing of the
// pipeline without hardware.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/device"
)

const defaultChunkDuration = 100 * time.Millisecond

// Option is a functional option for configuring the replay Provider.
type Option func(*Provider)

// WithChunkDuration sets the amount of audio per emitted chunk. Defaults to
// 100 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.chunkDuration = d
		}
	}
}

// WithRealtime controls pacing. When true (the default) chunks are emitted
// at playback speed; when false they are emitted as fast as subscribers
// accept them.
func WithRealtime(realtime bool) Option {
	return func(p *Provider) { p.realtime = realtime }
}

// WithFormat sets the PCM format emitted to subscribers. Defaults to
// [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.target = f }
}

// WithRawFormat sets the format of headerless .pcm/.raw input. Defaults to
// the target format.
func WithRawFormat(f audio.Format) Option {
	return func(p *Provider) { p.raw = &f }
}

// Provider implements [device.Provider] by reading a file.
type Provider struct {
	device.Hooks

	path          string
	target        audio.Format
	raw           *audio.Format
	chunkDuration time.Duration
	realtime      bool

	mu     sync.Mutex
	file   *os.File
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a replay Provider for the file at path. A ".wav" extension
// selects WAV parsing; anything else is read as raw PCM16.
func New(path string, opts ...Option) (*Provider, error) {
	if path == "" {
		return nil, errors.New("replay: path must not be empty")
	}
	p := &Provider{
		path:          path,
		target:        audio.DefaultFormat,
		chunkDuration: defaultChunkDuration,
		realtime:      true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect opens the file.
func (p *Provider) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		return nil
	}
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("replay: open %q: %w", p.path, err)
	}
	p.file = f
	return nil
}

// Initialize parses the file header and starts playback.
func (p *Provider) Initialize(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return device.ErrNotConnected
	}
	if p.done != nil {
		return nil
	}

	r := bufio.NewReader(p.file)
	source := p.target
	if p.raw != nil {
		source = *p.raw
	}
	if strings.EqualFold(filepath.Ext(p.path), ".wav") {
		hdr, err := audio.ReadWAVHeader(r)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		source = hdr.Format
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pump(ctx, r, source, p.done)
	return nil
}

// Disconnect stops playback and closes the file.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	f, cancel, done := p.file, p.cancel, p.done
	p.file, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if f != nil {
		if err := f.Close(); err != nil {
			return fmt.Errorf("replay: close: %w", err)
		}
	}
	return nil
}

// pump reads the file chunk by chunk, converts it and emits it.
func (p *Provider) pump(ctx context.Context, r io.Reader, source audio.Format, done chan struct{}) {
	defer close(done)

	conv := &audio.Converter{Source: source, Target: p.target}
	buf := make([]byte, source.ChunkSize(p.chunkDuration))
	if len(buf) == 0 {
		p.EmitConnectionLost(fmt.Sprintf("unusable source format %s", source))
		return
	}

	var tick <-chan time.Time
	if p.realtime {
		ticker := time.NewTicker(p.chunkDuration)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			n -= n % (source.Channels * 2)
			if chunk := conv.Convert(append([]byte(nil), buf[:n]...)); len(chunk) > 0 {
				if ctx.Err() != nil {
					return
				}
				p.EmitData(chunk)
			}
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			p.EmitDisconnected("end of recording")
			return
		case err != nil:
			if ctx.Err() == nil {
				p.EmitConnectionLost(err.Error())
			}
			return
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// Ensure Provider implements device.Provider at compile time.
var _ device.Provider = (*Provider)(nil)
