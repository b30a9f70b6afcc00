// Package relay provides a [device.Provider] that receives wearable audio
// from a WebSocket relay, typically the companion phone app or a BLE
// gateway that forwards the device's audio characteristic.
//
// Protocol: after connecting, the client sends a JSON start message
//
//	{"type":"start","device_id":"…","codec":"opus","sample_rate":16000,"channels":1}
//
// and the relay answers with binary messages, one audio packet each (raw
// PCM16 or a single Opus packet depending on codec). Text messages carry
// control events: {"type":"stop","reason":"…"} ends the stream in an
// orderly fashion, {"type":"error","reason":"…"} signals link loss.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/device"
)

// Codec selects how binary relay messages are decoded.
type Codec string

const (
	// CodecPCM16 forwards binary messages unchanged.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus decodes each binary message as one Opus packet.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool { return c == CodecPCM16 || c == CodecOpus }

const defaultReadLimit = 1 << 20

// Option is a functional option for configuring the relay Provider.
type Option func(*Provider)

// WithCodec sets the codec of binary relay messages. Defaults to pcm16.
func WithCodec(c Codec) Option {
	return func(p *Provider) { p.codec = c }
}

// WithFormat sets the PCM format requested from the relay and emitted to
// subscribers. Defaults to [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.format = f }
}

// WithDeviceID sets the device identifier sent in the start message.
func WithDeviceID(id string) Option {
	return func(p *Provider) { p.deviceID = id }
}

// WithToken sets a bearer token sent in the Authorization header.
func WithToken(token string) Option {
	return func(p *Provider) {
		if token != "" {
			p.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// controlMessage is the JSON shape of text frames in both directions.
type controlMessage struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id,omitempty"`
	Codec      Codec  `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// link is the state of one WebSocket connection.
type link struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closing atomic.Bool
	dead    atomic.Bool
}

// Provider implements [device.Provider] over a WebSocket relay.
type Provider struct {
	device.Hooks

	url      string
	codec    Codec
	format   audio.Format
	deviceID string
	header   http.Header

	mu   sync.Mutex
	link *link
}

// New creates a relay Provider for the given ws:// or wss:// URL.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("relay: url must not be empty")
	}
	p := &Provider{
		url:    url,
		codec:  CodecPCM16,
		format: audio.DefaultFormat,
		header: http.Header{},
	}
	for _, o := range opts {
		o(p)
	}
	if !p.codec.IsValid() {
		return nil, fmt.Errorf("relay: unsupported codec %q", p.codec)
	}
	return p, nil
}

// Connect dials the relay. Calling Connect while connected is a no-op; a
// link whose read loop has ended is replaced.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil {
		if !p.link.dead.Load() {
			return nil
		}
		p.link.closing.Store(true)
		_ = p.link.conn.CloseNow()
		p.link = nil
	}

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPHeader: p.header.Clone(),
	})
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", p.url, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	p.link = &link{conn: conn, done: make(chan struct{})}
	return nil
}

// Initialize sends the start message and begins delivering audio.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.link
	if l == nil {
		return device.ErrNotConnected
	}
	if l.started {
		return nil
	}

	var dec *audio.OpusDecoder
	if p.codec == CodecOpus {
		var err error
		if dec, err = audio.NewOpusDecoder(p.format); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}

	start := controlMessage{
		Type:       "start",
		DeviceID:   p.deviceID,
		Codec:      p.codec,
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
	}
	if err := wsjson.Write(ctx, l.conn, start); err != nil {
		return fmt.Errorf("relay: send start: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.started = true
	go p.readLoop(readCtx, l, dec)
	return nil
}

// Disconnect closes the WebSocket and waits for the read loop to exit.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	l := p.link
	p.link = nil
	p.mu.Unlock()
	if l == nil {
		return nil
	}

	l.closing.Store(true)
	err := l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if l.cancel != nil {
		l.cancel()
	}
	if l.started {
		<-l.done
	}
	if err != nil && !isClosed(err) {
		return fmt.Errorf("relay: close: %w", err)
	}
	return nil
}

// readLoop receives relay messages until the connection ends.
func (p *Provider) readLoop(ctx context.Context, l *link, dec *audio.OpusDecoder) {
	defer close(l.done)
	defer l.dead.Store(true)
	for {
		typ, msg, err := l.conn.Read(ctx)
		if err != nil {
			if l.closing.Load() {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				p.EmitDisconnected("relay closed the stream")
			default:
				p.EmitConnectionLost(err.Error())
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			chunk := msg
			if dec != nil {
				if chunk, err = dec.Decode(msg); err != nil {
					slog.Warn("relay: dropping undecodable packet", "bytes", len(msg), "err", err)
					continue
				}
			}
			if len(chunk) > 0 {
				p.EmitData(chunk)
			}
		case websocket.MessageText:
			var ctrl controlMessage
			if err := json.Unmarshal(msg, &ctrl); err != nil {
				slog.Debug("relay: ignoring malformed control message", "err", err)
				continue
			}
			switch ctrl.Type {
			case "stop":
				p.EmitDisconnected(reasonOr(ctrl.Reason, "device stopped streaming"))
				return
			case "error":
				p.EmitConnectionLost(reasonOr(ctrl.Reason, "relay reported an error"))
				return
			default:
				slog.Debug("relay: ignoring control message", "type", ctrl.Type)
			}
		}
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// isClosed reports whether err only says the connection was already closed.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}

// Ensure Provider implements device.Provider at compile time.
var _ device.Provider = (*Provider)(nil)
