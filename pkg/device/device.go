// Package device defines the connection-provider abstraction that supplies
// raw audio from a wearable to earshot.
//
// A [Provider] is connected and initialised by the pipeline coordinator,
// then pushes audio chunks and lifecycle signals through callbacks. Callbacks
// run on provider-owned goroutines, possibly concurrently with each other.
// Every On* method returns an unsubscribe function so the coordinator can
// release its registrations symmetrically when it stops.
//
// Concrete adapters live in sub-packages: relay (WebSocket relay from a
// companion app or gateway) and replay (file playback for testing and
// offline processing).
package device

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by [Provider.Initialize] when Connect has not
// succeeded first.
var ErrNotConnected = errors.New("device: not connected")

// Provider is the abstraction over any source of wearable audio.
//
// Implementations must be safe for concurrent use. After Disconnect returns
// no further callbacks are delivered until the next successful Connect.
type Provider interface {
	// Connect establishes the transport link. It must respect ctx for the
	// duration of the attempt only.
	Connect(ctx context.Context) error

	// Initialize starts the device session (e.g. tells the device or relay to
	// start streaming). On error the caller is expected to call Disconnect.
	Initialize(ctx context.Context) error

	// Disconnect tears the link down. Safe to call more than once.
	Disconnect() error

	// OnData registers a callback receiving audio chunks in the pipeline's
	// PCM format. The callback may block; providers apply that backpressure
	// to their transport.
	OnData(fn func(chunk []byte)) (unsubscribe func())

	// OnConnectionLost registers a callback for unexpected link loss.
	OnConnectionLost(fn func(reason string)) (unsubscribe func())

	// OnDisconnected registers a callback for orderly disconnects initiated
	// by the remote side (end of stream, device powered off).
	OnDisconnected(fn func(reason string)) (unsubscribe func())
}
