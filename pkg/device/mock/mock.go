// Package mock provides a test double for the [device.Provider] interface.
//
// Set the exported *Err fields before use and inspect the call counters
// afterwards. Simulate device traffic with the embedded EmitData,
// EmitConnectionLost and EmitDisconnected methods.
//
//	dev := &mock.Provider{}
//	coord := pipeline.New(dev, tx, cfg)
//	_ = coord.StartPipeline(ctx)
//	dev.EmitData(chunk)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/device"
)

// Provider is a mock implementation of [device.Provider].
type Provider struct {
	device.Hooks

	mu sync.Mutex

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// DisconnectErr, if non-nil, is returned by Disconnect.
	DisconnectErr error

	// ConnectFunc, if set, overrides ConnectErr. It receives the 1-based
	// attempt number, which makes reconnect sequences easy to script.
	ConnectFunc func(attempt int) error

	connectCalls    int
	initializeCalls int
	disconnectCalls int
}

// Connect records the call and returns ConnectErr (or ConnectFunc's result).
func (p *Provider) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls++
	if p.ConnectFunc != nil {
		return p.ConnectFunc(p.connectCalls)
	}
	return p.ConnectErr
}

// Initialize records the call and returns InitializeErr.
func (p *Provider) Initialize(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initializeCalls++
	return p.InitializeErr
}

// Disconnect records the call and returns DisconnectErr.
func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCalls++
	return p.DisconnectErr
}

// ConnectCalls returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

// InitializeCalls returns the number of Initialize calls. Thread-safe.
func (p *Provider) InitializeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializeCalls
}

// DisconnectCalls returns the number of Disconnect calls. Thread-safe.
func (p *Provider) DisconnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectCalls
}

// Ensure Provider implements device.Provider at compile time.
var _ device.Provider = (*Provider)(nil)
