package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/device"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	device map[string]func(ProviderEntry, PipelineConfig) (device.Provider, error)
	stt    map[string]func(ProviderEntry) (stt.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		device: make(map[string]func(ProviderEntry, PipelineConfig) (device.Provider, error)),
		stt:    make(map[string]func(ProviderEntry) (stt.Provider, error)),
	}
}

// RegisterDevice registers a device adapter factory under name. The factory
// also receives the pipeline block so adapters can emit the configured
// audio format. Subsequent calls with the same name overwrite the previous
// registration.
func (r *Registry) RegisterDevice(name string, factory func(ProviderEntry, PipelineConfig) (device.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateDevice instantiates a device adapter using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateDevice(entry ProviderEntry, p PipelineConfig) (device.Provider, error) {
	r.mu.RLock()
	factory, ok := r.device[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, p)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
