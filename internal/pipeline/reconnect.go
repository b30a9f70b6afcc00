package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/device"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectConfig tunes the device reconnect loop used by
// [LossPolicyReconnect]. Zero fields take the defaults (10 retries, 1s
// initial backoff doubling up to 30s).
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// reconnector re-establishes a lost device connection in the background.
// Device subscriptions live on the provider, not on the connection, so they
// survive a reconnect and audio resumes flowing into the same run.
type reconnector struct {
	dev       device.Provider
	cfg       ReconnectConfig
	onSuccess func(attempt int)
	onGiveUp  func(err error)

	disconnected chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func newReconnector(dev device.Provider, cfg ReconnectConfig, onSuccess func(int), onGiveUp func(error)) *reconnector {
	return &reconnector{
		dev:          dev,
		cfg:          cfg.withDefaults(),
		onSuccess:    onSuccess,
		onGiveUp:     onGiveUp,
		disconnected: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// monitor starts the background loop. It exits when ctx is cancelled or
// stop is called.
func (r *reconnector) monitor(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-r.disconnected:
				r.attempt(ctx)
			}
		}
	}()
}

// notifyDisconnect requests a reconnect cycle. Signals arriving while a
// cycle is already pending are coalesced.
func (r *reconnector) notifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// stop halts the loop and waits for an in-flight attempt to return. It does
// not disconnect the device.
func (r *reconnector) stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *reconnector) attempt(ctx context.Context) {
	backoff := r.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("pipeline: reconnecting device",
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
		)

		_ = r.dev.Disconnect()
		lastErr = r.dev.Connect(ctx)
		if lastErr == nil {
			lastErr = r.dev.Initialize(ctx)
		}
		if lastErr == nil {
			slog.Info("pipeline: device reconnected", "attempt", attempt)
			if r.onSuccess != nil {
				r.onSuccess(attempt)
			}
			return
		}

		slog.Warn("pipeline: reconnect attempt failed",
			"attempt", attempt,
			"err", lastErr,
			"backoff", backoff,
		)

		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	err := fmt.Errorf("pipeline: device reconnect failed after %d attempts: %w", r.cfg.MaxRetries, lastErr)
	slog.Error("pipeline: giving up on device", "err", err)
	if r.onGiveUp != nil {
		r.onGiveUp(err)
	}
}
