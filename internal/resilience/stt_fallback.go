package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] by opening each stream on the first
// healthy engine of a [FallbackGroup]. Failover happens only when a stream
// is opened; a stream that breaks later is the caller's to handle.
type STTFallback struct {
	group   *FallbackGroup[stt.Provider]
	metrics *observe.Metrics
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// engine. m may be nil, in which case [observe.DefaultMetrics] is used.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig, m *observe.Metrics) *STTFallback {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &STTFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: m,
	}
}

// AddFallback registers another engine, tried after those already added.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Health reports the breaker state of every engine.
func (f *STTFallback) Health() []EntryHealth { return f.group.Health() }

// StartStream opens a session on the first engine that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	begin := time.Now()
	handle, name, err := ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		f.metrics.RecordProviderError(ctx, "fallback", "stt")
		return nil, err
	}
	f.metrics.RecordProviderRequest(ctx, name, "stt", "ok")
	observe.Logger(ctx).Info("stt stream opened", "engine", name, "elapsed", time.Since(begin))
	return handle, nil
}
