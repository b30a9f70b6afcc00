// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDuration tracks how long the transcription engine takes to accept
	// one audio chunk.
	ChunkDuration metric.Float64Histogram

	// StartDuration tracks StartPipeline latency (device connect through
	// transcription initialise).
	StartDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksEnqueued counts audio chunks accepted onto the pipeline queue.
	ChunksEnqueued metric.Int64Counter

	// ChunksDropped counts chunks rejected at ingress. Use with attribute:
	//   attribute.String("reason", "sealed"|"cancelled"|"consumer_exited")
	ChunksDropped metric.Int64Counter

	// Transcripts counts recognition results. Use with attribute:
	//   attribute.String("kind", "interim"|"final")
	Transcripts metric.Int64Counter

	// ConversationsCompleted counts handed-off conversations. Use with attribute:
	//   attribute.String("reason", "inactivity"|"stop")
	ConversationsCompleted metric.Int64Counter

	// Notifications counts coordinator notifications by severity.
	Notifications metric.Int64Counter

	// Reconnects counts device reconnect cycles. Use with attribute:
	//   attribute.String("result", "recovered"|"gave_up")
	Reconnects metric.Int64Counter

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of chunks waiting in the pipeline queue.
	QueueDepth metric.Int64UpDownCounter

	// ActivePipelines is 1 while a pipeline is Active.
	ActivePipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("earshot.pipeline.chunk.duration",
		metric.WithDescription("Latency of handing one audio chunk to the transcription engine."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("earshot.pipeline.start.duration",
		metric.WithDescription("Latency of starting the pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksEnqueued, err = m.Int64Counter("earshot.pipeline.chunks.enqueued",
		metric.WithDescription("Audio chunks accepted onto the pipeline queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("earshot.pipeline.chunks.dropped",
		metric.WithDescription("Audio chunks rejected at ingress by reason."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("earshot.transcripts",
		metric.WithDescription("Recognition results by kind."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsCompleted, err = m.Int64Counter("earshot.conversations.completed",
		metric.WithDescription("Conversations handed off by reason."),
	); err != nil {
		return nil, err
	}
	if met.Notifications, err = m.Int64Counter("earshot.pipeline.notifications",
		metric.WithDescription("Pipeline notifications by severity."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("earshot.device.reconnects",
		metric.WithDescription("Device reconnect cycles by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("earshot.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("earshot.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("earshot.pipeline.queue.depth",
		metric.WithDescription("Audio chunks waiting in the pipeline queue."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("earshot.pipeline.active",
		metric.WithDescription("Number of active pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedChunk records a rejected ingress chunk.
func (m *Metrics) RecordDroppedChunk(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript records one recognition result of the given kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordConversationCompleted records one handed-off conversation.
func (m *Metrics) RecordConversationCompleted(ctx context.Context, reason string) {
	m.ConversationsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordNotification records one coordinator notification.
func (m *Metrics) RecordNotification(ctx context.Context, severity string) {
	m.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordReconnect records the outcome of one reconnect cycle.
func (m *Metrics) RecordReconnect(ctx context.Context, result string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
