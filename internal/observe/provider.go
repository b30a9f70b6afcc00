package observe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attributes describing the capture setup of an earshot instance.
const (
	AttrDeviceKind = attribute.Key("earshot.device.kind")
	AttrSTTEngines = attribute.Key("earshot.stt.engines")
	AttrSampleRate = attribute.Key("earshot.audio.sample_rate")
	AttrChannels   = attribute.Key("earshot.audio.channels")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "earshot".
	ServiceName    string
	ServiceVersion string

	// DeviceKind is the registered name of the device adapter ("relay",
	// "replay").
	DeviceKind string

	// STTEngines lists the speech engines, primary first.
	STTEngines []string

	// SampleRate and Channels describe the PCM handed to transcription.
	SampleRate int
	Channels   int

	// TraceExporter receives finished spans. When nil, spans are sampled for
	// log correlation but never exported.
	TraceExporter sdktrace.SpanExporter

	// MetricReaders are attached next to the Prometheus exporter.
	MetricReaders []sdkmetric.Reader
}

// NewResource describes the service and its capture setup. Empty fields are
// left out.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "earshot"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	if cfg.DeviceKind != "" {
		attrs = append(attrs, AttrDeviceKind.String(cfg.DeviceKind))
	}
	if len(cfg.STTEngines) > 0 {
		attrs = append(attrs, AttrSTTEngines.StringSlice(cfg.STTEngines))
	}
	if cfg.SampleRate > 0 {
		attrs = append(attrs, AttrSampleRate.Int(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		attrs = append(attrs, AttrChannels.Int(cfg.Channels))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider registers global meter and tracer providers for cfg. Metrics
// are exposed through the Prometheus registry and therefore on /metrics.
//
// The returned shutdown flushes spans before metrics; call it once from
// main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	prom, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(prom)}
	for _, r := range cfg.MetricReaders {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	topts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		topts = append(topts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(topts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
