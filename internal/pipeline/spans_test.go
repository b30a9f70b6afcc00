package pipeline

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: swaps the global tracer provider.
func TestLifecycleSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t, Config{InactivityTimeout: longTimeout})
	h.start(t)
	h.stop(t)

	h.dev.ConnectErr = errors.New("device offline")
	if err := h.c.StartPipeline(context.Background()); err == nil {
		t.Fatal("StartPipeline with an offline device returned nil")
	}

	spans := exp.GetSpans()
	want := []struct {
		name string
		code codes.Code
	}{
		{"pipeline.start", codes.Unset},
		{"pipeline.stop", codes.Unset},
		{"pipeline.start", codes.Error},
	}
	if len(spans) != len(want) {
		t.Fatalf("spans = %d, want %d", len(spans), len(want))
	}
	for i, w := range want {
		if spans[i].Name != w.name || spans[i].Status.Code != w.code {
			t.Errorf("span[%d] = %s/%v, want %s/%v", i, spans[i].Name, spans[i].Status.Code, w.name, w.code)
		}
	}
	if got := spans[2].Status.Description; got == "" {
		t.Error("failed start span has no status description")
	}
}
