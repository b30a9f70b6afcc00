package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/store"
	devicemock "github.com/MrWong99/earshot/pkg/device/mock"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
	"github.com/MrWong99/earshot/pkg/transcription"
	txmock "github.com/MrWong99/earshot/pkg/transcription/mock"
)

// testConfig returns a minimal config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			Device: config.ProviderEntry{Name: "relay", BaseURL: "ws://device.local/stream"},
			STT:    config.ProviderEntry{Name: "deepgram"},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app   *app.App
	dev   *devicemock.Provider
	tx    *txmock.Provider
	store *store.Memory
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		dev:   &devicemock.Provider{},
		tx:    &txmock.Provider{},
		store: store.NewMemory(10),
	}
	a, err := app.New(context.Background(), cfg, &app.Providers{Device: f.dev},
		app.WithTranscription(f.tx),
		app.WithStore(f.store),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	if got := f.app.Coordinator().State(); got != pipeline.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if f.app.Store() != f.store {
		t.Error("Store() did not return the injected store")
	}
	if f.app.Addr() != nil {
		t.Errorf("Addr() = %v before Run, want nil", f.app.Addr())
	}
}

func TestNew_RequiresDevice(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{},
		app.WithTranscription(&txmock.Provider{}))
	if err == nil {
		t.Fatal("New() without a device returned nil error")
	}
}

func TestNew_RequiresSTTWithoutTranscription(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{Device: &devicemock.Provider{}},
		app.WithStore(store.NewMemory(1)), app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("New() without STT returned nil error")
	}
}

func TestNew_STTFallbackHealthInStatus(t *testing.T) {
	t.Parallel()

	providers := &app.Providers{
		Device:       &devicemock.Provider{},
		STT:          app.NamedSTT{Name: "deepgram", Provider: &sttmock.Provider{}},
		STTFallbacks: []app.NamedSTT{{Name: "whisper", Provider: &sttmock.Provider{}}},
	}
	a, err := app.New(context.Background(), testConfig(), providers,
		app.WithStore(store.NewMemory(1)), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		STT []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"stt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.STT) != 2 || body.STT[0].Name != "deepgram" || body.STT[1].Name != "whisper" {
		t.Errorf("stt health = %+v, want deepgram then whisper", body.STT)
	}
}

func TestNew_STTStreamUsesConfiguredLanguage(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transcription.Language = "de"
	engine := &sttmock.Provider{}
	a, err := app.New(context.Background(), cfg, &app.Providers{
		Device: &devicemock.Provider{},
		STT:    app.NamedSTT{Name: "deepgram", Provider: engine},
	}, app.WithStore(store.NewMemory(1)), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Coordinator().StartPipeline(context.Background()); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	calls := engine.Calls()
	if len(calls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Language != "de" {
		t.Errorf("stream language = %q, want de", calls[0].Cfg.Language)
	}
}

// ─── Conversation hand-off ───────────────────────────────────────────────────

func TestShutdown_SavesConversationInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	if err := f.app.Coordinator().StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	f.tx.EmitFinal(transcription.Entry{SpeakerID: "speaker_0", Text: "hello there", Timestamp: time.Now()})
	f.tx.EmitFinal(transcription.Entry{SpeakerID: "speaker_1", Text: "hi", Timestamp: time.Now()})
	id := f.app.Coordinator().Snapshot().ID

	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := f.app.Coordinator().State(); got != pipeline.StateIdle {
		t.Errorf("state after Shutdown = %v, want idle", got)
	}

	conv, err := f.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%q): %v", id, err)
	}
	if len(conv.Transcript) != 2 || conv.Transcript[0].Text != "hello there" {
		t.Errorf("stored transcript = %+v", conv.Transcript)
	}
}

func TestInactivity_SavesConversation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.InactivityTimeout = 30 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	if err := f.app.Coordinator().StartPipeline(ctx); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	f.tx.EmitFinal(transcription.Entry{SpeakerID: "speaker_0", Text: "short chat", Timestamp: time.Now()})

	waitFor(t, func() bool {
		got, _ := f.store.Recent(ctx, 10)
		return len(got) == 1
	})
	if got := f.app.Coordinator().State(); got != pipeline.StateActive {
		t.Errorf("state after rollover = %v, want active", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := f.tx.StopCalls(); got != 0 {
		t.Errorf("transcription Stop calls = %d, want 0 for an idle pipeline", got)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_AutoStartAndServe(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.AutoStart = true
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	waitFor(t, func() bool {
		return f.app.Addr() != nil && f.app.Coordinator().State() == pipeline.StateActive
	})

	resp, err := http.Get("http://" + f.app.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_AutoStartFailureKeepsServing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Pipeline.AutoStart = true
	f := newFixture(t, cfg)
	f.dev.ConnectErr = errors.New("device offline")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	waitFor(t, func() bool { return f.dev.ConnectCalls() == 1 && f.app.Addr() != nil })

	resp, err := http.Get("http://" + f.app.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:bad"
	f := newFixture(t, cfg)

	if err := f.app.Run(context.Background()); err == nil {
		t.Fatal("Run with an invalid address returned nil error")
	}
}
