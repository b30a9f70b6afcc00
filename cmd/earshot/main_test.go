package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

func TestOptDuration(t *testing.T) {
	tests := []struct {
		name    string
		opts    map[string]any
		want    time.Duration
		wantErr bool
	}{
		{name: "nil map", opts: nil, want: 0},
		{name: "absent", opts: map[string]any{}, want: 0},
		{name: "valid", opts: map[string]any{"d": "750ms"}, want: 750 * time.Millisecond},
		{name: "not a string", opts: map[string]any{"d": 5}, want: 0},
		{name: "invalid", opts: map[string]any{"d": "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := optDuration(tt.opts, "d")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOptFloat(t *testing.T) {
	if v, ok := optFloat(map[string]any{"x": 300}, "x"); !ok || v != 300 {
		t.Errorf("int: got %v, %v", v, ok)
	}
	if v, ok := optFloat(map[string]any{"x": 0.5}, "x"); !ok || v != 0.5 {
		t.Errorf("float: got %v, %v", v, ok)
	}
	if _, ok := optFloat(map[string]any{"x": "high"}, "x"); ok {
		t.Error("string accepted as number")
	}
}

func TestApplyConfigChange_LogLevel(t *testing.T) {
	var level slog.LevelVar
	applyConfigChange(&level, config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	applyConfigChange(&level, config.ConfigDiff{RestartRequired: []string{"pipeline"}})
	if level.Level() != slog.LevelDebug {
		t.Errorf("level changed by a restart-only diff: %v", level.Level())
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Device: config.ProviderEntry{Name: "relay", BaseURL: "ws://localhost:9000/stream", Options: map[string]any{"codec": "opus"}},
			STT:    config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8081"},
		},
	}
	config.ApplyDefaults(cfg)

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Device == nil || ps.STT.Provider == nil || ps.STT.Name != "whisper" {
		t.Errorf("providers = %+v", ps)
	}

	cfg.Providers.Device.Options = map[string]any{"codec": "mp3"}
	if _, err := buildProviders(cfg, reg); err == nil {
		t.Error("unknown relay codec accepted")
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Device:       config.ProviderEntry{Name: "relay"},
			STT:          config.ProviderEntry{Name: "deepgram"},
			STTFallbacks: []config.ProviderEntry{{Name: "whisper"}},
		},
	}
	config.ApplyDefaults(cfg)

	got := telemetryConfig(cfg)
	if got.DeviceKind != "relay" {
		t.Errorf("DeviceKind = %q, want relay", got.DeviceKind)
	}
	if len(got.STTEngines) != 2 || got.STTEngines[0] != "deepgram" || got.STTEngines[1] != "whisper" {
		t.Errorf("STTEngines = %v, want [deepgram whisper]", got.STTEngines)
	}
	if got.SampleRate != cfg.Pipeline.AudioFormat.SampleRate || got.Channels != cfg.Pipeline.AudioFormat.Channels {
		t.Errorf("format = %d Hz/%d ch, want %s", got.SampleRate, got.Channels, cfg.Pipeline.AudioFormat)
	}
}
