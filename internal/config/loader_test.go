package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/pkg/audio"
)

const minimalYAML = `
providers:
  device:
    name: replay
    base_url: testdata/meeting.wav
  stt:
    name: whisper
    base_url: http://localhost:8081
`

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	p := cfg.Pipeline
	if p.InactivityTimeout != 120*time.Second {
		t.Errorf("inactivity_timeout = %s, want 120s", p.InactivityTimeout)
	}
	if p.ChannelCapacity != 500 {
		t.Errorf("channel_capacity = %d, want 500", p.ChannelCapacity)
	}
	if p.AudioFormat != audio.DefaultFormat {
		t.Errorf("audio_format = %+v, want %+v", p.AudioFormat, audio.DefaultFormat)
	}
	if p.ConnectionLossPolicy != pipeline.LossPolicyNotify {
		t.Errorf("connection_loss_policy = %q, want notify", p.ConnectionLossPolicy)
	}
	if cfg.Store.SaveTimeout != config.DefaultSaveTimeout {
		t.Errorf("save_timeout = %s", cfg.Store.SaveTimeout)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  watch_interval: 10s
pipeline:
  inactivity_timeout: 45s
  channel_capacity: 64
  audio_format:
    sample_rate: 24000
    bits_per_sample: 16
    channels: 1
  connection_loss_policy: reconnect
  reconnect:
    max_retries: 4
    backoff: 250ms
    max_backoff: 5s
  stop_timeout: 15s
  auto_start: true
transcription:
  language: de
  keywords: [Ada, Lovelace]
  diarize: true
providers:
  device:
    name: relay
    base_url: wss://relay.example.com/v1/stream
    api_key: secret
    options:
      codec: opus
      device_id: pendant-7
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-3
  stt_fallbacks:
    - name: whisper
      base_url: http://whisper:8081
store:
  postgres_dsn: postgres://earshot@db/earshot
  save_timeout: 3s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	pc := cfg.Pipeline.Coordinator()
	want := pipeline.Config{
		InactivityTimeout: 45 * time.Second,
		ChannelCapacity:   64,
		Format:            audio.Format{SampleRate: 24000, BitsPerSample: 16, Channels: 1},
		LossPolicy:        pipeline.LossPolicyReconnect,
		Reconnect:         pipeline.ReconnectConfig{MaxRetries: 4, Backoff: 250 * time.Millisecond, MaxBackoff: 5 * time.Second},
		StopTimeout:       15 * time.Second,
	}
	if pc != want {
		t.Errorf("Coordinator() = %+v\nwant %+v", pc, want)
	}
	if !cfg.Pipeline.AutoStart {
		t.Error("auto_start not decoded")
	}
	if cfg.Server.WatchInterval != 10*time.Second {
		t.Errorf("watch_interval = %s", cfg.Server.WatchInterval)
	}
	if got := cfg.Transcription; got.Language != "de" || len(got.Keywords) != 2 || !got.Diarize {
		t.Errorf("transcription = %+v", got)
	}
	if got := cfg.Providers.Device.Options["codec"]; got != "opus" {
		t.Errorf("device codec option = %v", got)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Name != "whisper" {
		t.Errorf("stt_fallbacks = %+v", cfg.Providers.STTFallbacks)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
pipeline:
  inactivity_timout: 10s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
	if !strings.Contains(err.Error(), "inactivity_timout") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "empty config",
			yaml:    ``,
			wantErr: []string{"providers.device.name is required", "providers.stt.name is required"},
		},
		{
			name: "bad log level",
			yaml: minimalYAML + `
server:
  log_level: loud
`,
			wantErr: []string{"server.log_level"},
		},
		{
			name: "bad loss policy",
			yaml: minimalYAML + `
pipeline:
  connection_loss_policy: panic
`,
			wantErr: []string{"pipeline.connection_loss_policy"},
		},
		{
			name: "bad audio format",
			yaml: minimalYAML + `
pipeline:
  audio_format:
    sample_rate: 44100
    bits_per_sample: 24
    channels: 2
`,
			wantErr: []string{"sample_rate 44100", "bits_per_sample 24", "channels 2"},
		},
		{
			name: "negative capacity and timeout",
			yaml: minimalYAML + `
pipeline:
  channel_capacity: -1
  inactivity_timeout: -5s
`,
			wantErr: []string{"pipeline.channel_capacity", "pipeline.inactivity_timeout"},
		},
		{
			name: "tls without key",
			yaml: minimalYAML + `
server:
  tls:
    cert_file: cert.pem
`,
			wantErr: []string{"server.tls"},
		},
		{
			name: "device without location",
			yaml: `
providers:
  device:
    name: relay
  stt:
    name: deepgram
`,
			wantErr: []string{"providers.device.base_url"},
		},
		{
			name: "unnamed fallback",
			yaml: minimalYAML + `
  stt_fallbacks:
    - model: base
`,
			wantErr: []string{"providers.stt_fallbacks[0].name"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should contain %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_FormatErrorIsWrapped(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
pipeline:
  audio_format:
    sample_rate: 8000
    bits_per_sample: 16
    channels: 1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("err = %v, want wrapping audio.ErrInvalidFormat", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Device.Name != "replay" {
		t.Errorf("device = %q", cfg.Providers.Device.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example config: %v", err)
	}
	if cfg.Pipeline.ConnectionLossPolicy != pipeline.LossPolicyReconnect {
		t.Errorf("connection_loss_policy: got %q, want reconnect", cfg.Pipeline.ConnectionLossPolicy)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Name != "whisper" {
		t.Errorf("stt_fallbacks: got %+v", cfg.Providers.STTFallbacks)
	}
	if cfg.Server.WatchInterval != 5*time.Second {
		t.Errorf("watch_interval: got %s, want 5s", cfg.Server.WatchInterval)
	}
}
