package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/pipeline"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Device: config.ProviderEntry{Name: "relay", BaseURL: "ws://x"},
			STT:    config.ProviderEntry{Name: "deepgram", Options: map[string]any{"smart_format": true}},
		},
		Transcription: config.TranscriptionConfig{Keywords: []string{"Ada"}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantLevel   bool
		wantRestart []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:      "log level only",
			mutate:    func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLevel: true,
		},
		{
			name:   "watch interval is not a restart",
			mutate: func(c *config.Config) { c.Server.WatchInterval = time.Minute },
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			wantRestart: []string{"server"},
		},
		{
			name: "pipeline and store",
			mutate: func(c *config.Config) {
				c.Pipeline.ConnectionLossPolicy = pipeline.LossPolicyStop
				c.Store.PostgresDSN = "postgres://db/earshot"
			},
			wantRestart: []string{"pipeline", "store"},
		},
		{
			name:        "keywords",
			mutate:      func(c *config.Config) { c.Transcription.Keywords = append(c.Transcription.Keywords, "Grace") },
			wantRestart: []string{"transcription"},
		},
		{
			name:        "provider options",
			mutate:      func(c *config.Config) { c.Providers.STT.Options = map[string]any{"smart_format": false} },
			wantRestart: []string{"providers"},
		},
		{
			name: "level and providers",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogWarn
				c.Providers.STTFallbacks = []config.ProviderEntry{{Name: "whisper"}}
			},
			wantLevel:   true,
			wantRestart: []string{"providers"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tc.mutate(next)

			d := config.Diff(old, next)
			if d.LogLevelChanged != tc.wantLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tc.wantLevel)
			}
			if tc.wantLevel && d.NewLogLevel != next.Server.LogLevel {
				t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, next.Server.LogLevel)
			}
			if !slices.Equal(d.RestartRequired, tc.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.wantRestart)
			}
			if want := tc.wantLevel || len(tc.wantRestart) > 0; d.Changed() != want {
				t.Errorf("Changed() = %v, want %v", d.Changed(), want)
			}
		})
	}
}
