package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr  = ":8080"
	DefaultStopTimeout = 30 * time.Second
	DefaultSaveTimeout = 10 * time.Second
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"device": {"relay", "replay"},
	"stt":    {"deepgram", "whisper"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults. It never
// overwrites explicit values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	p := &cfg.Pipeline
	if p.InactivityTimeout == 0 {
		p.InactivityTimeout = pipeline.DefaultInactivityTimeout
	}
	if p.ChannelCapacity == 0 {
		p.ChannelCapacity = pipeline.DefaultChannelCapacity
	}
	if p.AudioFormat == (audio.Format{}) {
		p.AudioFormat = audio.DefaultFormat
	}
	if p.ConnectionLossPolicy == "" {
		p.ConnectionLossPolicy = pipeline.LossPolicyNotify
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = DefaultStopTimeout
	}

	if cfg.Store.SaveTimeout == 0 {
		cfg.Store.SaveTimeout = DefaultSaveTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.WatchInterval < 0 {
		errs = append(errs, fmt.Errorf("server.watch_interval %s must not be negative", cfg.Server.WatchInterval))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.inactivity_timeout %s must be positive", p.InactivityTimeout))
	}
	if p.ChannelCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.channel_capacity %d must be positive", p.ChannelCapacity))
	}
	if err := p.AudioFormat.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.audio_format: %w", err))
	}
	if p.ConnectionLossPolicy != "" && !p.ConnectionLossPolicy.Valid() {
		errs = append(errs, fmt.Errorf("pipeline.connection_loss_policy %q is invalid; valid values: notify, stop, reconnect", p.ConnectionLossPolicy))
	}
	if p.Reconnect.MaxRetries < 0 || p.Reconnect.Backoff < 0 || p.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("pipeline.reconnect values must not be negative"))
	}
	if p.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.stop_timeout %s must be positive", p.StopTimeout))
	}

	// Providers
	if cfg.Providers.Device.Name == "" {
		errs = append(errs, errors.New("providers.device.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("device", cfg.Providers.Device.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Providers.Device.Name != "" && cfg.Providers.Device.BaseURL == "" {
		errs = append(errs, fmt.Errorf("providers.device.base_url is required for %q", cfg.Providers.Device.Name))
	}

	// Store
	if cfg.Store.SaveTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.save_timeout %s must be positive", cfg.Store.SaveTimeout))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; completed conversations will only be logged")
	}

	return errors.Join(errs...)
}

// Coordinator converts the pipeline block into a [pipeline.Config].
func (p PipelineConfig) Coordinator() pipeline.Config {
	return pipeline.Config{
		InactivityTimeout: p.InactivityTimeout,
		ChannelCapacity:   p.ChannelCapacity,
		Format:            p.AudioFormat,
		LossPolicy:        p.ConnectionLossPolicy,
		Reconnect:         p.Reconnect,
		StopTimeout:       p.StopTimeout,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
