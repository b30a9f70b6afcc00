// Command earshot captures audio from a wearable device, transcribes it and
// stores the resulting conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/device"
	"github.com/MrWong99/earshot/pkg/device/relay"
	"github.com/MrWong99/earshot/pkg/device/replay"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, pass -config with the path to your YAML file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), telemetryConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config watcher (optional) ─────────────────────────────────────────────
	var opts []app.Option
	if cfg.Server.WatchInterval > 0 {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyConfigChange(&level, config.Diff(old, new))
		}, config.WithInterval(cfg.Server.WatchInterval))
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(w))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// The pipeline drain is bounded by pipeline.stop_timeout; leave room for
	// the closers on top of it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.StopTimeout+15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange applies the hot-reloadable part of a config change and
// warns about the rest.
func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed, restart to apply", "sections", d.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Devices ───────────────────────────────────────────────────────────────

	// relay: base_url is the websocket endpoint of the device relay, api_key
	// its bearer token.
	reg.RegisterDevice("relay", func(entry config.ProviderEntry, p config.PipelineConfig) (device.Provider, error) {
		opts := []relay.Option{relay.WithFormat(p.AudioFormat)}
		if codec := optString(entry.Options, "codec"); codec != "" {
			opts = append(opts, relay.WithCodec(relay.Codec(codec)))
		}
		if id := optString(entry.Options, "device_id"); id != "" {
			opts = append(opts, relay.WithDeviceID(id))
		}
		if entry.APIKey != "" {
			opts = append(opts, relay.WithToken(entry.APIKey))
		}
		return relay.New(entry.BaseURL, opts...)
	})

	// replay: base_url is the path of a WAV or raw PCM recording.
	reg.RegisterDevice("replay", func(entry config.ProviderEntry, p config.PipelineConfig) (device.Provider, error) {
		opts := []replay.Option{replay.WithFormat(p.AudioFormat)}
		if d, err := optDuration(entry.Options, "chunk_duration"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, replay.WithChunkDuration(d))
		}
		if rt, ok := entry.Options["realtime"].(bool); ok {
			opts = append(opts, replay.WithRealtime(rt))
		}
		return replay.New(entry.BaseURL, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, err := optDuration(entry.Options, "silence_window"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, whisper.WithSilenceWindow(d))
		}
		if d, err := optDuration(entry.Options, "max_utterance"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, whisper.WithMaxUtterance(d))
		}
		if rms, ok := optFloat(entry.Options, "rms_threshold"); ok {
			opts = append(opts, whisper.WithRMSThreshold(rms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	dev, err := reg.CreateDevice(cfg.Providers.Device, cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("create device provider %q: %w", cfg.Providers.Device.Name, err)
	}
	ps.Device = dev
	slog.Info("provider created", "kind", "device", "name", cfg.Providers.Device.Name)

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = app.NamedSTT{Name: cfg.Providers.STT.Name, Provider: primary}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	for _, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		ps.STTFallbacks = append(ps.STTFallbacks, app.NamedSTT{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "stt_fallback", "name", entry.Name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	p := cfg.Pipeline
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Device", cfg.Providers.Device.Name)
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("STT fallbacks", fmt.Sprint(len(cfg.Providers.STTFallbacks)))
	printRow("Audio", p.AudioFormat.String())
	printRow("Inactivity", p.InactivityTimeout.String())
	printRow("Queue capacity", fmt.Sprint(p.ChannelCapacity))
	printRow("Loss policy", string(p.ConnectionLossPolicy))
	printRow("Auto start", fmt.Sprint(p.AutoStart))
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "memory")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "300ms" from a provider
// Options map. Absent keys yield zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := optString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// telemetryConfig describes this instance's capture setup for the OTel
// resource.
func telemetryConfig(cfg *config.Config) observe.ProviderConfig {
	engines := []string{cfg.Providers.STT.Name}
	for _, fb := range cfg.Providers.STTFallbacks {
		engines = append(engines, fb.Name)
	}
	return observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
		DeviceKind:     cfg.Providers.Device.Name,
		STTEngines:     engines,
		SampleRate:     cfg.Pipeline.AudioFormat.SampleRate,
		Channels:       cfg.Pipeline.AudioFormat.Channels,
	}
}
