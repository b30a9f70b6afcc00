// Package app wires the earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the pipeline
// coordinator, the conversation store and the HTTP surface, Run serves until
// the context is cancelled, and Shutdown stops the pipeline and tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithTranscription, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/api"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/store"
	"github.com/MrWong99/earshot/internal/store/postgres"
	"github.com/MrWong99/earshot/pkg/device"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/transcription"
	"github.com/MrWong99/earshot/pkg/transcription/keywords"
)

// httpShutdownTimeout bounds the graceful HTTP shutdown in Run.
const httpShutdownTimeout = 5 * time.Second

// NamedSTT is an STT engine together with its configured name.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// Providers holds the provider instances built by main.go via the config
// registry.
type Providers struct {
	Device device.Provider

	// STT is the primary engine. STTFallbacks are tried in order when it
	// cannot open a stream.
	STT          NamedSTT
	STTFallbacks []NamedSTT
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	stt         *resilience.STTFallback
	tx          transcription.Provider
	coordinator *pipeline.Coordinator
	store       store.Store
	server      *api.Server
	watcher     *config.Watcher

	// saves tracks in-flight conversation hand-offs.
	saves sync.WaitGroup

	mu       sync.Mutex
	listener net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTranscription injects a transcription provider instead of streaming
// through the configured STT engines.
func WithTranscription(tx transcription.Provider) Option {
	return func(a *App) { a.tx = tx }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher runs w alongside the HTTP server in Run.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New connects to the
// conversation store but leaves the pipeline Idle; Run starts it when
// pipeline.auto_start is set.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Device == nil {
		return nil, errors.New("app: a device provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcription ─────────────────────────────────────────────────
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 2. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	a.coordinator = pipeline.New(providers.Device, a.tx, cfg.Pipeline.Coordinator(),
		pipeline.WithMetrics(a.metrics))
	a.coordinator.OnConversationCompleted(a.handOff)
	a.coordinator.OnNotify(func(n pipeline.Notification) {
		slog.Info("pipeline notification", "severity", n.Severity.String(), "message", n.Message)
	})

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTranscription builds the streaming transcription provider over the
// configured STT engines, each behind a circuit breaker.
func (a *App) initTranscription() error {
	if a.tx != nil {
		return nil
	}
	primary := a.providers.STT
	if primary.Provider == nil {
		return errors.New("an STT provider is required when transcription is not injected")
	}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("stt circuit breaker changed state", "engine", name, "from", from.String(), "to", to.String())
			},
		},
	}
	a.stt = resilience.NewSTTFallback(primary.Provider, primary.Name, fbCfg, a.metrics)
	for _, fb := range a.providers.STTFallbacks {
		a.stt.AddFallback(fb.Name, fb.Provider)
	}

	tc := a.cfg.Transcription
	opts := []transcription.StreamingOption{
		transcription.WithLanguage(tc.Language),
		transcription.WithKeywords(tc.Keywords...),
		transcription.WithDiarization(tc.Diarize),
	}
	if tc.KeywordCorrection {
		if c := keywords.New(tc.Keywords); c.Len() > 0 {
			opts = append(opts, transcription.WithKeywordCorrection(c))
		} else {
			slog.Warn("transcription.keyword_correction is set but no usable keywords are configured")
		}
	}
	streaming := transcription.NewStreaming(a.stt, opts...)
	a.tx = streaming
	a.closers = append(a.closers, streaming.Close)
	return nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("no store.postgres_dsn configured, keeping conversations in memory")
		a.store = store.NewMemory(0)
		return nil
	}
	pg, err := postgres.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

// initServer builds the API server with readiness checks for the pipeline
// and, when it supports pinging, the store.
func (a *App) initServer() {
	checkers := []health.Checker{{Name: "pipeline", Check: a.checkPipeline}}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "store", Check: p.Ping})
	}

	opts := []api.Option{
		api.WithStore(a.store),
		api.WithHealth(health.New(checkers...)),
		api.WithMetrics(a.metrics),
		api.WithStopTimeout(a.coordinator.Config().StopTimeout),
	}
	if a.stt != nil {
		opts = append(opts, api.WithSTTHealth(a.stt.Health))
	}
	a.server = api.New(a.coordinator, opts...)
}

// checkPipeline reports ready while the pipeline is Active and its consumer
// is still forwarding audio.
func (a *App) checkPipeline(context.Context) error {
	st := a.coordinator.Status()
	if st.State != pipeline.StateActive {
		return fmt.Errorf("pipeline is %s", st.State)
	}
	if st.ConsumerFault != "" {
		return fmt.Errorf("consumer stopped: %s", st.ConsumerFault)
	}
	return nil
}

// handOff persists a completed conversation in the background so the
// pipeline goroutine that delivered it is not held up by the store.
func (a *App) handOff(c conversation.Conversation) {
	a.saves.Go(func() {
		timeout := a.cfg.Store.SaveTimeout
		if timeout <= 0 {
			timeout = config.DefaultSaveTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.store.Save(ctx, c); err != nil {
			slog.Error("failed to save conversation", "id", c.ID, "entries", len(c.Transcript), "err", err)
			return
		}
		slog.Info("conversation saved", "id", c.ID, "entries", len(c.Transcript), "speakers", len(c.Speakers()))
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the pipeline coordinator.
func (a *App) Coordinator() *pipeline.Coordinator { return a.coordinator }

// Store returns the conversation store.
func (a *App) Store() store.Store { return a.store }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Addr returns the address the HTTP server listens on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, runs the config watcher if one was supplied and starts
// the pipeline when pipeline.auto_start is set. It blocks until ctx is
// cancelled or the server fails. A failed auto start is logged and leaves
// the pipeline Idle for a later start through the API.
//
// Run does not stop the pipeline; call Shutdown for that.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.listener = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.cfg.Pipeline.AutoStart {
		g.Go(func() error {
			if err := a.coordinator.StartPipeline(gctx); err != nil {
				slog.Error("auto start failed, pipeline stays idle", "err", err)
			}
			return nil
		})
	}

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil, "auto_start", a.cfg.Pipeline.AutoStart)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the pipeline, which hands off the conversation in
// progress, waits for pending saves and then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		stopCtx, cancel := context.WithTimeout(ctx, a.coordinator.Config().StopTimeout)
		if err := a.coordinator.StopPipeline(stopCtx); err != nil {
			slog.Warn("pipeline stop error", "err", err)
		}
		cancel()

		saved := make(chan struct{})
		go func() {
			a.saves.Wait()
			close(saved)
		}()
		select {
		case <-saved:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while saving conversations")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
