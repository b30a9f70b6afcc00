// Package pipeline coordinates audio capture and transcription.
//
// A [Coordinator] connects a [device.Provider] to a
// [transcription.Provider] through a bounded queue drained by a single
// consumer goroutine, collects recognised speech into a
// [conversation.Aggregate] and hands each conversation off once the
// speakers fall silent for the configured inactivity timeout, or when the
// pipeline stops.
//
// Lifecycle: Idle → Starting → Active → Stopping → Idle. A failed start
// returns to Idle.
//
// Events are delivered synchronously on the goroutine that caused them:
// the caller of Start/Stop, a provider callback goroutine or the inactivity
// timer. Handlers must not call StopPipeline synchronously.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/device"
	"github.com/MrWong99/earshot/pkg/event"
	"github.com/MrWong99/earshot/pkg/transcription"
)

// Defaults for [Config].
const (
	DefaultInactivityTimeout = 120 * time.Second
	DefaultChannelCapacity   = 500
	defaultStopTimeout       = 30 * time.Second

	// consumerGrace is how long a cancelled stop waits for the consumer
	// before abandoning it.
	consumerGrace = time.Second

	// teardownTimeout bounds stopping the providers once the caller's
	// context has expired.
	teardownTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by StartPipeline unless the coordinator is
// Idle.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Completion reasons, used as metric attributes.
const (
	reasonInactivity = "inactivity"
	reasonStop       = "stop"
)

// Config holds the coordinator settings.
type Config struct {
	// InactivityTimeout is the silence after the last final transcript that
	// closes a conversation. Default 120s.
	InactivityTimeout time.Duration

	// ChannelCapacity bounds the audio queue in chunks. A full queue blocks
	// the device callback. Default 500.
	ChannelCapacity int

	// Format is passed to the transcription provider. Default 16kHz/16bit/mono.
	Format audio.Format

	// LossPolicy selects the reaction to a device connection loss. Default
	// [LossPolicyNotify].
	LossPolicy LossPolicy

	// Reconnect tunes [LossPolicyReconnect].
	Reconnect ReconnectConfig

	// StopTimeout bounds the background stop triggered by [LossPolicyStop].
	// Default 30s.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = DefaultChannelCapacity
	}
	if c.Format == (audio.Format{}) {
		c.Format = audio.DefaultFormat
	}
	if c.LossPolicy == "" {
		c.LossPolicy = LossPolicyNotify
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	return c
}

// Option is a functional option for configuring a [Coordinator].
type Option func(*Coordinator)

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the wall clock used for aggregate and notification
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the pipeline. All methods are safe for concurrent use.
type Coordinator struct {
	dev     device.Provider
	tx      transcription.Provider
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time
	seg     *Segmenter

	// lifecycle serialises StartPipeline and StopPipeline.
	lifecycle sync.Mutex

	// mu guards everything below. Events are published after it is released.
	mu    sync.Mutex
	state State
	agg   *conversation.Aggregate
	run   *run
	fault string

	stateChanged event.Hub[struct{}]
	notify       event.Hub[Notification]
	completed    event.Hub[conversation.Conversation]
}

// New creates an idle Coordinator.
func New(dev device.Provider, tx transcription.Provider, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		dev: dev,
		tx:  tx,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.seg = NewSegmenter(c.cfg.InactivityTimeout, c.rollover)
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// ---- subscriptions ----

// OnStateChanged registers fn to run whenever state or the current
// conversation changes.
func (c *Coordinator) OnStateChanged(fn func()) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.stateChanged.Subscribe(func(struct{}) { fn() })
}

// OnNotify registers fn for user-facing notifications.
func (c *Coordinator) OnNotify(fn func(Notification)) (unsubscribe func()) {
	return c.notify.Subscribe(fn)
}

// OnConversationCompleted registers fn for finished conversations. Each
// conversation is delivered exactly once; empty conversations are never
// delivered.
func (c *Coordinator) OnConversationCompleted(fn func(conversation.Conversation)) (unsubscribe func()) {
	return c.completed.Subscribe(fn)
}

// ---- accessors ----

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current conversation. It is empty while
// Idle.
func (c *Coordinator) Snapshot() conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agg == nil {
		return conversation.Conversation{}
	}
	return c.agg.Snapshot()
}

// Status returns a summary of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:         c.state,
		QueueCapacity: c.cfg.ChannelCapacity,
		ConsumerFault: c.fault,
	}
	if c.agg != nil {
		snap := c.agg.Snapshot()
		st.ConversationID = snap.ID
		st.Entries = len(snap.Transcript)
		st.HasInterim = snap.Interim != nil
	}
	if c.run != nil {
		st.QueueDepth = len(c.run.queue)
		st.StartedAt = c.run.startedAt
	}
	return st
}

// ---- lifecycle ----

// StartPipeline connects the device, initialises transcription and starts
// forwarding audio. Connection and initialisation failures are returned as
// errors and leave the coordinator Idle.
func (c *Coordinator) StartPipeline(ctx context.Context) (err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = StateStarting
	c.fault = ""
	c.mu.Unlock()
	c.stateChanged.Publish(struct{}{})

	ctx, span := observe.StartSpan(ctx, "pipeline.start")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)
	begin := time.Now()

	fail := func(step string, cause error, disconnect bool) error {
		if disconnect {
			if derr := c.dev.Disconnect(); derr != nil {
				log.Warn("pipeline: disconnect after failed start", "err", derr)
			}
		}
		err := fmt.Errorf("pipeline: %s: %w", step, cause)
		c.setState(StateIdle)
		c.publishNotify(SeverityError, err.Error())
		c.stateChanged.Publish(struct{}{})
		return err
	}

	if err := c.dev.Connect(ctx); err != nil {
		return fail("connect device", err, false)
	}
	if err := c.dev.Initialize(ctx); err != nil {
		return fail("initialize device", err, true)
	}
	if err := c.tx.Initialize(ctx, c.cfg.Format); err != nil {
		return fail("initialize transcription", err, true)
	}

	r := newRun(c.cfg.ChannelCapacity, c.now())
	c.mu.Lock()
	c.agg = conversation.New(c.now())
	c.run = r
	c.mu.Unlock()

	// The reconnector exists before the first callback can observe r.
	if c.cfg.LossPolicy == LossPolicyReconnect {
		r.reconnect = newReconnector(c.dev, c.cfg.Reconnect,
			func(attempt int) {
				c.metrics.RecordReconnect(r.ctx, "recovered")
				c.publishNotify(SeveritySuccess, fmt.Sprintf("Device reconnected after %d attempt(s)", attempt))
			},
			func(err error) {
				c.metrics.RecordReconnect(r.ctx, "gave_up")
				c.publishNotify(SeverityError, err.Error())
			},
		)
		r.reconnect.monitor(r.ctx)
	}
	r.unsubs = append(r.unsubs,
		c.dev.OnData(c.ingress(r)),
		c.dev.OnConnectionLost(c.connectionLost(r)),
		c.dev.OnDisconnected(c.disconnected(r)),
		c.tx.OnRecognizing(c.interim(r)),
		c.tx.OnTranscript(c.final(r)),
	)

	go c.consume(r)
	c.seg.Arm()

	c.setState(StateActive)
	c.metrics.ActivePipelines.Add(ctx, 1)
	c.metrics.StartDuration.Record(ctx, time.Since(begin).Seconds())
	log.Info("pipeline started",
		"format", c.cfg.Format.String(),
		"capacity", c.cfg.ChannelCapacity,
		"inactivity_timeout", c.cfg.InactivityTimeout,
		"loss_policy", string(c.cfg.LossPolicy),
	)
	c.publishNotify(SeveritySuccess, "Pipeline started")
	c.stateChanged.Publish(struct{}{})
	return nil
}

// StopPipeline shuts the pipeline down in a fixed order: disarm the
// inactivity timer, seal the queue, let the consumer drain it, cancel the
// run, unsubscribe from both providers, hand off the conversation if it has
// entries, then stop transcription and disconnect the device.
//
// ctx bounds the drain; when it expires the run is cancelled early and the
// remaining queued audio is discarded. A transcription provider that does
// not return within a second of the cancellation is abandoned and reported
// through Status().ConsumerFault; teardown then continues with a fresh
// deadline. Calling StopPipeline while Idle is a
// no-op. Errors from stopping the providers are joined and returned.
func (c *Coordinator) StopPipeline(ctx context.Context) error {
	return c.stop(ctx, nil)
}

// stop implements StopPipeline. When only is non-nil the call is a no-op
// unless only is still the current run.
func (c *Coordinator) stop(ctx context.Context, only *run) (err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	r := c.run
	if c.state == StateIdle || r == nil || (only != nil && only != r) {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()
	c.stateChanged.Publish(struct{}{})

	ctx, span := observe.StartSpan(ctx, "pipeline.stop")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	// 1. No rollover may race the final hand-off.
	c.seg.Disarm()

	// 2+3. Seal and drain. Sealing waits for blocked writers, which only
	// make progress while the consumer runs, so it happens alongside the
	// drain wait.
	sealed := make(chan struct{})
	go func() {
		r.seal()
		close(sealed)
	}()
	select {
	case <-r.consumerDone:
	case <-ctx.Done():
		log.Warn("pipeline: drain timed out, discarding queued audio", "queued", len(r.queue))
		r.cancel()
		c.awaitConsumer(ctx, r)
	}
	<-sealed
	if n := len(r.queue); n > 0 {
		c.metrics.QueueDepth.Add(ctx, int64(-n))
	}

	// 4.
	r.cancel()
	if r.reconnect != nil {
		r.reconnect.stop()
	}

	// 5.
	r.unsubscribe()

	// 6.
	c.mu.Lock()
	agg := c.agg
	c.agg = nil
	c.run = nil
	c.mu.Unlock()
	if agg != nil && agg.Len() > 0 {
		if conv, ferr := agg.Finalize(); ferr == nil {
			c.metrics.RecordConversationCompleted(ctx, reasonStop)
			c.completed.Publish(conv)
		}
	}

	// 7. Teardown still runs when the drain used up ctx.
	stopCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
	}
	var errs []error
	if terr := c.tx.Stop(stopCtx); terr != nil {
		errs = append(errs, fmt.Errorf("pipeline: stop transcription: %w", terr))
	}
	if derr := c.dev.Disconnect(); derr != nil {
		errs = append(errs, fmt.Errorf("pipeline: disconnect device: %w", derr))
	}

	c.setState(StateIdle)
	c.metrics.ActivePipelines.Add(ctx, -1)
	log.Info("pipeline stopped", "errors", len(errs))
	c.publishNotify(SeverityInfo, "Pipeline stopped")
	c.stateChanged.Publish(struct{}{})
	return errors.Join(errs...)
}

// awaitConsumer waits up to consumerGrace for the consumer to notice the
// cancelled run. A consumer stuck in a provider that ignores cancellation is
// abandoned and recorded as a fault; stopping the provider releases it.
func (c *Coordinator) awaitConsumer(ctx context.Context, r *run) {
	t := time.NewTimer(consumerGrace)
	defer t.Stop()
	select {
	case <-r.consumerDone:
		return
	case <-t.C:
	}

	msg := fmt.Sprintf("transcription did not return within %s of cancellation", consumerGrace)
	observe.Logger(ctx).Error("pipeline: abandoning consumer", "grace", consumerGrace)
	c.mu.Lock()
	c.fault = msg
	c.mu.Unlock()
	c.metrics.RecordProviderError(context.WithoutCancel(ctx), "transcription", "process_chunk")
	c.publishNotify(SeverityWarning, "Transcription is unresponsive: "+msg)
}

// ---- consumer ----

// consume forwards queued chunks to the transcription provider until the
// queue is closed and drained or the run is cancelled. The first failure
// ends the loop for good.
func (c *Coordinator) consume(r *run) {
	defer close(r.consumerDone)
	for {
		// An abandoned consumer must not touch the queue again.
		if r.ctx.Err() != nil {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case chunk, ok := <-r.queue:
			if !ok {
				return
			}
			c.metrics.QueueDepth.Add(r.ctx, -1)
			err := c.process(r.ctx, chunk)
			if err == nil {
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.fault = err.Error()
			c.mu.Unlock()
			slog.Error("pipeline: consumer stopped", "err", err)
			c.metrics.RecordProviderError(context.Background(), "transcription", "process_chunk")
			c.publishNotify(SeverityError, fmt.Sprintf("Transcription failed, audio is no longer processed: %v", err))
			c.stateChanged.Publish(struct{}{})
			return
		}
	}
}

// process hands one chunk to the transcription provider, converting a
// panic into an error.
func (c *Coordinator) process(ctx context.Context, chunk []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline: transcription panicked: %v", p)
		}
	}()
	begin := time.Now()
	err = c.tx.ProcessChunk(ctx, chunk)
	c.metrics.ChunkDuration.Record(ctx, time.Since(begin).Seconds())
	return err
}

// ---- callbacks ----

func (c *Coordinator) ingress(r *run) func([]byte) {
	return func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		if reason := r.enqueue(chunk); reason != "" {
			slog.Debug("pipeline: dropping audio chunk", "reason", reason, "bytes", len(chunk))
			c.metrics.RecordDroppedChunk(context.Background(), reason)
			return
		}
		c.metrics.ChunksEnqueued.Add(r.ctx, 1)
		c.metrics.QueueDepth.Add(r.ctx, 1)
	}
}

func (c *Coordinator) final(r *run) func(transcription.Entry) {
	return func(e transcription.Entry) {
		c.mu.Lock()
		if c.run != r || c.agg == nil {
			c.mu.Unlock()
			return
		}
		err := c.agg.AppendFinal(e)
		c.mu.Unlock()
		if err != nil {
			slog.Debug("pipeline: final entry rejected", "err", err)
			return
		}
		c.metrics.RecordTranscript(r.ctx, "final")
		c.stateChanged.Publish(struct{}{})
		c.seg.Rearm()
	}
}

func (c *Coordinator) interim(r *run) func(transcription.Entry) {
	return func(e transcription.Entry) {
		c.mu.Lock()
		if c.run != r || c.agg == nil {
			c.mu.Unlock()
			return
		}
		err := c.agg.SetInterim(e)
		c.mu.Unlock()
		if err != nil {
			return
		}
		c.metrics.RecordTranscript(r.ctx, "interim")
		c.stateChanged.Publish(struct{}{})
	}
}

func (c *Coordinator) connectionLost(r *run) func(string) {
	return func(reason string) {
		c.publishNotify(SeverityWarning, "Device connection lost: "+reason)
		switch c.cfg.LossPolicy {
		case LossPolicyStop:
			c.stopInBackground(r)
		case LossPolicyReconnect:
			if r.reconnect != nil {
				r.reconnect.notifyDisconnect()
			}
		}
	}
}

func (c *Coordinator) disconnected(r *run) func(string) {
	return func(reason string) {
		c.publishNotify(SeverityWarning, "Device disconnected: "+reason)
		if c.cfg.LossPolicy == LossPolicyStop {
			c.stopInBackground(r)
		}
	}
}

func (c *Coordinator) stopInBackground(r *run) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()
		if err := c.stop(ctx, r); err != nil {
			slog.Error("pipeline: stop after connection loss", "err", err)
		}
	}()
}

// rollover runs when the inactivity countdown elapses. A non-empty
// conversation is handed off and replaced with a fresh one; an empty one is
// left alone.
func (c *Coordinator) rollover() {
	c.mu.Lock()
	if c.state != StateActive || c.agg == nil || c.agg.Len() == 0 {
		c.mu.Unlock()
		return
	}
	conv, err := c.agg.Finalize()
	c.agg = conversation.New(c.now())
	c.mu.Unlock()
	if err != nil {
		return
	}

	slog.Info("pipeline: conversation closed after inactivity",
		"conversation_id", conv.ID,
		"entries", len(conv.Transcript),
	)
	c.metrics.RecordConversationCompleted(context.Background(), reasonInactivity)
	c.completed.Publish(conv)
	c.stateChanged.Publish(struct{}{})
}

// ---- helpers ----

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) publishNotify(sev Severity, msg string) {
	c.metrics.RecordNotification(context.Background(), sev.String())
	c.notify.Publish(Notification{Message: msg, Severity: sev, Time: c.now()})
}
