// Package api serves the HTTP control and status surface of earshot.
//
// Routes:
//
//	GET  /api/status              pipeline status and STT engine health
//	GET  /api/conversation        snapshot of the conversation in progress
//	GET  /api/conversations       recent stored conversations (?limit=)
//	GET  /api/conversations/{id}  one stored conversation
//	POST /api/pipeline/start      start capture and transcription
//	POST /api/pipeline/stop       stop and hand off the current conversation
//	GET  /api/events              websocket stream of state and notifications
//	GET  /metrics                 Prometheus exposition
//	GET  /healthz, /readyz        liveness and readiness
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/conversation"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/store"
)

const (
	defaultListLimit   = 20
	maxListLimit       = 100
	defaultStopTimeout = 30 * time.Second
)

// Pipeline is the part of [pipeline.Coordinator] the server drives.
type Pipeline interface {
	State() pipeline.State
	Status() pipeline.Status
	Snapshot() conversation.Conversation
	StartPipeline(ctx context.Context) error
	StopPipeline(ctx context.Context) error
	OnStateChanged(fn func()) (unsubscribe func())
	OnNotify(fn func(pipeline.Notification)) (unsubscribe func())
}

var _ Pipeline = (*pipeline.Coordinator)(nil)

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithStore enables the /api/conversations routes.
func WithStore(s store.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithSTTHealth reports the circuit breaker state of each STT engine in
// /api/status.
func WithSTTHealth(fn func() []resilience.EntryHealth) Option {
	return func(srv *Server) { srv.sttHealth = fn }
}

// WithMetrics sets the metrics recorded by the request middleware. Defaults
// to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithStopTimeout bounds POST /api/pipeline/stop, which outlives the request
// context so a disconnecting client cannot abort the drain. Default 30s.
func WithStopTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.stopTimeout = d }
}

// Server routes HTTP requests to the pipeline and the conversation store.
type Server struct {
	pipeline       Pipeline
	store          store.Store
	health         *health.Handler
	sttHealth      func() []resilience.EntryHealth
	metrics        *observe.Metrics
	metricsHandler http.Handler
	stopTimeout    time.Duration
	handler        http.Handler
}

// New creates a Server for p.
func New(p Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline:    p,
		stopTimeout: defaultStopTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/conversation", s.handleCurrent)
	mux.HandleFunc("POST /api/pipeline/start", s.handleStart)
	mux.HandleFunc("POST /api/pipeline/stop", s.handleStop)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.store != nil {
		mux.HandleFunc("GET /api/conversations", s.handleList)
		mux.HandleFunc("GET /api/conversations/{id}", s.handleGet)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", s.metricsHandler)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler with request middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Pipeline pipeline.Status          `json:"pipeline"`
	STT      []resilience.EntryHealth `json:"stt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Pipeline: s.pipeline.Status()}
	if s.sttHealth != nil {
		resp.STT = s.sttHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.pipeline.StartPipeline(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		observe.Logger(r.Context()).Error("api: start pipeline", "err", err)
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, s.pipeline.Status())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.stopTimeout)
	defer cancel()

	if err := s.pipeline.StopPipeline(ctx); err != nil {
		// The pipeline is Idle regardless; the error only reports provider
		// teardown failures.
		observe.Logger(r.Context()).Warn("api: stop pipeline", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("api: limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	summaries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: list conversations", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		observe.Logger(r.Context()).Error("api: get conversation", "err", err, "id", r.PathValue("id"))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
