package orchestrate

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/internal/telemetry"
	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/metrics"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// HeartbeatStatus reports a session's heartbeat health.
type HeartbeatStatus string

const (
	HeartbeatHealthy  HeartbeatStatus = "healthy"
	HeartbeatWarning  HeartbeatStatus = "warning"
	HeartbeatFailed   HeartbeatStatus = "failed"
	HeartbeatDisabled HeartbeatStatus = "disabled"
	HeartbeatStopped  HeartbeatStatus = "stopped"
)

// OnTimeoutAction selects what the heartbeat scheduler does once
// consecutive failures reach MaxFailures.
type OnTimeoutAction string

const (
	ActionWarn      OnTimeoutAction = "warn"
	ActionReconnect OnTimeoutAction = "reconnect"
	ActionAbort     OnTimeoutAction = "abort"
)

// OnTimeout configures heartbeat failure handling.
type OnTimeout struct {
	MaxFailures int
	Action      OnTimeoutAction
	Rebootstrap bool
}

// HeartbeatMessage builds the wire bytes for a heartbeat send: either a
// data-model-driven message via Codec, or a fixed Raw payload.
type HeartbeatMessage struct {
	Codec *codec.Codec // nil when Raw is used
	Raw   []byte
}

// HeartbeatConfig is a session's heartbeat policy, declared by the plugin.
type HeartbeatConfig struct {
	Enabled bool

	IntervalMs          int
	IntervalFromContext string // if set, overrides IntervalMs by reading this context key
	JitterMs            int

	Message HeartbeatMessage

	ExpectResponse   bool
	ResponseTimeout  time.Duration
	ExpectedResponse []byte // response must start with this, if set

	OnTimeout OnTimeout
	StageName string // connection_id key used for managed transport lookup
}

// HeartbeatState is the runtime state of one session's heartbeat task.
type HeartbeatState struct {
	SessionID string
	Status    HeartbeatStatus
	LastSent  time.Time
	LastAck   time.Time
	Failures  int
	TotalSent int
	TotalAcks int
	Interval  time.Duration

	stop chan struct{}
	done chan struct{}
}

// ReconnectCallback is notified after a heartbeat-triggered reconnect,
// carrying the rebootstrap intent so the orchestrator can re-run bootstrap
// stages. May be nil.
type ReconnectCallback func(sessionID string, rebootstrap bool)

// HeartbeatScheduler runs one background heartbeat loop per session,
// sending through the connection manager so heartbeat traffic can never
// interleave with fuzz-loop traffic on the same socket.
type HeartbeatScheduler struct {
	manager  *transport.Manager
	onReconn ReconnectCallback

	// spanCtx carries the Go tracing context heartbeat-tick spans are
	// parented to.
	spanCtx context.Context
	metrics *metrics.Fuzzing

	mu     sync.Mutex
	states map[string]*HeartbeatState
}

// SetMetrics attaches the process-wide Prometheus collectors heartbeat
// outcomes are reported against. A nil *metrics.Fuzzing (the default) makes
// every recording a no-op.
func (s *HeartbeatScheduler) SetMetrics(m *metrics.Fuzzing) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// NewHeartbeatScheduler returns a scheduler coordinating sends through
// manager. callback, if non-nil, is invoked after every heartbeat-triggered
// reconnect.
func NewHeartbeatScheduler(manager *transport.Manager, callback ReconnectCallback) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		manager:  manager,
		onReconn: callback,
		spanCtx:  context.Background(),
		states:   make(map[string]*HeartbeatState),
	}
}

// SetContext installs the Go tracing context heartbeat spans are parented to.
func (s *HeartbeatScheduler) SetContext(ctx context.Context) {
	s.mu.Lock()
	s.spanCtx = ctx
	s.mu.Unlock()
}

func (s *HeartbeatScheduler) tracingContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spanCtx == nil {
		return context.Background()
	}
	return s.spanCtx
}

// Start begins the heartbeat loop for a session. A no-op if cfg.Enabled is
// false. Restarts (stopping any existing loop first) if called again for
// the same session.
func (s *HeartbeatScheduler) Start(sessionID string, cfg HeartbeatConfig, ctx *Context) {
	if !cfg.Enabled {
		logger.Debug("heartbeat disabled", "session_id", sessionID)
		return
	}

	s.Stop(sessionID)

	interval := s.interval(cfg, ctx)
	state := &HeartbeatState{
		SessionID: sessionID,
		Status:    HeartbeatHealthy,
		Interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.states[sessionID] = state
	s.mu.Unlock()

	go s.loop(sessionID, cfg, ctx, state)

	logger.Info("heartbeat started", "session_id", sessionID, "interval_ms", interval.Milliseconds(), "jitter_ms", cfg.JitterMs)
}

// Stop signals and waits for a session's heartbeat loop to exit.
func (s *HeartbeatScheduler) Stop(sessionID string) {
	s.mu.Lock()
	state, ok := s.states[sessionID]
	if ok {
		delete(s.states, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	state.Status = HeartbeatStopped
	close(state.stop)
	<-state.done

	logger.Info("heartbeat stopped", "session_id", sessionID, "total_sent", state.TotalSent, "total_acks", state.TotalAcks)
}

// StopAll stops every running heartbeat loop.
func (s *HeartbeatScheduler) StopAll() {
	s.mu.Lock()
	sessionIDs := make([]string, 0, len(s.states))
	for id := range s.states {
		sessionIDs = append(sessionIDs, id)
	}
	s.mu.Unlock()

	for _, id := range sessionIDs {
		s.Stop(id)
	}
}

// Status returns a snapshot of a session's heartbeat state, and whether one
// exists.
func (s *HeartbeatScheduler) Status(sessionID string) (HeartbeatState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[sessionID]
	if !ok {
		return HeartbeatState{}, false
	}
	return *state, true
}

// IsRunning reports whether a session currently has an active heartbeat
// loop. A loop that aborted or exited on its own (rather than via Stop)
// still has a state entry but reports not running.
func (s *HeartbeatScheduler) IsRunning(sessionID string) bool {
	s.mu.Lock()
	state, ok := s.states[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-state.done:
		return false
	default:
		return true
	}
}

// ResetFailures clears a session's failure count, e.g. after an external
// reconnect succeeded.
func (s *HeartbeatScheduler) ResetFailures(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[sessionID]; ok {
		state.Failures = 0
		state.Status = HeartbeatHealthy
	}
}

func (s *HeartbeatScheduler) loop(sessionID string, cfg HeartbeatConfig, ctx *Context, state *HeartbeatState) {
	defer close(state.done)

	for {
		interval := s.interval(cfg, ctx)
		wait := jitterDuration(interval, cfg.JitterMs)

		select {
		case <-state.stop:
			return
		case <-time.After(wait):
		}

		if s.tick(sessionID, cfg, ctx, state) {
			return
		}
	}
}

// tick runs one heartbeat send/check cycle, wrapped in its own span so a
// long-lived session's heartbeat history shows up as discrete ticks rather
// than one unbounded span for the whole loop. Returns true if the loop
// should exit.
func (s *HeartbeatScheduler) tick(sessionID string, cfg HeartbeatConfig, ctx *Context, state *HeartbeatState) bool {
	spanCtx, span := telemetry.StartSpan(s.tracingContext(), telemetry.SpanHeartbeatTick,
		trace.WithAttributes(telemetry.SessionID(sessionID)))
	defer span.End()

	message, err := buildHeartbeatMessage(cfg.Message, ctx)
	if err != nil {
		logger.Error("heartbeat build failed", "session_id", sessionID, "error", err)
		telemetry.RecordError(spanCtx, err)
		s.metrics.IncHeartbeat(sessionID, "build_error")
		return s.handleFailure(sessionID, cfg, state)
	}

	response, err := s.send(sessionID, cfg, message)
	if err != nil {
		logger.Warn("heartbeat send failed", "session_id", sessionID, "error", err)
		telemetry.RecordError(spanCtx, err)
		s.metrics.IncHeartbeat(sessionID, "send_error")
		return s.handleFailure(sessionID, cfg, state)
	}

	telemetry.SetAttributes(spanCtx, telemetry.ResponseSize(len(response)))

	state.LastSent = time.Now()
	state.TotalSent++

	if cfg.ExpectResponse {
		if isValidHeartbeatResponse(response, cfg.ExpectedResponse) {
			state.LastAck = time.Now()
			state.TotalAcks++
			state.Failures = 0
			state.Status = HeartbeatHealthy
			telemetry.AddEvent(spanCtx, "heartbeat.acked")
			s.metrics.IncHeartbeat(sessionID, "ok")
			return false
		}
		s.metrics.IncHeartbeat(sessionID, "invalid_response")
		return s.handleFailure(sessionID, cfg, state)
	}

	state.Failures = 0
	state.Status = HeartbeatHealthy
	s.metrics.IncHeartbeat(sessionID, "ok")
	return false
}

// handleFailure increments the failure count and, once MaxFailures is
// reached, applies the configured action. Returns true if the loop should
// exit (abort, or a reconnect that itself failed).
func (s *HeartbeatScheduler) handleFailure(sessionID string, cfg HeartbeatConfig, state *HeartbeatState) bool {
	state.Failures++

	maxFailures := cfg.OnTimeout.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	if state.Failures < maxFailures {
		state.Status = HeartbeatWarning
		return false
	}

	state.Status = HeartbeatFailed

	switch cfg.OnTimeout.Action {
	case ActionAbort:
		abortErr := &HeartbeatAbortError{SessionID: sessionID, Failures: state.Failures, Reason: "max failures reached"}
		logger.Error("heartbeat aborted", "session_id", sessionID, "failures", state.Failures, "error", abortErr)
		return true

	case ActionReconnect:
		rebootstrap := cfg.OnTimeout.Rebootstrap
		if s.manager == nil {
			logger.Error("heartbeat reconnect requested with no connection manager", "session_id", sessionID)
			return true
		}
		if _, err := s.manager.Reconnect(sessionID, cfg.StageName, rebootstrap); err != nil {
			logger.Error("heartbeat reconnect failed", "session_id", sessionID, "error", err)
			return true
		}
		state.Failures = 0
		state.Status = HeartbeatHealthy
		if s.onReconn != nil {
			s.onReconn(sessionID, rebootstrap)
		}
		logger.Info("heartbeat triggered reconnect", "session_id", sessionID, "rebootstrap", rebootstrap)
		return false

	default: // "warn"
		return false
	}
}

func (s *HeartbeatScheduler) send(sessionID string, cfg HeartbeatConfig, message []byte) ([]byte, error) {
	if s.manager == nil {
		return nil, &transport.TransportError{Reason: "no connection manager configured for heartbeat"}
	}
	t, _, err := s.manager.GetTransport(sessionID, cfg.StageName)
	if err != nil {
		return nil, err
	}
	return t.SendAndReceive(message, cfg.ResponseTimeout)
}

func (s *HeartbeatScheduler) interval(cfg HeartbeatConfig, ctx *Context) time.Duration {
	if cfg.IntervalFromContext != "" && ctx != nil {
		if v, ok := ctx.Get(cfg.IntervalFromContext); ok {
			if iv, ok := toComparableUint(v); ok {
				return time.Duration(iv) * time.Millisecond
			}
		}
	}
	if cfg.IntervalMs > 0 {
		return time.Duration(cfg.IntervalMs) * time.Millisecond
	}
	return 30 * time.Second
}

// jitterDuration applies uniform jitter in [-jitterMs, +jitterMs] to
// interval, with a 100ms floor.
func jitterDuration(interval time.Duration, jitterMs int) time.Duration {
	if jitterMs <= 0 {
		return interval
	}
	jitter := time.Duration(rand.Intn(2*jitterMs+1)-jitterMs) * time.Millisecond
	wait := interval + jitter
	if wait < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return wait
}

func buildHeartbeatMessage(msg HeartbeatMessage, ctx *Context) ([]byte, error) {
	if msg.Codec != nil {
		return msg.Codec.Serialize(msg.Codec.BuildDefaultFields(), ctx)
	}
	if len(msg.Raw) > 0 {
		return msg.Raw, nil
	}
	return nil, &transport.TransportError{Reason: "heartbeat message configuration missing data_model or raw"}
}

func isValidHeartbeatResponse(response []byte, expected []byte) bool {
	if len(response) == 0 {
		return false
	}
	if len(expected) == 0 {
		return true
	}
	return bytes.HasPrefix(response, expected)
}
