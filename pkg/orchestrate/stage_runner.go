package orchestrate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/internal/telemetry"
	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// StageStatus tracks a declared stage's lifecycle for the control plane.
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageActive   StageStatus = "active"
	StageComplete StageStatus = "complete"
	StageFailed   StageStatus = "failed"
)

// RetryConfig controls a bootstrap stage's retry-with-backoff behavior.
type RetryConfig struct {
	MaxAttempts int
	BackoffMs   int
}

func (r RetryConfig) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 1
	}
	return r.MaxAttempts
}

func (r RetryConfig) backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// ExportSpec copies one response field into the context, under ContextKey,
// after running it through an optional transform pipeline.
type ExportSpec struct {
	ResponseField string
	ContextKey    string
	Transform     []codec.TransformOp
}

// Stage is one declared bootstrap or teardown step: a request to serialize
// and send, an optional response to validate and export fields from.
type Stage struct {
	Name string

	RequestCodec  *codec.Codec
	ResponseCodec *codec.Codec // nil when the stage expects no response body

	ConnectionMode transport.ConnectionMode
	Protocol       transport.Protocol
	Target         transport.Target
	Timeout        time.Duration

	MaxResponseBytes int
	ReadBufferSize   int

	Retry RetryConfig

	// Expect maps a parsed response field name to an expected value, or to
	// a []any meaning "any of these values".
	Expect map[string]any

	Exports []ExportSpec
}

// StageExecution is the record appended for one bootstrap or teardown
// attempt. Bootstrap/teardown executions use a negative sequence number so
// they never collide with fuzz executions (which start at 1).
type StageExecution struct {
	SequenceNumber  int64
	StageName       string
	SentAt          time.Time
	ReceivedAt      time.Time
	Payload         []byte
	Response        []byte
	Result          string // "ok" or "error"
	Error           string
	ContextSnapshot Snapshot
}

// HistoryRecorder receives stage executions as they complete.
type HistoryRecorder interface {
	Record(StageExecution)
}

// NopHistoryRecorder discards every execution; useful for tests and replay
// paths that don't persist bootstrap/teardown records.
type NopHistoryRecorder struct{}

func (NopHistoryRecorder) Record(StageExecution) {}

// StageRunner runs a session's bootstrap and teardown stages against the
// target, coordinating with the connection manager for session/per_stage
// transports and exporting captured response values into the context.
type StageRunner struct {
	sessionID string
	manager   *transport.Manager
	ctx       *Context
	history   HistoryRecorder

	// spanCtx carries the Go tracing context spans are opened against. It is
	// distinct from ctx above, which is the protocol/session context store.
	spanCtx context.Context

	mu       sync.Mutex
	statuses map[string]StageStatus
	nextSeq  int64 // next negative sequence number to assign; starts at -1
}

// NewStageRunner returns a runner for one session. manager may be nil if
// every stage uses ephemeral connections.
func NewStageRunner(sessionID string, manager *transport.Manager, ctx *Context, history HistoryRecorder) *StageRunner {
	if history == nil {
		history = NopHistoryRecorder{}
	}
	return &StageRunner{
		sessionID: sessionID,
		manager:   manager,
		ctx:       ctx,
		history:   history,
		spanCtx:   context.Background(),
		statuses:  make(map[string]StageStatus),
		nextSeq:   -1,
	}
}

// SetContext installs the Go tracing context stage spans are parented to.
func (r *StageRunner) SetContext(ctx context.Context) {
	r.mu.Lock()
	r.spanCtx = ctx
	r.mu.Unlock()
}

func (r *StageRunner) tracingContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spanCtx == nil {
		return context.Background()
	}
	return r.spanCtx
}

// StageStatus returns the last known status of a stage.
func (r *StageRunner) StageStatus(name string) StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[name]; ok {
		return s
	}
	return StagePending
}

func (r *StageRunner) setStatus(name string, status StageStatus) {
	r.mu.Lock()
	r.statuses[name] = status
	r.mu.Unlock()
}

func (r *StageRunner) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.nextSeq
	r.nextSeq--
	return seq
}

// RunBootstrapStages runs every stage in declared order. The first stage to
// fail (after its retries are exhausted) stops the sequence and its error
// is returned.
func (r *StageRunner) RunBootstrapStages(stages []Stage) error {
	for i := range stages {
		if err := r.runBootstrapStage(&stages[i]); err != nil {
			return err
		}
	}
	r.ctx.SetBootstrapComplete(true)
	return nil
}

// RerunStage re-executes a single bootstrap stage on demand (control-plane
// operation, only valid while the session is not running).
func (r *StageRunner) RerunStage(stage *Stage) error {
	return r.runBootstrapStage(stage)
}

func (r *StageRunner) runBootstrapStage(stage *Stage) error {
	r.setStatus(stage.Name, StageActive)

	retry := stage.Retry
	var lastErr error

	for attempt := 1; attempt <= retry.maxAttempts(); attempt++ {
		err := r.executeBootstrapAttempt(stage, attempt)
		if err == nil {
			r.setStatus(stage.Name, StageComplete)
			return nil
		}

		lastErr = err

		if _, ok := err.(*BootstrapValidationError); ok {
			r.setStatus(stage.Name, StageFailed)
			return err
		}

		if attempt < retry.maxAttempts() {
			logger.Warn("bootstrap stage attempt failed, retrying",
				"session_id", r.sessionID, "stage", stage.Name, "attempt", attempt, "error", err)
			time.Sleep(retry.backoff())
		}
	}

	r.setStatus(stage.Name, StageFailed)
	return lastErr
}

func (r *StageRunner) executeBootstrapAttempt(stage *Stage, attempt int) error {
	spanCtx, span := telemetry.StartStageSpan(r.tracingContext(), stage.Name, "bootstrap",
		telemetry.Attempt(attempt))
	defer span.End()

	seq := r.nextSequence()
	sentAt := time.Now()

	fields := stage.RequestCodec.BuildDefaultFields()
	payload, err := stage.RequestCodec.Serialize(fields, r.ctx)
	if err != nil {
		telemetry.RecordError(spanCtx, err)
		return r.recordFailure(stage, seq, sentAt, nil, &BootstrapError{Stage: stage.Name, Attempt: attempt, Reason: err.Error(), Err: err})
	}

	telemetry.SetAttributes(spanCtx, telemetry.PayloadSize(len(payload)))

	response, err := r.sendAndReceive(stage, payload)
	if err != nil {
		telemetry.RecordError(spanCtx, err)
		return r.recordFailure(stage, seq, sentAt, payload, &BootstrapError{Stage: stage.Name, Attempt: attempt, Reason: err.Error(), Err: err})
	}

	telemetry.SetAttributes(spanCtx, telemetry.ResponseSize(len(response)))

	var parsed *codec.ParseResult
	if stage.ResponseCodec != nil {
		parsed, err = stage.ResponseCodec.Parse(response)
		if err != nil {
			telemetry.RecordError(spanCtx, err)
			return r.recordFailure(stage, seq, sentAt, payload, &BootstrapError{Stage: stage.Name, Attempt: attempt, Reason: "response parse failed: " + err.Error(), Err: err})
		}

		if err := validateExpect(stage.Name, stage.Expect, parsed.Fields); err != nil {
			telemetry.RecordError(spanCtx, err)
			return r.recordFailure(stage, seq, sentAt, payload, err)
		}

		r.applyExports(stage, parsed.Fields)
	}

	r.history.Record(StageExecution{
		SequenceNumber:  seq,
		StageName:       stage.Name,
		SentAt:          sentAt,
		ReceivedAt:      time.Now(),
		Payload:         payload,
		Response:        response,
		Result:          "ok",
		ContextSnapshot: r.ctx.Snapshot(nil, nil, 65536),
	})
	return nil
}

func (r *StageRunner) recordFailure(stage *Stage, seq int64, sentAt time.Time, payload []byte, err error) error {
	r.history.Record(StageExecution{
		SequenceNumber:  seq,
		StageName:       stage.Name,
		SentAt:          sentAt,
		ReceivedAt:      time.Now(),
		Payload:         payload,
		Result:          "error",
		Error:           err.Error(),
		ContextSnapshot: r.ctx.Snapshot(nil, nil, 65536),
	})
	return err
}

func (r *StageRunner) sendAndReceive(stage *Stage, payload []byte) ([]byte, error) {
	useManaged := r.manager != nil &&
		(stage.ConnectionMode == transport.ModeSession || stage.ConnectionMode == transport.ModePerStage)

	if useManaged {
		t, _, err := r.manager.GetTransport(r.sessionID, stage.Name)
		if err != nil {
			return nil, err
		}
		return t.SendAndReceive(payload, stage.Timeout)
	}

	return transport.SendAndReceive(transport.EphemeralConfig{
		Target:           stage.Target,
		Protocol:         stage.Protocol,
		Timeout:          stage.Timeout,
		MaxResponseBytes: stage.MaxResponseBytes,
		ReadBufferSize:   stage.ReadBufferSize,
	}, payload)
}

// validateExpect checks every declared expect entry against the parsed
// response fields. A list expectation means "any of these values".
func validateExpect(stageName string, expect map[string]any, fields map[string]any) error {
	for field, expected := range expect {
		actual := fields[field]

		if list, ok := expected.([]any); ok {
			matched := false
			for _, want := range list {
				if valuesEqual(actual, want) {
					matched = true
					break
				}
			}
			if !matched {
				return &BootstrapValidationError{Stage: stageName, Field: field, Expected: expected, Actual: actual}
			}
			continue
		}

		if !valuesEqual(actual, expected) {
			return &BootstrapValidationError{Stage: stageName, Field: field, Expected: expected, Actual: actual}
		}
	}
	return nil
}

// valuesEqual compares parsed integer fields (always uint64 in our codec)
// against expectations that may be declared as any Go integer literal.
func valuesEqual(actual, expected any) bool {
	if actual == expected {
		return true
	}
	au, aok := toComparableUint(actual)
	eu, eok := toComparableUint(expected)
	if aok && eok {
		return au == eu
	}
	return false
}

func toComparableUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case int:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int32:
		return uint64(n), true
	default:
		return 0, false
	}
}

// applyExports extracts each declared export field out of the parsed
// response (dotted paths allowed for nested fields) and stores the
// (optionally transformed) value under its context key. A missing field is
// logged but never fails the stage.
func (r *StageRunner) applyExports(stage *Stage, fields map[string]any) {
	for _, export := range stage.Exports {
		value, ok := extractDotted(fields, export.ResponseField)
		if !ok {
			logger.Warn("bootstrap export field not captured",
				"session_id", r.sessionID, "stage", stage.Name, "field", export.ResponseField)
			continue
		}

		if len(export.Transform) > 0 {
			if iv, ok := toComparableUint(value); ok {
				value = codec.ApplyTransforms(iv, export.Transform)
			}
		}

		r.ctx.Set(export.ContextKey, value)
	}
}

// extractDotted resolves a dotted field path against a flat field map,
// descending into nested map[string]any values for each extra path
// component.
func extractDotted(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")

	value, ok := fields[parts[0]]
	if !ok {
		return nil, false
	}

	for _, part := range parts[1:] {
		nested, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = nested[part]
		if !ok {
			return nil, false
		}
	}

	return value, true
}

// RunTeardownStages runs every teardown stage in declared order, best
// effort: a failure is collected into the returned slice but never stops
// the remaining stages from running.
func (r *StageRunner) RunTeardownStages(stages []Stage) []error {
	var errs []error
	for i := range stages {
		if err := r.runTeardownStage(&stages[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *StageRunner) runTeardownStage(stage *Stage) error {
	spanCtx, span := telemetry.StartStageSpan(r.tracingContext(), stage.Name, "teardown")
	defer span.End()

	r.setStatus(stage.Name, StageActive)
	seq := r.nextSequence()
	sentAt := time.Now()

	fields := stage.RequestCodec.BuildDefaultFields()
	payload, err := stage.RequestCodec.Serialize(fields, r.ctx)
	if err != nil {
		telemetry.RecordError(spanCtx, err)
		r.setStatus(stage.Name, StageFailed)
		return r.recordFailure(stage, seq, sentAt, nil, &BootstrapError{Stage: stage.Name, Attempt: 1, Reason: err.Error(), Err: err})
	}

	telemetry.SetAttributes(spanCtx, telemetry.PayloadSize(len(payload)))

	response, err := r.sendAndReceive(stage, payload)
	if err != nil {
		telemetry.RecordError(spanCtx, err)
		r.setStatus(stage.Name, StageFailed)
		logger.Warn("teardown stage failed", "session_id", r.sessionID, "stage", stage.Name, "error", err)
		return r.recordFailure(stage, seq, sentAt, payload, &BootstrapError{Stage: stage.Name, Attempt: 1, Reason: err.Error(), Err: err})
	}

	telemetry.SetAttributes(spanCtx, telemetry.ResponseSize(len(response)))

	r.history.Record(StageExecution{
		SequenceNumber:  seq,
		StageName:       stage.Name,
		SentAt:          sentAt,
		ReceivedAt:      time.Now(),
		Payload:         payload,
		Response:        response,
		Result:          "ok",
		ContextSnapshot: r.ctx.Snapshot(nil, nil, 65536),
	})
	r.setStatus(stage.Name, StageComplete)
	return nil
}
