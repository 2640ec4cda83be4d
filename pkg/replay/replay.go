// Package replay reconstructs a session's state and re-sends its recorded
// executions, for reproducing a crash or hang outside of a live fuzzing
// loop. Three modes trade off fidelity against convenience: fresh re-runs
// bootstrap to refresh connection-bound tokens, stored replays verbatim
// bytes against a context restored from history, and skip assumes the
// target is already in the right state.
package replay

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/orchestrate"
	"github.com/protofuzz/protofuzz/pkg/plugin"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// Mode selects how replay reconstructs connection state and context before
// sending.
type Mode string

const (
	// ModeFresh re-runs bootstrap stages against a freshly registered replay
	// transport and re-serializes each execution's parsed fields against the
	// refreshed context. Falls back to the historical bytes when an
	// execution carries no parsed fields.
	ModeFresh Mode = "fresh"
	// ModeStored replays the exact historical bytes over an isolated
	// transport, restoring context from the first execution's snapshot.
	ModeStored Mode = "stored"
	// ModeSkip is ModeStored without context restoration, for ad hoc
	// reproduction against a target the caller has already prepared.
	ModeSkip Mode = "skip"
)

// Result is the outcome of replaying one execution.
type Result struct {
	OriginalSequence int64
	Status           string // "success", "timeout", "error"
	ResponsePreview  string // first 100 response bytes, hex-encoded
	Error            string
	DurationMs       float64
	MatchedOriginal  bool
}

// Response is the outcome of a ReplayUpTo run.
type Response struct {
	ReplayedCount int
	SkippedCount  int // bootstrap/teardown executions skipped
	Results       []Result
	ContextAfter  map[string]any
	Warnings      []string
	DurationMs    float64
}

// HistoryReader is the read side of an execution history store that replay
// depends on. pkg/store's ExecutionHistoryStore satisfies this.
type HistoryReader interface {
	ListForReplay(ctx context.Context, upToSequence int64) ([]session.ExecutionRecord, error)
	FindBySequence(ctx context.Context, sequence int64) (*session.ExecutionRecord, error)
}

// PluginSource loads a protocol plugin bundle by name. pkg/plugin's Loader
// satisfies this.
type PluginSource interface {
	Load(name string) (*plugin.Loaded, error)
}

// Executor replays a session's recorded executions. It always owns the
// transport it replays over: a fresh connection is opened per replay call
// and closed when the call returns, so a concurrent live session's
// connection is never touched.
type Executor struct {
	Plugins          PluginSource
	Manager          *transport.Manager
	History          HistoryReader
	MaxResponseBytes int
	ReadBufferSize   int
}

// NewExecutor returns a replay executor. manager may be nil; fresh-mode
// bootstrap then runs over ephemeral per-stage connections instead of
// sharing the replay transport, which breaks connection-bound tokens but
// still replays.
func NewExecutor(plugins PluginSource, manager *transport.Manager, history HistoryReader, maxResponseBytes, readBufferSize int) *Executor {
	return &Executor{
		Plugins:          plugins,
		Manager:          manager,
		History:          history,
		MaxResponseBytes: maxResponseBytes,
		ReadBufferSize:   readBufferSize,
	}
}

// ReplayUpTo replays every fuzz-target execution from sequence 1 through
// targetSequence (bootstrap/teardown rows are skipped; see Mode for how
// context and connection state are reconstructed first).
func (e *Executor) ReplayUpTo(ctx context.Context, sess *session.Session, targetSequence int64, mode Mode, delayMs int, stopOnError bool) (Response, error) {
	start := time.Now()
	var warnings []string

	executions, err := e.History.ListForReplay(ctx, targetSequence)
	if err != nil {
		return Response{}, &Error{SessionID: sess.ID, Reason: "load execution history failed", Err: err}
	}
	if len(executions) == 0 {
		return Response{}, &Error{SessionID: sess.ID, Reason: "no executions found in history"}
	}

	if first := executions[0].SequenceNumber; first != 1 {
		warnings = append(warnings, fmt.Sprintf(
			"history does not start at sequence 1 (starts at %d); replay may fail if early messages are required", first))
	}
	if last := executions[len(executions)-1].SequenceNumber; last < targetSequence {
		warnings = append(warnings, fmt.Sprintf(
			"requested replay up to %d but history only contains up to %d; replaying available range", targetSequence, last))
	}

	var loaded *plugin.Loaded
	if sess.Config.PluginName != "" && e.Plugins != nil {
		loaded, err = e.Plugins.Load(sess.Config.PluginName)
		if err != nil {
			return Response{}, &Error{SessionID: sess.ID, Reason: "plugin not found: " + sess.Config.PluginName, Err: err}
		}
	}

	var fuzzStage *plugin.StageSpec
	if loaded != nil {
		fuzzStage, _ = loaded.Bundle.FuzzTargetStage()
	}

	replayTransport, err := e.openTransport(sess)
	if err != nil {
		return Response{}, &Error{SessionID: sess.ID, Reason: "open replay transport failed", Err: err}
	}
	defer replayTransport.Close()

	fuzzCtx := orchestrate.NewContext()

	switch mode {
	case ModeFresh:
		if e.Manager != nil {
			e.Manager.RegisterReplayTransport(sess.ID, replayTransport)
			defer e.Manager.UnregisterReplayTransport(sess.ID)
		}
		if loaded != nil {
			if err := e.runBootstrap(sess, loaded.Bundle, fuzzCtx); err != nil {
				return Response{}, &Error{SessionID: sess.ID, Reason: "bootstrap replay failed", Err: err}
			}
		}
	case ModeStored:
		if len(executions[0].ContextSnapshot) > 0 {
			fuzzCtx.Restore(orchestrate.Snapshot{Values: executions[0].ContextSnapshot})
		} else {
			warnings = append(warnings, "first execution has no context snapshot; replay may fail if the protocol requires context values")
		}
	case ModeSkip:
		// no bootstrap, no context restore: the target is assumed ready.
	}

	var requestCodec *codec.Codec
	if mode == ModeFresh && fuzzStage != nil {
		if model, ok := loaded.Bundle.Model(fuzzStage.RequestModel); ok {
			requestCodec = codec.New(model)
		}
	}

	fuzzStageName := ""
	if fuzzStage != nil {
		fuzzStageName = fuzzStage.Name
	}

	var results []Result
	skipped := 0

	for _, exec := range executions {
		if exec.StageName != "" && fuzzStageName != "" && exec.StageName != fuzzStageName {
			skipped++
			logger.Debug("replay skipping non fuzz-target stage",
				"session_id", sess.ID, "stage", exec.StageName, "fuzz_stage", fuzzStageName, "sequence", exec.SequenceNumber)
			continue
		}

		result := e.replaySingle(replayTransport, exec, fuzzCtx, requestCodec, mode, sess.Config.TimeoutPerTestMs)
		results = append(results, result)

		if stopOnError && result.Status == "error" {
			break
		}
		if delayMs > 0 {
			time.Sleep(time.Duration(delayMs) * time.Millisecond)
		}
	}

	return Response{
		ReplayedCount: len(results),
		SkippedCount:  skipped,
		Results:       results,
		ContextAfter:  fuzzCtx.Snapshot(nil, nil, 0).Values,
		Warnings:      warnings,
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

// ReplaySingle replays one execution by sequence number, without touching
// bootstrap stages. Intended for ad hoc reproduction of a single recorded
// message; stateful protocols may reject it if the target isn't already in
// the expected state.
func (e *Executor) ReplaySingle(ctx context.Context, sess *session.Session, sequenceNumber int64, mode Mode) (Result, error) {
	exec, err := e.History.FindBySequence(ctx, sequenceNumber)
	if err != nil {
		return Result{OriginalSequence: sequenceNumber, Status: "error", Error: err.Error()}, nil
	}

	replayTransport, err := e.openTransport(sess)
	if err != nil {
		return Result{}, &Error{SessionID: sess.ID, Reason: "open replay transport failed", Err: err}
	}
	defer replayTransport.Close()

	fuzzCtx := orchestrate.NewContext()
	if len(exec.ContextSnapshot) > 0 {
		fuzzCtx.Restore(orchestrate.Snapshot{Values: exec.ContextSnapshot})
	}

	return e.replaySingle(replayTransport, *exec, fuzzCtx, nil, mode, sess.Config.TimeoutPerTestMs), nil
}

func (e *Executor) openTransport(sess *session.Session) (*transport.Managed, error) {
	m := transport.NewManaged(transport.ManagedConfig{
		Target:           sess.Config.Target,
		Timeout:          sess.Config.Timeout,
		MaxResponseBytes: e.MaxResponseBytes,
		ReadBufferSize:   e.ReadBufferSize,
	})
	if err := m.Connect(); err != nil {
		return nil, err
	}
	return m, nil
}

// runBootstrap runs every bootstrap stage against the session's (now
// manager-resolved) replay transport, so connection-bound tokens exported
// by bootstrap land in fuzzCtx before any fuzz-target execution replays.
// Every bootstrap stage is forced to ModeSession so stage_runner's managed
// path asks the manager for a transport, which returns the registered
// replay transport ahead of its normal cache lookup.
func (e *Executor) runBootstrap(sess *session.Session, bundle *plugin.Bundle, fuzzCtx *orchestrate.Context) error {
	bootstrapSpecs := bundle.BootstrapStages()
	if len(bootstrapSpecs) == 0 {
		return nil
	}

	stages := make([]orchestrate.Stage, 0, len(bootstrapSpecs))
	for _, spec := range bootstrapSpecs {
		stage := toStage(bundle, spec, sess.Config.Target, e.MaxResponseBytes, e.ReadBufferSize)
		stage.ConnectionMode = transport.ModeSession
		stages = append(stages, stage)
	}

	runner := orchestrate.NewStageRunner(sess.ID, e.Manager, fuzzCtx, orchestrate.NopHistoryRecorder{})
	return runner.RunBootstrapStages(stages)
}

func (e *Executor) replaySingle(t *transport.Managed, exec session.ExecutionRecord, ctx *orchestrate.Context, requestCodec *codec.Codec, mode Mode, timeoutMs int) Result {
	start := time.Now()

	payload := exec.Payload
	if mode == ModeFresh && requestCodec != nil && len(exec.ParsedFields) > 0 {
		if serialized, err := requestCodec.Serialize(exec.ParsedFields, ctx); err == nil {
			payload = serialized
		} else {
			logger.Debug("replay re-serialization failed, falling back to historical bytes",
				"sequence", exec.SequenceNumber, "error", err)
		}
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	response, err := t.SendAndReceive(payload, timeout)
	duration := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		var timeoutErr *transport.ReceiveTimeoutError
		if errors.As(err, &timeoutErr) {
			return Result{OriginalSequence: exec.SequenceNumber, Status: "timeout", Error: "response timeout", DurationMs: duration}
		}
		return Result{OriginalSequence: exec.SequenceNumber, Status: "error", Error: err.Error(), DurationMs: duration}
	}

	matched := len(exec.Response) > 0 && bytes.Equal(response, exec.Response)

	preview := ""
	if len(response) > 0 {
		n := len(response)
		if n > 100 {
			n = 100
		}
		preview = hex.EncodeToString(response[:n])
	}

	return Result{
		OriginalSequence: exec.SequenceNumber,
		Status:           "success",
		ResponsePreview:  preview,
		DurationMs:       duration,
		MatchedOriginal:  matched,
	}
}

// toStage adapts a plugin.StageSpec into an orchestrate.Stage, mirroring
// session.Builder's own toStage: same codec/target/timeout wiring, since
// replay builds its bootstrap stages independently of a live session.
func toStage(bundle *plugin.Bundle, spec plugin.StageSpec, target transport.Target, maxResponseBytes, readBufferSize int) orchestrate.Stage {
	requestModel, _ := bundle.Model(spec.RequestModel)
	requestCodec := codec.New(requestModel)

	var responseCodec *codec.Codec
	if spec.ResponseModel != "" {
		if rm, ok := bundle.Model(spec.ResponseModel); ok {
			responseCodec = codec.New(rm)
		}
	}

	exports := make([]orchestrate.ExportSpec, 0, len(spec.Exports))
	for _, exp := range spec.Exports {
		exports = append(exports, orchestrate.ExportSpec{ResponseField: exp.ResponseField, ContextKey: exp.ContextKey, Transform: exp.Transform})
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return orchestrate.Stage{
		Name:             spec.Name,
		RequestCodec:     requestCodec,
		ResponseCodec:    responseCodec,
		ConnectionMode:   spec.ConnectionMode,
		Protocol:         bundle.Transport,
		Target:           target,
		Timeout:          timeout,
		MaxResponseBytes: maxResponseBytes,
		ReadBufferSize:   readBufferSize,
		Retry:            orchestrate.RetryConfig{MaxAttempts: spec.Retry.MaxAttempts, BackoffMs: spec.Retry.BackoffMs},
		Expect:           spec.Expect,
		Exports:          exports,
	}
}
