package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/internal/telemetry"
	"github.com/protofuzz/protofuzz/pkg/agent"
	"github.com/protofuzz/protofuzz/pkg/metrics"
	"github.com/protofuzz/protofuzz/pkg/mutate"
	"github.com/protofuzz/protofuzz/pkg/orchestrate"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

// messageTypeRetries bounds how many times the loop re-mutates from a
// different seed to recover a stateful session's expected message type
// before giving up and sending whatever it has.
const messageTypeRetries = 3

// checkpointEvery controls how often Checkpointer is invoked during Run.
const checkpointEvery = 50

// Checkpointer persists a session's mutable state (stats, coverage,
// orchestration counters) periodically and on stop.
type Checkpointer interface {
	Checkpoint(*Session)
}

// NopCheckpointer discards checkpoints; useful for tests.
type NopCheckpointer struct{}

func (NopCheckpointer) Checkpoint(*Session) {}

// FuzzingLoop drives one session's iterations: select a seed, mutate it,
// dispatch it (in-process or to a remote agent), classify and record the
// result, update any state-model navigator, and checkpoint periodically.
// It implements spec §4.10's iteration contract, grounded on
// original_source/core/engine/fuzzing_loop.py's FuzzingLoopCoordinator.
type FuzzingLoop struct {
	session *Session
	runtime *orchestrate.SessionRuntimeContext // nil: no protocol stack declared

	seeds  [][]byte
	engine *mutate.Engine

	tracker   *statemodel.Tracker
	navigator *statemodel.Navigator

	executor     *Executor
	agentManager *agent.Manager // nil in core mode

	history       HistoryRecorder
	crashReporter CrashReporter
	checkpoint    Checkpointer
	metrics       *metrics.Fuzzing

	// CheckpointEvery overrides checkpointEvery; set from pkg/config's
	// checkpoint_frequency. Zero means use the package default.
	CheckpointEvery int

	iteration     int64
	sequence      int64
	connectionSeq int64

	stopCh chan struct{}
}

// NewFuzzingLoop wires a loop over an already-initialized session.
// runtime, tracker, navigator, and agentManager may all be nil:
// respectively, for stateless protocol stacks, stateless fuzzing, and
// core (in-process) execution mode.
func NewFuzzingLoop(
	s *Session,
	runtime *orchestrate.SessionRuntimeContext,
	seeds [][]byte,
	engine *mutate.Engine,
	tracker *statemodel.Tracker,
	navigator *statemodel.Navigator,
	executor *Executor,
	agentManager *agent.Manager,
	history HistoryRecorder,
	crashReporter CrashReporter,
	checkpoint Checkpointer,
) *FuzzingLoop {
	if history == nil {
		history = NopHistoryRecorder{}
	}
	if crashReporter == nil {
		crashReporter = NopCrashReporter{}
	}
	if checkpoint == nil {
		checkpoint = NopCheckpointer{}
	}
	return &FuzzingLoop{
		session:       s,
		runtime:       runtime,
		seeds:         seeds,
		engine:        engine,
		tracker:       tracker,
		navigator:     navigator,
		executor:      executor,
		agentManager:  agentManager,
		history:       history,
		crashReporter: crashReporter,
		checkpoint:    checkpoint,
		stopCh:        make(chan struct{}),
	}
}

// SetMetrics attaches the process-wide Prometheus collectors the loop
// reports iteration/duration/state-transition metrics against. A nil
// *metrics.Fuzzing (the default) makes every recording a no-op.
func (l *FuzzingLoop) SetMetrics(m *metrics.Fuzzing) {
	l.metrics = m
}

// Stop asks Run to exit at the next iteration boundary.
func (l *FuzzingLoop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// Run executes the fuzzing loop until stopped, the session completes
// max iterations, ctx is cancelled, or an error forces the session to a
// terminal state. It always checkpoints and clears pending agent work
// before returning, mirroring FuzzingLoopCoordinator.run's finally block.
func (l *FuzzingLoop) Run(ctx context.Context) error {
	if len(l.seeds) == 0 {
		return &InitializationError{SessionID: l.session.ID, Reason: "no seeds in corpus"}
	}

	defer func() {
		if l.agentManager != nil {
			l.agentManager.ClearSession(l.session.ID)
		}
		l.checkpoint.Checkpoint(l.session)
	}()

	for l.session.Status == StatusRunning {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		default:
		}

		tc, err := l.buildTestCase()
		if err != nil {
			logger.Warn("skipping iteration after build failure", "session_id", l.session.ID, "error", err)
			l.iteration++
			continue
		}

		l.dispatch(ctx, tc)

		l.iteration++
		every := int64(l.CheckpointEvery)
		if every <= 0 {
			every = checkpointEvery
		}
		if l.iteration%every == 0 {
			l.checkpoint.Checkpoint(l.session)
		}

		if l.session.Config.MaxIterations > 0 && l.iteration >= l.session.Config.MaxIterations {
			l.session.Status = StatusCompleted
			now := time.Now()
			l.session.CompletedAt = &now
			break
		}

		l.rateLimit()
	}

	return nil
}

// buildTestCase implements spec §4.10 steps 1-5: termination injection
// takes precedence over a queued follow-up, which takes precedence over a
// fresh mutation.
func (l *FuzzingLoop) buildTestCase() (*TestCase, error) {
	if l.navigator != nil && l.navigator.ShouldInjectTerminationTest(int(l.iteration)) {
		if data, ok := l.navigator.SelectTerminationMessage(l.seeds); ok {
			return l.newTestCase(data, "termination", "", nil), nil
		}
	}

	if l.runtime != nil && l.runtime.Followups != nil {
		if f, ok := l.runtime.Followups.Dequeue(); ok {
			return l.newTestCase(f.Payload, "followup", f.Handler, nil), nil
		}
	}

	return l.createFuzzTestCase()
}

func (l *FuzzingLoop) createFuzzTestCase() (*TestCase, error) {
	seed, ok := l.selectSeed()
	if !ok {
		return nil, &InitializationError{SessionID: l.session.ID, Reason: "no seed available for this iteration"}
	}

	data := l.engine.GenerateTestCase(seed, 1)
	meta := l.engine.LastMetadata()

	if l.tracker != nil {
		data = l.enforceMessageType(data)
	}

	if l.runtime != nil {
		data = l.injectContext(data)
		if l.runtime.HasBehaviors() {
			data = l.applyBehaviors(data)
		}
	}

	l.session.IncrementFieldMutation(meta.Field)

	tc := l.newTestCase(data, meta.Strategy, "", meta.Mutators)
	return tc, nil
}

// selectSeed defers to the navigator's mode-aware selection when stateful
// fuzzing is active, else round-robins the corpus.
func (l *FuzzingLoop) selectSeed() ([]byte, bool) {
	if l.navigator != nil {
		if data, ok := l.navigator.SelectMessageForMode(l.seeds, int(l.iteration)); ok {
			return data, true
		}
	}
	return l.seeds[int(l.iteration)%len(l.seeds)], true
}

// enforceMessageType re-mutates from a seed matching the tracker's
// expected next message type when the first attempt drifted, bounded to
// messageTypeRetries attempts.
func (l *FuzzingLoop) enforceMessageType(data []byte) []byte {
	state := l.tracker.CurrentState()
	valid := l.tracker.ValidTransitionsFrom(state)
	if len(valid) == 0 {
		return data
	}

	mt, ok := l.tracker.IdentifyMessageType(data)
	if ok && transitionAccepts(valid, mt) {
		return data
	}

	for attempt := 0; attempt < messageTypeRetries; attempt++ {
		want := valid[attempt%len(valid)].MessageType
		seed, ok := l.tracker.FindSeedForMessageType(want, l.seeds)
		if !ok {
			continue
		}
		candidate := l.engine.GenerateTestCase(seed, 1)
		if mt, ok := l.tracker.IdentifyMessageType(candidate); ok && transitionAccepts(valid, mt) {
			return candidate
		}
	}

	return data
}

func transitionAccepts(transitions []statemodel.Transition, messageType string) bool {
	for _, t := range transitions {
		if t.MessageType == messageType {
			return true
		}
	}
	return false
}

// injectContext re-serializes the payload through the request codec so
// any `from_context` fields resolve against the session's live
// orchestration context, per spec §4.10 step 5.
func (l *FuzzingLoop) injectContext(data []byte) []byte {
	if l.runtime.RequestCodec == nil {
		return data
	}
	parsed, err := l.runtime.RequestCodec.Parse(data)
	if err != nil {
		return data
	}
	out, err := l.runtime.RequestCodec.Serialize(parsed.Fields, l.runtime.ProtocolContext)
	if err != nil {
		return data
	}
	return out
}

func (l *FuzzingLoop) applyBehaviors(data []byte) []byte {
	parsed, err := l.runtime.RequestCodec.Parse(data)
	if err != nil {
		return data
	}
	computed := l.runtime.BehaviorProcessor.Apply(parsed.Fields, l.runtime.ProtocolContext)
	out, err := l.runtime.RequestCodec.Serialize(computed, l.runtime.ProtocolContext)
	if err != nil {
		return data
	}
	return out
}

func (l *FuzzingLoop) newTestCase(data []byte, strategy, seedID string, mutators []string) *TestCase {
	return &TestCase{
		ID:               newID(),
		SessionID:        l.session.ID,
		Data:             data,
		SeedID:           seedID,
		MutationStrategy: strategy,
		MutatorsApplied:  mutators,
	}
}

// dispatch executes the test case (core mode) or enqueues it for a remote
// agent (agent mode), records history, plans follow-ups, updates the
// navigator, and reports crashes. Agent-mode dispatch records the test
// case as pending and returns without blocking on its result, mirroring
// _dispatch_to_agent.
func (l *FuzzingLoop) dispatch(ctx context.Context, tc *TestCase) {
	spanCtx, span := telemetry.StartIterationSpan(ctx, l.session.ID, l.iteration,
		telemetry.TestCaseID(tc.ID), telemetry.MutationMode(tc.MutationStrategy))
	defer span.End()

	sentAt := time.Now()
	sequence := l.nextSequence()

	if l.session.Config.ExecutionMode == ModeAgent && l.agentManager != nil {
		work := agent.WorkItem{
			SessionID:  l.session.ID,
			TestCaseID: tc.ID,
			TargetHost: l.session.Config.Target.Host,
			TargetPort: l.session.Config.Target.Port,
			Transport:  l.session.Config.Transport,
			Payload:    tc.Data,
			TimeoutMs:  l.session.Config.TimeoutPerTestMs,
		}
		enqueueCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.agentManager.EnqueueTestCase(enqueueCtx, work); err != nil {
			logger.Warn("agent queue full, dropping test case", "session_id", l.session.ID, "test_case_id", tc.ID, "error", err)
			telemetry.RecordError(spanCtx, err)
			return
		}
		l.history.Record(l.buildRecord(tc, sequence, sentAt, time.Now(), nil))
		return
	}

	verdict, response := l.executor.Execute(l.session, tc, l.parseFields)
	receivedAt := time.Now()
	telemetry.SetAttributes(spanCtx, telemetry.Verdict(string(verdict)), telemetry.ResponseSize(len(response)))

	l.session.RecordResult(verdict)
	l.history.Record(l.buildRecord(tc, sequence, sentAt, receivedAt, response))

	l.metrics.IncIteration(l.session.ID, string(verdict))
	l.metrics.ObserveTestDuration(l.session.ID, receivedAt.Sub(sentAt))
	l.metrics.IncMutation(l.session.ID, tc.MutationStrategy)

	if l.runtime != nil && l.runtime.HasResponsePlanning() && len(response) > 0 {
		for _, f := range l.runtime.ResponsePlanner.Plan(response) {
			l.runtime.Followups.Enqueue(f)
		}
	}

	if l.navigator != nil {
		fromState := l.session.CurrentState
		l.navigator.UpdateState(tc.Data, response, verdict, int(l.iteration))
		if toState := l.tracker.CurrentState(); toState != fromState {
			l.session.CurrentState = toState
			l.metrics.IncStateTransition(l.session.ID, fromState, toState)
			telemetry.AddEvent(spanCtx, telemetry.SpanStateTransition,
				telemetry.FromState(fromState), telemetry.ToState(toState))
		}
	}

	if verdict == statemodel.VerdictCrash || verdict == statemodel.VerdictHang {
		telemetry.AddEvent(spanCtx, "fuzz.crash_detected", telemetry.Verdict(string(verdict)))
		l.crashReporter.Report(CrashFinding{
			ID:             newID(),
			SessionID:      l.session.ID,
			TestCaseID:     tc.ID,
			Result:         verdict,
			ReproducerData: tc.Data,
			Severity:       "medium",
		})
	}
}

func (l *FuzzingLoop) parseFields(response []byte) (map[string]any, bool) {
	if l.runtime == nil {
		return nil, false
	}
	codec := l.runtime.ResponseCodec
	if codec == nil {
		codec = l.runtime.RequestCodec
	}
	if codec == nil {
		return nil, false
	}
	parsed, err := codec.Parse(response)
	if err != nil {
		return nil, false
	}
	return parsed.Fields, true
}

func (l *FuzzingLoop) buildRecord(tc *TestCase, sequence int64, sentAt, receivedAt time.Time, response []byte) ExecutionRecord {
	rec := ExecutionRecord{
		SessionID:          l.session.ID,
		SequenceNumber:     sequence,
		SentAt:             sentAt,
		ReceivedAt:         receivedAt,
		Payload:            tc.Data,
		Response:           response,
		Result:             tc.Verdict,
		MutationStrategy:   tc.MutationStrategy,
		MutatorsApplied:    tc.MutatorsApplied,
		StateAtSend:        l.session.CurrentState,
		StageName:          l.session.CurrentStage,
		ConnectionSequence: l.connectionSeq,
	}
	if l.tracker != nil {
		if mt, ok := l.tracker.IdentifyMessageType(tc.Data); ok {
			rec.MessageType = mt
		}
	}
	if l.runtime != nil {
		rec.ContextSnapshot = l.runtime.ProtocolContext.Snapshot(nil, nil, 0).Values
		if fields, ok := l.parseFields(response); ok {
			rec.ParsedFields = fields
		}
	}
	return rec
}

func (l *FuzzingLoop) nextSequence() int64 {
	l.sequence++
	return l.sequence
}

// rateLimit sleeps to honor Config.RateLimitPerSecond, or yields briefly
// otherwise, matching the ~1ms cooperative yield in the original loop.
func (l *FuzzingLoop) rateLimit() {
	if l.session.Config.RateLimitPerSecond > 0 {
		time.Sleep(time.Duration(float64(time.Second) / l.session.Config.RateLimitPerSecond))
		return
	}
	time.Sleep(time.Millisecond)
}

func newID() string {
	return uuid.NewString()
}
