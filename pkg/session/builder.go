package session

import (
	"time"

	"github.com/protofuzz/protofuzz/pkg/agent"
	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/metrics"
	"github.com/protofuzz/protofuzz/pkg/mutate"
	"github.com/protofuzz/protofuzz/pkg/orchestrate"
	"github.com/protofuzz/protofuzz/pkg/plugin"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// BuildOptions carries the per-process collaborators a Builder wires into
// every session it creates: the shared transport manager (for managed
// connections), the agent manager (for Agent-mode dispatch), and the
// storage-backed recorders the store package provides once built.
type BuildOptions struct {
	TransportManager *transport.Manager
	AgentManager     *agent.Manager
	StageHistory     orchestrate.HistoryRecorder
	ExecutionHistory HistoryRecorder
	CrashReporter    CrashReporter
	Checkpointer     Checkpointer
	MaxResponseBytes int
	ReadBufferSize   int
	CheckpointEvery  int
	Metrics          *metrics.Fuzzing
}

// Builder assembles a Session, its orchestration runtime, and a
// FuzzingLoop from a loaded plugin bundle, mirroring session_manager.py's
// session-creation responsibilities: load plugin, initialize corpus,
// build behavior processors, and set up orchestration/response-planning
// context when declared.
type Builder struct {
	opts BuildOptions
}

// NewBuilder returns a builder sharing opts across every session it
// assembles.
func NewBuilder(opts BuildOptions) *Builder {
	return &Builder{opts: opts}
}

// Build constructs a session named id against target, running the plugin
// in loaded, in the given execution mode. It returns the session, its
// lifecycle controller, and its fuzzing loop, ready for Lifecycle.Start
// and FuzzingLoop.Run.
func (b *Builder) Build(id string, loaded *plugin.Loaded, target transport.Target, mode ExecutionMode, rateLimit float64, maxIterations int64, timeoutPerTestMs int) (*Session, *Lifecycle, *FuzzingLoop, error) {
	bundle := loaded.Bundle

	if len(loaded.Seeds) == 0 {
		return nil, nil, nil, &InitializationError{SessionID: id, Reason: "plugin has no seed corpus"}
	}

	stageSpec, hasFuzzTarget := bundle.FuzzTargetStage()
	if !hasFuzzTarget {
		return nil, nil, nil, &InitializationError{SessionID: id, Reason: "plugin declares no fuzz_target stage"}
	}

	requestModel, ok := bundle.Model(stageSpec.RequestModel)
	if !ok {
		return nil, nil, nil, &InitializationError{SessionID: id, Reason: "unresolved request_model " + stageSpec.RequestModel}
	}
	requestCodec := codec.New(requestModel)

	var responseCodec *codec.Codec
	if stageSpec.ResponseModel != "" {
		if rm, ok := bundle.Model(stageSpec.ResponseModel); ok {
			responseCodec = codec.New(rm)
		}
	}

	mutationCfg := mutate.Config{
		Mode:                 bundle.Mutation.Mode,
		StructureAwareWeight: bundle.Mutation.StructureAwareWeight,
		EnabledMutators:      bundle.Mutation.EnabledMutators,
		FallbackOnParseError: bundle.Mutation.FallbackOnParseError,
	}
	engine := mutate.New(loaded.Seeds, requestCodec, mutationCfg)

	navCfg := toNavigatorConfig(bundle.Navigator)

	var tracker *statemodel.Tracker
	var navigator *statemodel.Navigator
	if bundle.StateModel != nil {
		tracker = statemodel.NewTracker(bundle.StateModel, requestCodec, responseCodec)
		navigator = statemodel.NewNavigator(tracker, navCfg)
	}

	hasStack := len(bundle.ProtocolStack) > 0
	connMode := transport.ModePerTest
	if bundle.Connection != nil {
		connMode = bundle.Connection.Mode
	}

	cfg := Config{
		Protocol:             string(bundle.Transport),
		PluginName:           bundle.Name,
		Target:               target,
		Transport:            bundle.Transport,
		Timeout:              stageSpec.Timeout,
		ExecutionMode:        mode,
		RateLimitPerSecond:   rateLimit,
		MaxIterations:        maxIterations,
		TimeoutPerTestMs:     timeoutPerTestMs,
		Mutation:             mutationCfg,
		Navigator:            navCfg,
		ConnectionMode:       connMode,
		HasOrchestratedStack: hasStack,
	}

	sess := New(id, cfg)
	sess.CurrentStage = stageSpec.Name
	if tracker != nil {
		sess.CurrentState = tracker.CurrentState()
	}

	var runtime *orchestrate.SessionRuntimeContext
	var stageRunner *orchestrate.StageRunner
	var bootstrapStages, teardownStages []orchestrate.Stage

	behaviorProcessor := orchestrate.NewFieldBehaviorProcessor(requestModel)
	needsRuntime := hasStack || len(bundle.ResponseHandlers) > 0 || behaviorProcessor.HasBehaviors()

	if needsRuntime {
		runtime = orchestrate.NewSessionRuntimeContext(id, requestCodec, responseCodec)
		runtime.Navigator = navigator

		if len(bundle.ResponseHandlers) > 0 {
			handlers := make([]orchestrate.ResponseHandler, 0, len(bundle.ResponseHandlers))
			for _, h := range bundle.ResponseHandlers {
				handlers = append(handlers, toResponseHandler(h))
			}
			runtime.ResponsePlanner = orchestrate.NewResponsePlanner(requestCodec, responseCodec, handlers)
		}

		if behaviorProcessor.HasBehaviors() {
			runtime.BehaviorProcessor = behaviorProcessor
		}

		if hasStack {
			stageRunner = orchestrate.NewStageRunner(id, b.opts.TransportManager, runtime.ProtocolContext, b.opts.StageHistory)
			runtime.StageRunner = stageRunner

			for _, s := range bundle.BootstrapStages() {
				bootstrapStages = append(bootstrapStages, b.toStage(bundle, s, target))
			}
			for _, s := range bundle.TeardownStages() {
				teardownStages = append(teardownStages, b.toStage(bundle, s, target))
			}
		}
	}

	var heartbeatScheduler *orchestrate.HeartbeatScheduler
	var heartbeatCfg orchestrate.HeartbeatConfig
	var protoCtx *orchestrate.Context
	if bundle.Heartbeat != nil && bundle.Heartbeat.Enabled {
		heartbeatCfg = toHeartbeatConfig(bundle, *bundle.Heartbeat)
		heartbeatScheduler = orchestrate.NewHeartbeatScheduler(b.opts.TransportManager, nil)
		heartbeatScheduler.SetMetrics(b.opts.Metrics)
		if runtime != nil {
			protoCtx = runtime.ProtocolContext
		}
	}

	lifecycle := NewLifecycle(sess, stageRunner, bootstrapStages, teardownStages, heartbeatScheduler, heartbeatCfg, protoCtx)

	var validator plugin.ResponseCheck
	if bundle.ValidateResponse != "" {
		validator, _ = plugin.LookupResponseCheck(bundle.ValidateResponse)
	}
	executor := NewExecutor(b.opts.TransportManager, b.opts.MaxResponseBytes, b.opts.ReadBufferSize, validator)

	loop := NewFuzzingLoop(sess, runtime, loaded.Seeds, engine, tracker, navigator, executor, agentManagerFor(mode, b.opts.AgentManager), b.opts.ExecutionHistory, b.opts.CrashReporter, b.opts.Checkpointer)
	loop.CheckpointEvery = b.opts.CheckpointEvery
	loop.SetMetrics(b.opts.Metrics)

	return sess, lifecycle, loop, nil
}

// toHeartbeatConfig converts a plugin's declarative heartbeat policy into
// the orchestrator's runtime form, resolving message_model against the
// bundle's model table the same way toStage resolves request/response
// models.
func toHeartbeatConfig(bundle *plugin.Bundle, spec plugin.HeartbeatSpec) orchestrate.HeartbeatConfig {
	message := orchestrate.HeartbeatMessage{Raw: spec.RawMessage}
	if spec.MessageModel != "" {
		if m, ok := bundle.Model(spec.MessageModel); ok {
			message = orchestrate.HeartbeatMessage{Codec: codec.New(m)}
		}
	}

	return orchestrate.HeartbeatConfig{
		Enabled:             spec.Enabled,
		IntervalMs:          spec.IntervalMs,
		IntervalFromContext: spec.IntervalFromContext,
		JitterMs:            spec.JitterMs,
		Message:             message,
		ExpectResponse:      spec.ExpectResponse,
		ResponseTimeout:     spec.ResponseTimeout,
		ExpectedResponse:    spec.ExpectedResponse,
		OnTimeout: orchestrate.OnTimeout{
			MaxFailures: spec.MaxFailures,
			Action:      orchestrate.OnTimeoutAction(spec.OnTimeout),
			Rebootstrap: spec.Rebootstrap,
		},
		StageName: spec.StageName,
	}
}

func toNavigatorConfig(spec *plugin.NavigatorSpec) statemodel.NavigatorConfig {
	if spec == nil {
		return statemodel.NavigatorConfig{}
	}
	return statemodel.NavigatorConfig{
		Mode:                     spec.Mode,
		TargetState:              spec.TargetState,
		SessionResetInterval:     spec.SessionResetInterval,
		EnableTerminationFuzzing: spec.EnableTerminationFuzzing,
		TerminationTestWindow:    spec.TerminationTestWindow,
		TerminationTestInterval:  spec.TerminationTestInterval,
	}
}

func agentManagerFor(mode ExecutionMode, m *agent.Manager) *agent.Manager {
	if mode != ModeAgent {
		return nil
	}
	return m
}

func toResponseHandler(spec plugin.ResponseHandlerSpec) orchestrate.ResponseHandler {
	fields := make(map[string]orchestrate.FieldValue, len(spec.SetFields))
	for k, v := range spec.SetFields {
		fields[k] = orchestrate.FieldValue{CopyFromResponse: v.CopyFromResponse, Literal: v.Literal}
	}
	return orchestrate.ResponseHandler{Name: spec.Name, Match: spec.Match, SetFields: fields}
}

func (b *Builder) toStage(bundle *plugin.Bundle, spec plugin.StageSpec, target transport.Target) orchestrate.Stage {
	requestModel, _ := bundle.Model(spec.RequestModel)
	requestCodec := codec.New(requestModel)

	var responseCodec *codec.Codec
	if spec.ResponseModel != "" {
		if rm, ok := bundle.Model(spec.ResponseModel); ok {
			responseCodec = codec.New(rm)
		}
	}

	exports := make([]orchestrate.ExportSpec, 0, len(spec.Exports))
	for _, e := range spec.Exports {
		exports = append(exports, orchestrate.ExportSpec{ResponseField: e.ResponseField, ContextKey: e.ContextKey, Transform: e.Transform})
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
		MaxResponseBytes: b.opts.MaxResponseBytes,
		ReadBufferSize:   b.opts.ReadBufferSize,
		Retry:            orchestrate.RetryConfig{MaxAttempts: spec.Retry.MaxAttempts, BackoffMs: spec.Retry.BackoffMs},
		Expect:           spec.Expect,
		Exports:          exports,
	}
}
