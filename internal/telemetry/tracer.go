package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for fuzzing operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSessionID = "session.id"
	AttrProtocol  = "session.protocol"
	AttrTarget    = "session.target"
	AttrStatus    = "session.status"

	// ========================================================================
	// Iteration / test case attributes
	// ========================================================================
	AttrIteration    = "fuzz.iteration"
	AttrSequence     = "fuzz.sequence"
	AttrTestCaseID   = "fuzz.test_case_id"
	AttrVerdict      = "fuzz.verdict"
	AttrMutationMode = "fuzz.mutation_mode"
	AttrMutatedField = "fuzz.mutated_field"
	AttrMessageType  = "fuzz.message_type"
	AttrPayloadSize  = "fuzz.payload_size"
	AttrResponseSize = "fuzz.response_size"

	// ========================================================================
	// State machine attributes
	// ========================================================================
	AttrState      = "state.name"
	AttrFromState  = "state.from"
	AttrToState    = "state.to"
	AttrTransition = "state.transition"

	// ========================================================================
	// Orchestration attributes
	// ========================================================================
	AttrStage       = "stage.name"
	AttrStageRole   = "stage.role"
	AttrAttempt     = "stage.attempt"
	AttrMaxAttempts = "stage.max_attempts"
	AttrContextKey  = "context.key"

	// ========================================================================
	// Transport attributes
	// ========================================================================
	AttrConnectionID = "transport.connection_id"
	AttrConnMode     = "transport.connection_mode"
	AttrTransportKind = "transport.kind"
	AttrRemoteAddr   = "transport.remote_addr"
	AttrBytesIn      = "transport.bytes_in"
	AttrBytesOut     = "transport.bytes_out"
	AttrReconnects   = "transport.reconnects"

	// ========================================================================
	// Agent attributes
	// ========================================================================
	AttrAgentID = "agent.id"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Root span for a single fuzz iteration
	SpanFuzzIteration = "fuzz.iteration"

	// Stage runner spans
	SpanStageBootstrap   = "stage.bootstrap"
	SpanStageFuzzTarget  = "stage.fuzz_target"
	SpanStageTeardown    = "stage.teardown"

	// Transport spans
	SpanTransportConnect    = "transport.connect"
	SpanTransportSend       = "transport.send"
	SpanTransportReceive    = "transport.receive"
	SpanTransportReconnect  = "transport.reconnect"
	SpanTransportClose      = "transport.close"

	// Codec spans
	SpanCodecParse     = "codec.parse"
	SpanCodecSerialize = "codec.serialize"

	// Mutation spans
	SpanMutateByteLevel = "mutate.byte_level"
	SpanMutateStructure = "mutate.structure_aware"

	// State navigator spans
	SpanStateTransition = "state.transition"

	// Heartbeat spans
	SpanHeartbeatTick = "heartbeat.tick"

	// Replay spans
	SpanReplayExecute = "replay.execute"

	// Agent spans
	SpanAgentNextCase    = "agent.next_case"
	SpanAgentSubmitResult = "agent.submit_result"
)

// SessionID returns an attribute for the fuzzing session id.
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// Protocol returns an attribute for the protocol plugin name.
func Protocol(name string) attribute.KeyValue {
	return attribute.String(AttrProtocol, name)
}

// Target returns an attribute for the fuzzing target address.
func Target(addr string) attribute.KeyValue {
	return attribute.String(AttrTarget, addr)
}

// Status returns an attribute for a session/stage status.
func Status(status string) attribute.KeyValue {
	return attribute.String(AttrStatus, status)
}

// Iteration returns an attribute for the loop iteration counter.
func Iteration(n int64) attribute.KeyValue {
	return attribute.Int64(AttrIteration, n)
}

// Sequence returns an attribute for an execution record sequence number.
func Sequence(n int64) attribute.KeyValue {
	return attribute.Int64(AttrSequence, n)
}

// TestCaseID returns an attribute for a test case identifier.
func TestCaseID(id string) attribute.KeyValue {
	return attribute.String(AttrTestCaseID, id)
}

// Verdict returns an attribute for a test case result classification.
func Verdict(v string) attribute.KeyValue {
	return attribute.String(AttrVerdict, v)
}

// MutationMode returns an attribute for the active mutation mode.
func MutationMode(mode string) attribute.KeyValue {
	return attribute.String(AttrMutationMode, mode)
}

// MutatedField returns an attribute for the structure-aware mutated block.
func MutatedField(name string) attribute.KeyValue {
	return attribute.String(AttrMutatedField, name)
}

// MessageType returns an attribute for the identified message type.
func MessageType(name string) attribute.KeyValue {
	return attribute.String(AttrMessageType, name)
}

// PayloadSize returns an attribute for the outgoing payload size.
func PayloadSize(n int) attribute.KeyValue {
	return attribute.Int(AttrPayloadSize, n)
}

// ResponseSize returns an attribute for the received response size.
func ResponseSize(n int) attribute.KeyValue {
	return attribute.Int(AttrResponseSize, n)
}

// State returns an attribute for the current protocol state.
func State(name string) attribute.KeyValue {
	return attribute.String(AttrState, name)
}

// FromState returns an attribute for a transition's source state.
func FromState(name string) attribute.KeyValue {
	return attribute.String(AttrFromState, name)
}

// ToState returns an attribute for a transition's destination state.
func ToState(name string) attribute.KeyValue {
	return attribute.String(AttrToState, name)
}

// Transition returns an attribute for a "from->to" transition key.
func Transition(key string) attribute.KeyValue {
	return attribute.String(AttrTransition, key)
}

// Stage returns an attribute for a protocol-stack stage name.
func Stage(name string) attribute.KeyValue {
	return attribute.String(AttrStage, name)
}

// StageRole returns an attribute for a stage's role.
func StageRole(role string) attribute.KeyValue {
	return attribute.String(AttrStageRole, role)
}

// Attempt returns an attribute for a retry attempt number.
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// ContextKey returns an attribute for a context-store key.
func ContextKey(key string) attribute.KeyValue {
	return attribute.String(AttrContextKey, key)
}

// ConnectionID returns an attribute for a managed-transport connection id.
func ConnectionID(id string) attribute.KeyValue {
	return attribute.String(AttrConnectionID, id)
}

// ConnMode returns an attribute for the connection mode.
func ConnMode(mode string) attribute.KeyValue {
	return attribute.String(AttrConnMode, mode)
}

// TransportKind returns an attribute for the transport kind (tcp/udp).
func TransportKind(kind string) attribute.KeyValue {
	return attribute.String(AttrTransportKind, kind)
}

// RemoteAddr returns an attribute for a remote network address.
func RemoteAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrRemoteAddr, addr)
}

// BytesIn returns an attribute for bytes received on a transport.
func BytesIn(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBytesIn, int64(n))
}

// BytesOut returns an attribute for bytes sent on a transport.
func BytesOut(n uint64) attribute.KeyValue {
	return attribute.Int64(AttrBytesOut, int64(n))
}

// Reconnects returns an attribute for a transport's reconnect count.
func Reconnects(n int) attribute.KeyValue {
	return attribute.Int(AttrReconnects, n)
}

// AgentID returns an attribute for a remote agent identifier.
func AgentID(id string) attribute.KeyValue {
	return attribute.String(AttrAgentID, id)
}

// Hex formats a byte slice as a hex-string attribute.
func Hex(key string, b []byte) attribute.KeyValue {
	return attribute.String(key, fmt.Sprintf("%x", b))
}

// StartIterationSpan starts the root span for one fuzzing loop iteration.
func StartIterationSpan(ctx context.Context, sessionID string, iteration int64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SessionID(sessionID),
		Iteration(iteration),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanFuzzIteration, trace.WithAttributes(allAttrs...))
}

// StartStageSpan starts a span for a protocol-stack stage run.
func StartStageSpan(ctx context.Context, stage, role string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Stage(stage),
		StageRole(role),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "stage."+stage, trace.WithAttributes(allAttrs...))
}

// StartTransportSpan starts a span for a transport-layer operation.
func StartTransportSpan(ctx context.Context, operation, connectionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ConnectionID(connectionID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "transport."+operation, trace.WithAttributes(allAttrs...))
}

// StartMutationSpan starts a span for a mutation pass.
func StartMutationSpan(ctx context.Context, mode string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		MutationMode(mode),
	}
	allAttrs = append(allAttrs, attrs...)

	name := SpanMutateByteLevel
	if mode == "structure_aware" {
		name = SpanMutateStructure
	}
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartAgentSpan starts a span for an agent work-item round trip.
func StartAgentSpan(ctx context.Context, operation, agentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		AgentID(agentID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "agent."+operation, trace.WithAttributes(allAttrs...))
}
