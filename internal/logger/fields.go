package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. These keys are shared across
// the fuzzing loop, stage runner, heartbeat scheduler, and replay executor
// so logs can be correlated and queried consistently across subsystems.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Session & Campaign
	// ========================================================================
	KeySessionID = "session_id"
	KeyProtocol  = "protocol"
	KeyTarget    = "target"
	KeyStatus    = "status"

	// ========================================================================
	// Iteration & Test Case
	// ========================================================================
	KeyIteration      = "iteration"
	KeySequence       = "sequence"
	KeyTestCaseID     = "test_case_id"
	KeyVerdict        = "verdict"
	KeyMutationMode   = "mutation_mode"
	KeyMutators       = "mutators"
	KeyMutatedField   = "mutated_field"
	KeyMessageType    = "message_type"
	KeyPayloadSize    = "payload_size"
	KeyResponseSize   = "response_size"

	// ========================================================================
	// State Machine
	// ========================================================================
	KeyState      = "state"
	KeyFromState  = "from_state"
	KeyToState    = "to_state"
	KeyTransition = "transition"

	// ========================================================================
	// Orchestration
	// ========================================================================
	KeyStage        = "stage"
	KeyStageRole    = "stage_role"
	KeyAttempt      = "attempt"
	KeyMaxAttempts  = "max_attempts"
	KeyContextKey   = "context_key"
	KeyConnectionID = "connection_id"
	KeyConnMode     = "connection_mode"

	// ========================================================================
	// Transport
	// ========================================================================
	KeyTransport    = "transport"
	KeyRemoteAddr   = "remote_addr"
	KeyBytesIn      = "bytes_in"
	KeyBytesOut     = "bytes_out"
	KeyReconnects   = "reconnects"

	// ========================================================================
	// Agent
	// ========================================================================
	KeyAgentID = "agent_id"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
)

// TraceID returns a slog.Attr for an OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for an OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// SessionID returns a slog.Attr for the session identifier.
func SessionID(id string) slog.Attr { return slog.String(KeySessionID, id) }

// Protocol returns a slog.Attr for the protocol plugin name.
func Protocol(name string) slog.Attr { return slog.String(KeyProtocol, name) }

// Target returns a slog.Attr for the fuzzing target address.
func Target(addr string) slog.Attr { return slog.String(KeyTarget, addr) }

// Status returns a slog.Attr for a session/stage status tag.
func Status(status string) slog.Attr { return slog.String(KeyStatus, status) }

// Iteration returns a slog.Attr for the loop iteration counter.
func Iteration(n int64) slog.Attr { return slog.Int64(KeyIteration, n) }

// Sequence returns a slog.Attr for an execution record sequence number.
func Sequence(n int64) slog.Attr { return slog.Int64(KeySequence, n) }

// TestCaseID returns a slog.Attr for a test case identifier.
func TestCaseID(id string) slog.Attr { return slog.String(KeyTestCaseID, id) }

// Verdict returns a slog.Attr for a test case result classification.
func Verdict(v string) slog.Attr { return slog.String(KeyVerdict, v) }

// MutationMode returns a slog.Attr for the active mutation mode.
func MutationMode(mode string) slog.Attr { return slog.String(KeyMutationMode, mode) }

// Mutators returns a slog.Attr for the list of mutators applied.
func Mutators(names []string) slog.Attr { return slog.Any(KeyMutators, names) }

// MutatedField returns a slog.Attr for the structure-aware mutated block name.
func MutatedField(name string) slog.Attr { return slog.String(KeyMutatedField, name) }

// MessageType returns a slog.Attr for the identified message type.
func MessageType(name string) slog.Attr { return slog.String(KeyMessageType, name) }

// PayloadSize returns a slog.Attr for the outgoing payload size.
func PayloadSize(n int) slog.Attr { return slog.Int(KeyPayloadSize, n) }

// ResponseSize returns a slog.Attr for the received response size.
func ResponseSize(n int) slog.Attr { return slog.Int(KeyResponseSize, n) }

// State returns a slog.Attr for the current protocol state.
func State(name string) slog.Attr { return slog.String(KeyState, name) }

// FromState returns a slog.Attr for a transition's source state.
func FromState(name string) slog.Attr { return slog.String(KeyFromState, name) }

// ToState returns a slog.Attr for a transition's destination state.
func ToState(name string) slog.Attr { return slog.String(KeyToState, name) }

// Transition returns a slog.Attr for a "from->to" transition key.
func Transition(key string) slog.Attr { return slog.String(KeyTransition, key) }

// Stage returns a slog.Attr for a protocol-stack stage name.
func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }

// StageRole returns a slog.Attr for a stage's role (bootstrap/fuzz_target/teardown).
func StageRole(role string) slog.Attr { return slog.String(KeyStageRole, role) }

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxAttempts returns a slog.Attr for the configured retry ceiling.
func MaxAttempts(n int) slog.Attr { return slog.Int(KeyMaxAttempts, n) }

// ContextKey returns a slog.Attr for a context-store key.
func ContextKey(key string) slog.Attr { return slog.String(KeyContextKey, key) }

// ConnectionID returns a slog.Attr for a managed-transport connection id.
func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }

// ConnMode returns a slog.Attr for the connection mode (session/per_stage/per_test).
func ConnMode(mode string) slog.Attr { return slog.String(KeyConnMode, mode) }

// Transport returns a slog.Attr for the transport kind (tcp/udp).
func Transport(kind string) slog.Attr { return slog.String(KeyTransport, kind) }

// RemoteAddr returns a slog.Attr for a remote network address.
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }

// BytesIn returns a slog.Attr for bytes received on a transport.
func BytesIn(n uint64) slog.Attr { return slog.Uint64(KeyBytesIn, n) }

// BytesOut returns a slog.Attr for bytes sent on a transport.
func BytesOut(n uint64) slog.Attr { return slog.Uint64(KeyBytesOut, n) }

// Reconnects returns a slog.Attr for a transport's reconnect count.
func Reconnects(n int) slog.Attr { return slog.Int(KeyReconnects, n) }

// AgentID returns a slog.Attr for a remote agent identifier.
func AgentID(id string) slog.Attr { return slog.String(KeyAgentID, id) }

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric error code.
func ErrorCode(code int) slog.Attr { return slog.Int(KeyErrorCode, code) }

// Hex formats a byte slice as a hex string attribute under the given key.
func Hex(key string, b []byte) slog.Attr {
	return slog.String(key, fmt.Sprintf("%x", b))
}
