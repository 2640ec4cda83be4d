// Package plugin implements the declarative protocol plugin bundle: a
// versioned JSON document describing a protocol's data model, optional
// response model and state model, protocol stack, heartbeat and connection
// policy, response handlers, mutation config, and seed corpus. Bundles are
// validated by struct tags and a semantic validation pass at load time;
// there is no runtime code loading or reflection.
package plugin

import (
	"time"

	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/mutate"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// StageRole selects a protocol_stack entry's place in a session's
// lifecycle.
type StageRole string

const (
	RoleBootstrap  StageRole = "bootstrap"
	RoleFuzzTarget StageRole = "fuzz_target"
	RoleTeardown   StageRole = "teardown"
)

// RetrySpec is the declarative form of a stage's retry policy.
type RetrySpec struct {
	MaxAttempts int `json:"max_attempts,omitempty" jsonschema:"minimum=1,default=1"`
	BackoffMs   int `json:"backoff_ms,omitempty" jsonschema:"minimum=0"`
}

// ExportFieldSpec is the declarative form of one captured-response export.
type ExportFieldSpec struct {
	ResponseField string              `json:"response_field" validate:"required"`
	ContextKey    string              `json:"context_key" validate:"required"`
	Transform     []codec.TransformOp `json:"transform,omitempty"`
}

// StageSpec is one declared entry of a plugin's protocol_stack: a role, its
// own request/response data models (by name, resolved against the bundle's
// named models), connection policy, and bootstrap-only expect/export/retry
// rules.
type StageSpec struct {
	Name string    `json:"name" validate:"required"`
	Role StageRole `json:"role" validate:"required,oneof=bootstrap fuzz_target teardown"`

	RequestModel  string `json:"request_model" validate:"required"`
	ResponseModel string `json:"response_model,omitempty"`

	ConnectionMode transport.ConnectionMode `json:"connection_mode,omitempty"`
	Timeout        time.Duration            `json:"timeout,omitempty" jsonschema:"type=string"`

	Expect  map[string]any    `json:"expect,omitempty"`
	Exports []ExportFieldSpec `json:"exports,omitempty"`
	Retry   RetrySpec         `json:"retry,omitempty"`
}

// ResponseHandlerSpec mirrors orchestrate.ResponseHandler in declarative
// form (FieldValue literals come through as plain JSON values).
type ResponseHandlerSpec struct {
	Name      string                    `json:"name" validate:"required"`
	Match     map[string]any            `json:"match,omitempty"`
	SetFields map[string]FieldValueSpec `json:"set_fields,omitempty"`
}

// FieldValueSpec is the declarative form of orchestrate.FieldValue.
type FieldValueSpec struct {
	CopyFromResponse string `json:"copy_from_response,omitempty"`
	Literal          any    `json:"literal,omitempty"`
}

// HeartbeatSpec is the declarative form of a plugin's heartbeat policy.
type HeartbeatSpec struct {
	Enabled bool `json:"enabled"`

	IntervalMs          int    `json:"interval_ms,omitempty" jsonschema:"minimum=0"`
	IntervalFromContext string `json:"interval_from_context,omitempty"`
	JitterMs            int    `json:"jitter_ms,omitempty" jsonschema:"minimum=0"`

	MessageModel string `json:"message_model,omitempty"`
	RawMessage   []byte `json:"raw_message,omitempty"`

	ExpectResponse   bool          `json:"expect_response,omitempty"`
	ResponseTimeout  time.Duration `json:"response_timeout,omitempty" jsonschema:"type=string"`
	ExpectedResponse []byte        `json:"expected_response,omitempty"`

	MaxFailures int    `json:"max_failures,omitempty" jsonschema:"minimum=1"`
	OnTimeout   string `json:"on_timeout,omitempty" validate:"omitempty,oneof=warn reconnect abort"`
	Rebootstrap bool   `json:"rebootstrap,omitempty"`
	StageName   string `json:"stage_name,omitempty"`
}

// ConnectionSpec is the declarative form of a plugin's connection policy.
type ConnectionSpec struct {
	Mode               transport.ConnectionMode `json:"mode" validate:"required,oneof=session per_stage per_test"`
	Timeout            time.Duration            `json:"timeout,omitempty" jsonschema:"type=string"`
	MaxReconnects      int                       `json:"max_reconnects,omitempty"`
	ReconnectBackoffMs int                       `json:"reconnect_backoff_ms,omitempty"`
}

// MutationSpec is the declarative form of mutate.Config.
type MutationSpec struct {
	Mode                 mutate.Mode `json:"mode,omitempty" validate:"omitempty,oneof=byte_level structure_aware hybrid"`
	StructureAwareWeight int         `json:"structure_aware_weight,omitempty" validate:"omitempty,min=0,max=100"`
	EnabledMutators      []string    `json:"enabled_mutators,omitempty"`
	FallbackOnParseError bool        `json:"fallback_on_parse_error,omitempty"`
}

// NavigatorSpec is the declarative form of statemodel.NavigatorConfig.
type NavigatorSpec struct {
	Mode                     statemodel.FuzzingMode `json:"mode,omitempty" validate:"omitempty,oneof=breadth_first depth_first targeted random"`
	TargetState              string                 `json:"target_state,omitempty"`
	SessionResetInterval     *int                   `json:"session_reset_interval,omitempty"`
	EnableTerminationFuzzing bool                   `json:"enable_termination_fuzzing,omitempty"`
	TerminationTestWindow    int                    `json:"termination_test_window,omitempty"`
	TerminationTestInterval  int                    `json:"termination_test_interval,omitempty"`
}

// Bundle is the full declarative protocol plugin document. A bundle is
// immutable once loaded: a reload discards any cached derived state
// (compiled codecs, synthesized seeds) and re-parses from scratch.
type Bundle struct {
	Name        string `json:"name" validate:"required"`
	Version     string `json:"version,omitempty" jsonschema:"default=1.0.0"`
	Description string `json:"description,omitempty"`
	Transport   transport.Protocol `json:"transport,omitempty" validate:"omitempty,oneof=tcp udp"`

	// Models is keyed by model name so protocol_stack and heartbeat entries
	// can reference request/response shapes by name instead of repeating
	// them inline. Model resolves an empty name to the entry keyed
	// "default", if the bundle declares one; no model is created
	// implicitly, and a stage with no response_model has no response model.
	Models map[string]codec.DataModel `json:"models" validate:"required,min=1,dive"`

	StateModel *statemodel.Model `json:"state_model,omitempty"`

	ProtocolStack []StageSpec `json:"protocol_stack,omitempty" validate:"dive"`

	Heartbeat  *HeartbeatSpec  `json:"heartbeat,omitempty"`
	Connection *ConnectionSpec `json:"connection,omitempty"`

	ResponseHandlers []ResponseHandlerSpec `json:"response_handlers,omitempty" validate:"dive"`

	Mutation  MutationSpec   `json:"mutation,omitempty"`
	Navigator *NavigatorSpec `json:"navigator,omitempty"`

	// ValidateResponse names a registered ResponseCheck consulted after
	// every fuzz_target send, in addition to mutation-engine verdict
	// classification. Empty means no extra check.
	ValidateResponse string `json:"validate_response,omitempty"`

	// Seeds are base64-encoded in the document for JSON safety; Loader
	// decodes them to raw bytes and, if empty, synthesizes a baseline
	// corpus from the fuzz_target stage's request model.
	Seeds []string `json:"seeds,omitempty"`
}

// FuzzTargetStage returns the bundle's single fuzz_target stage.
func (b *Bundle) FuzzTargetStage() (*StageSpec, bool) {
	for i := range b.ProtocolStack {
		if b.ProtocolStack[i].Role == RoleFuzzTarget {
			return &b.ProtocolStack[i], true
		}
	}
	return nil, false
}

// BootstrapStages returns every bootstrap-role stage, in declaration order.
func (b *Bundle) BootstrapStages() []StageSpec {
	return b.stagesWithRole(RoleBootstrap)
}

// TeardownStages returns every teardown-role stage, in declaration order.
func (b *Bundle) TeardownStages() []StageSpec {
	return b.stagesWithRole(RoleTeardown)
}

func (b *Bundle) stagesWithRole(role StageRole) []StageSpec {
	var out []StageSpec
	for _, s := range b.ProtocolStack {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// Model resolves a named model reference, falling back to "default" when
// name is empty.
func (b *Bundle) Model(name string) (*codec.DataModel, bool) {
	if name == "" {
		name = "default"
	}
	m, ok := b.Models[name]
	if !ok {
		return nil, false
	}
	return &m, true
}
