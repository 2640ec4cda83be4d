package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

// Issue is one validation finding: an error blocks loading, a warning is
// informational only.
type Issue struct {
	Severity string // "error" or "warning"
	Category string
	Message  string
	Field    string
}

// Result collects every issue produced by one validation pass.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

func (r *Result) addError(category, field, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Severity: "error", Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) addWarning(category, field, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Severity: "warning", Category: category, Field: field, Message: fmt.Sprintf(format, args...)})
}

// IsValid reports whether a bundle has no errors; warnings never block
// loading.
func (r *Result) IsValid() bool { return len(r.Errors) == 0 }

var structValidator = validator.New(validator.WithRequiredStructEnabled())

var validTransformOps = map[string]bool{
	"add": true, "sub": true, "xor": true, "and": true, "or": true,
	"shl": true, "shr": true, "invert": true, "modulo": true,
}

// Validate performs struct-tag validation (required fields, oneof
// constraints) followed by the semantic checks every protocol plugin must
// satisfy: block structure, size/bit bounds, transform/generate tags,
// size_of target existence and self-reference (a size_of cycle through two
// or more fields is not detected), variable-length field positioning, and
// state model consistency. Struct-tag failures are fatal and returned as an
// error; semantic findings are returned in the Result even when they
// contain errors, so a caller can report every issue at once.
func Validate(b *Bundle) (*Result, error) {
	if err := structValidator.Struct(b); err != nil {
		return nil, fmt.Errorf("plugin bundle struct validation: %w", err)
	}

	result := &Result{}

	for name, model := range b.Models {
		validateDataModel(result, name, &model)
	}

	validateProtocolStack(result, b)

	if b.StateModel != nil {
		validateStateModel(result, b)
	}

	return result, nil
}

func validateDataModel(result *Result, modelName string, model *codec.DataModel) {
	if len(model.Blocks) == 0 {
		result.addError("data_model", modelName, "model %q has no blocks", modelName)
		return
	}

	seen := make(map[string]bool, len(model.Blocks))
	blockNames := make(map[string]bool, len(model.Blocks))
	for i := range model.Blocks {
		blockNames[model.Blocks[i].Name] = true
	}

	mutableCount := 0
	lengthReferenced := make(map[string]bool)
	for i := range model.Blocks {
		b := &model.Blocks[i]
		if b.IsSizeField {
			for _, target := range b.SizeOf {
				lengthReferenced[target] = true
			}
		}
	}

	lastIdx := len(model.Blocks) - 1
	for idx := range model.Blocks {
		block := &model.Blocks[idx]
		field := fmt.Sprintf("%s.%s", modelName, block.Name)

		if block.Name == "" {
			result.addError("data_model", modelName, "block %d missing 'name'", idx)
			continue
		}
		if seen[block.Name] {
			result.addError("data_model", field, "duplicate block name %q", block.Name)
		}
		seen[block.Name] = true

		if block.IsMutable() {
			mutableCount++
		}

		validateBlockType(result, field, block)
		validateBlockSize(result, field, block)
		validateSizeOf(result, field, block, blockNames)
		validateDynamicFields(result, field, block)

		hasFixedSize := block.Size != nil
		hasMaxSize := block.MaxSize != nil
		hasLengthRef := lengthReferenced[block.Name]
		if hasMaxSize && !hasFixedSize && !hasLengthRef && idx < lastIdx {
			result.addWarning("data_model", field,
				"variable-length field %q is not the last block of %q; the parser reads up to max_size bytes for it, which can include bytes of the blocks after it",
				block.Name, modelName)
		}
	}

	if mutableCount == 0 {
		result.addWarning("data_model", modelName, "every block in %q is marked mutable=false; fuzzing will have no mutations to apply", modelName)
	}
}

func validateBlockType(result *Result, field string, b *codec.Block) {
	switch b.Type {
	case codec.TypeBytes, codec.TypeString, codec.TypeBits,
		codec.TypeUint8, codec.TypeUint16, codec.TypeUint32, codec.TypeUint64,
		codec.TypeInt8, codec.TypeInt16, codec.TypeInt32, codec.TypeInt64:
	case "":
		result.addError("data_model", field, "block missing 'type'")
		return
	default:
		result.addError("data_model", field, "invalid block type %q", b.Type)
		return
	}

	if b.Type == codec.TypeBits {
		if b.Size == nil {
			result.addError("data_model", field, "type 'bits' requires a 'size' attribute (1-64 bits)")
		} else if *b.Size < 1 || *b.Size > 64 {
			result.addError("data_model", field, "bit size must be 1-64, got %d", *b.Size)
		}
		if b.BitOrder != "" && b.BitOrder != codec.MSBFirst && b.BitOrder != codec.LSBFirst {
			result.addError("data_model", field, "bit_order must be 'msb' or 'lsb', got %q", b.BitOrder)
		}
	}

	if b.Type == codec.TypeBytes && b.Size == nil && b.MaxSize == nil {
		result.addWarning("data_model", field, "bytes field has no size or max_size; will consume all remaining data")
	}

	if (b.Type.IsInteger() || b.Type == codec.TypeBits) && b.Endian != "" &&
		b.Endian != codec.BigEndian && b.Endian != codec.LittleEndian {
		result.addError("data_model", field, "invalid endian %q", b.Endian)
	}
}

func validateBlockSize(result *Result, field string, b *codec.Block) {
	if b.Size != nil {
		if *b.Size < 0 {
			result.addError("data_model", field, "negative size %d", *b.Size)
		} else if *b.Size > 65536 {
			result.addWarning("data_model", field, "very large fixed size: %d bytes", *b.Size)
		}
	}
	if b.MaxSize != nil {
		if *b.MaxSize < 0 {
			result.addError("data_model", field, "negative max_size %d", *b.MaxSize)
		} else if *b.MaxSize > 1048576 {
			result.addWarning("data_model", field, "very large max_size: %d bytes", *b.MaxSize)
		}
	}
}

func validateSizeOf(result *Result, field string, b *codec.Block, blockNames map[string]bool) {
	if !b.IsSizeField {
		return
	}
	if len(b.SizeOf) == 0 {
		result.addError("data_model", field, "is_size_field set but size_of is empty")
		return
	}
	for _, target := range b.SizeOf {
		if target == b.Name {
			result.addError("data_model", field, "circular size_of reference to itself")
			continue
		}
		if !blockNames[target] {
			result.addError("data_model", field, "size_of references non-existent field %q", target)
		}
	}
}

func validateDynamicFields(result *Result, field string, b *codec.Block) {
	for _, step := range b.Transform {
		if !validTransformOps[step.Op] {
			result.addError("data_model", field, "invalid transform operation %q", step.Op)
		}
	}

	if b.Generate == "" {
		return
	}
	switch b.Generate {
	case "unix_timestamp", "sequence":
		return
	}
	if strings.HasPrefix(b.Generate, "random_bytes:") {
		n := strings.TrimPrefix(b.Generate, "random_bytes:")
		if _, err := strconv.Atoi(n); err != nil {
			result.addError("data_model", field, "generate 'random_bytes:N' requires an integer N, got %q", b.Generate)
		}
		return
	}
	result.addError("data_model", field, "unknown generate tag %q", b.Generate)
}

func validateProtocolStack(result *Result, b *Bundle) {
	fuzzTargets := 0
	for i := range b.ProtocolStack {
		stage := &b.ProtocolStack[i]
		if stage.Role == RoleFuzzTarget {
			fuzzTargets++
		}
		if _, ok := b.Model(stage.RequestModel); !ok {
			result.addError("protocol_stack", stage.Name, "request_model %q not found in models", stage.RequestModel)
		}
		if stage.ResponseModel != "" {
			if _, ok := b.Model(stage.ResponseModel); !ok {
				result.addError("protocol_stack", stage.Name, "response_model %q not found in models", stage.ResponseModel)
			}
		}
	}
	if fuzzTargets == 0 {
		result.addError("protocol_stack", "", "exactly one fuzz_target stage is required, found none")
	}
	if fuzzTargets > 1 {
		result.addError("protocol_stack", "", "exactly one fuzz_target stage is required, found %d", fuzzTargets)
	}
}

func validateStateModel(result *Result, b *Bundle) {
	sm := b.StateModel
	if sm.InitialState == "" {
		result.addWarning("state_model", "", "missing initial_state")
	}
	if len(sm.States) == 0 {
		result.addWarning("state_model", "", "no states declared")
	}

	states := make(map[string]bool, len(sm.States))
	for _, s := range sm.States {
		states[s] = true
	}

	messageTypes := make(map[string]bool)
	for _, model := range b.Models {
		for i := range model.Blocks {
			for _, name := range model.Blocks[i].Values {
				messageTypes[name] = true
			}
		}
	}

	reachable := map[string]bool{}
	if sm.InitialState != "" {
		reachable[sm.InitialState] = true
	}

	for idx, t := range sm.Transitions {
		if t.From == "" {
			result.addError("state_model", "", "transition %d missing 'from' state", idx)
		} else if !states[t.From] {
			result.addError("state_model", "", "transition %d references undefined 'from' state %q", idx, t.From)
		}
		if t.To == "" {
			result.addError("state_model", "", "transition %d missing 'to' state", idx)
		} else if !states[t.To] {
			result.addError("state_model", "", "transition %d references undefined 'to' state %q", idx, t.To)
		}
		if t.MessageType != "" && len(messageTypes) > 0 && !messageTypes[t.MessageType] {
			result.addWarning("state_model", "", "transition %d message_type %q not found among data model enum values", idx, t.MessageType)
		}
	}

	changed := true
	for changed {
		changed = false
		for _, t := range sm.Transitions {
			if reachable[t.From] && !reachable[t.To] {
				reachable[t.To] = true
				changed = true
			}
		}
	}
	var unreachable []string
	for _, s := range sm.States {
		if !reachable[s] {
			unreachable = append(unreachable, s)
		}
	}
	if len(unreachable) > 0 {
		result.addWarning("state_model", "", "unreachable states: %s", strings.Join(unreachable, ", "))
	}
}
