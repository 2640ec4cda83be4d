package orchestrate

import (
	"sync"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/codec"
)

// declaredBehavior pairs a block's name with its declared spec and byte
// width, resolved once at construction time.
type declaredBehavior struct {
	field string
	spec  codec.BehaviorSpec
	width int
}

// FieldBehaviorProcessor implements orchestrate.BehaviorProcessor over a
// data model's declared `behavior` blocks: counters that increment (with
// wrap) between sends, and constants nudged by a fixed amount. State
// (the current counter value per field) is kept per processor instance,
// one per session, matching a session's own fuzzing sequence.
type FieldBehaviorProcessor struct {
	mu      sync.Mutex
	plan    []declaredBehavior
	counter map[string]uint64
}

// NewFieldBehaviorProcessor builds a plan from model's blocks. Blocks
// whose width can't be determined (variable-length bytes/strings) are
// skipped with a warning, since a counter must occupy a fixed-width
// field.
func NewFieldBehaviorProcessor(model *codec.DataModel) *FieldBehaviorProcessor {
	p := &FieldBehaviorProcessor{counter: make(map[string]uint64)}

	for i := range model.Blocks {
		block := &model.Blocks[i]
		if block.Behavior == nil {
			continue
		}

		width := block.Type.ByteWidth()
		if width == 0 {
			logger.Warn("behavior declared on a non-fixed-width block, skipping", "field", block.Name)
			continue
		}
		if block.Behavior.Operation != "increment" && block.Behavior.Operation != "add_constant" {
			logger.Warn("unsupported behavior operation, skipping", "field", block.Name, "operation", block.Behavior.Operation)
			continue
		}

		p.plan = append(p.plan, declaredBehavior{field: block.Name, spec: *block.Behavior, width: width})
		if block.Behavior.Operation == "increment" {
			p.counter[block.Name] = block.Behavior.Initial
		}
	}

	return p
}

// HasBehaviors reports whether model declared any usable behavior block.
func (p *FieldBehaviorProcessor) HasBehaviors() bool {
	return len(p.plan) > 0
}

// Apply overwrites each declared field in fields with its computed value:
// an increment counter's current value (advancing it, wrapping per spec),
// or the existing value nudged by a constant. ctx is unused here (a
// behavior operates purely on the field's own running state) but is part
// of the BehaviorProcessor interface so a future behavior kind can read
// session context.
func (p *FieldBehaviorProcessor) Apply(fields map[string]any, _ *Context) map[string]any {
	if len(p.plan) == 0 {
		return fields
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	for _, b := range p.plan {
		switch b.spec.Operation {
		case "increment":
			current := p.counter[b.field]
			out[b.field] = current
			next := current + b.spec.Step
			wrap := b.spec.Wrap
			if wrap == 0 {
				wrap = uint64(1) << uint(b.width*8)
			}
			p.counter[b.field] = next % wrap

		case "add_constant":
			current, ok := asUint64(out[b.field])
			if !ok {
				continue
			}
			mask := uint64(1)<<uint(b.width*8) - 1
			out[b.field] = (current + b.spec.Value) & mask
		}
	}

	return out
}

func asUint64(v any) (uint64, bool) {
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
	default:
		return 0, false
	}
}
