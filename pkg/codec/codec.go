package codec

import "sync/atomic"

// ContextReader is the read side of the session context store, consulted for
// from_context field resolution. Defined here (rather than imported from
// pkg/orchestrate) to keep the codec free of a dependency on orchestration.
type ContextReader interface {
	Get(key string) (value any, ok bool)
	Keys() []string
}

// Codec binds a DataModel to the mutable state its generators need: the
// monotonic sequence counter required by the `generate: sequence` tag. A
// codec instance corresponds to one parser instance per the spec; parsing
// and serializing hold no other state.
type Codec struct {
	model    *DataModel
	sequence atomic.Uint64
}

// New returns a codec for the given data model.
func New(model *DataModel) *Codec {
	return &Codec{model: model}
}

// Model returns the bound data model.
func (c *Codec) Model() *DataModel {
	return c.model
}
