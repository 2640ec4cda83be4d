package orchestrate

import (
	"sync"

	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

// BehaviorProcessor computes derived field values (counters, timestamps,
// sequence-dependent fields) over a field map before serialization. Plugins
// that declare `behavior` tags on blocks are wired to one.
type BehaviorProcessor interface {
	Apply(fields map[string]any, ctx *Context) map[string]any
}

// FollowupQueue is the thread-safe FIFO of response-planner-built follow-up
// requests the fuzzing loop drains before picking a fresh mutation.
type FollowupQueue struct {
	mu    sync.Mutex
	items []Followup
}

// Enqueue appends a follow-up to the back of the queue.
func (q *FollowupQueue) Enqueue(f Followup) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, f)
}

// Dequeue removes and returns the front of the queue, if any.
func (q *FollowupQueue) Dequeue() (Followup, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Followup{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

// Len reports the number of queued follow-ups.
func (q *FollowupQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SessionRuntimeContext bundles every orchestration-related piece of
// runtime state for one session: the resolved codecs, the protocol
// context, the optional stateful navigator, response planner, behavior
// processor, follow-up queue, and stage runner. The fuzzing loop reads from
// this rather than threading a dozen separate arguments through itself.
type SessionRuntimeContext struct {
	SessionID string

	RequestCodec  *codec.Codec
	ResponseCodec *codec.Codec // nil when request/response share layout

	ProtocolContext *Context

	Navigator         *statemodel.Navigator // nil when the plugin declares no state model
	ResponsePlanner   *ResponsePlanner      // nil when the plugin declares no response_handlers
	BehaviorProcessor BehaviorProcessor     // nil when the plugin declares no behavior-tagged blocks
	Followups         *FollowupQueue

	StageRunner *StageRunner // nil for sessions with no protocol stack
}

// NewSessionRuntimeContext returns a runtime context with an empty
// follow-up queue and a fresh protocol context.
func NewSessionRuntimeContext(sessionID string, requestCodec, responseCodec *codec.Codec) *SessionRuntimeContext {
	return &SessionRuntimeContext{
		SessionID:       sessionID,
		RequestCodec:    requestCodec,
		ResponseCodec:   responseCodec,
		ProtocolContext: NewContext(),
		Followups:       &FollowupQueue{},
	}
}

// HasBehaviors reports whether a behavior processor is wired in.
func (c *SessionRuntimeContext) HasBehaviors() bool { return c.BehaviorProcessor != nil }

// HasStatefulFuzzing reports whether a state-model navigator is wired in.
func (c *SessionRuntimeContext) HasStatefulFuzzing() bool { return c.Navigator != nil }

// HasResponsePlanning reports whether a response planner is wired in.
func (c *SessionRuntimeContext) HasResponsePlanning() bool { return c.ResponsePlanner != nil }

// HasOrchestration reports whether a stage runner is wired in (bootstrap
// or teardown stages were declared).
func (c *SessionRuntimeContext) HasOrchestration() bool { return c.StageRunner != nil }

// Cleanup releases every referenced component so the session can be
// garbage collected once removed from the manager.
func (c *SessionRuntimeContext) Cleanup() {
	c.Navigator = nil
	c.ResponsePlanner = nil
	c.BehaviorProcessor = nil
	c.StageRunner = nil
	c.Followups = nil
	c.ProtocolContext = nil
}

// SessionContextManagerStats summarizes the manager's current load.
type SessionContextManagerStats struct {
	SessionCount int
}

// SessionContextManager owns the map from session id to runtime context,
// the single point of entry the control plane and fuzzing loop use to
// reach a session's orchestration state.
type SessionContextManager struct {
	mu       sync.Mutex
	sessions map[string]*SessionRuntimeContext
}

// NewSessionContextManager returns an empty manager.
func NewSessionContextManager() *SessionContextManager {
	return &SessionContextManager{sessions: make(map[string]*SessionRuntimeContext)}
}

// Create registers and returns a new runtime context for sessionID,
// replacing any existing one (after cleaning it up).
func (m *SessionContextManager) Create(sessionID string, requestCodec, responseCodec *codec.Codec) *SessionRuntimeContext {
	ctx := NewSessionRuntimeContext(sessionID, requestCodec, responseCodec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		existing.Cleanup()
	}
	m.sessions[sessionID] = ctx
	return ctx
}

// Get returns sessionID's runtime context, if one exists.
func (m *SessionContextManager) Get(sessionID string) (*SessionRuntimeContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.sessions[sessionID]
	return ctx, ok
}

// GetOrCreate returns the existing runtime context for sessionID, or
// creates one if none exists yet.
func (m *SessionContextManager) GetOrCreate(sessionID string, requestCodec, responseCodec *codec.Codec) *SessionRuntimeContext {
	m.mu.Lock()
	if ctx, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return ctx
	}
	m.mu.Unlock()
	return m.Create(sessionID, requestCodec, responseCodec)
}

// Has reports whether sessionID has a registered runtime context.
func (m *SessionContextManager) Has(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Cleanup releases and removes sessionID's runtime context.
func (m *SessionContextManager) Cleanup(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, ok := m.sessions[sessionID]; ok {
		ctx.Cleanup()
		delete(m.sessions, sessionID)
	}
}

// CleanupAll releases and removes every registered runtime context.
func (m *SessionContextManager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ctx := range m.sessions {
		ctx.Cleanup()
		delete(m.sessions, id)
	}
}

// ListSessions returns every registered session id.
func (m *SessionContextManager) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetStats summarizes the manager's current load.
func (m *SessionContextManager) GetStats() SessionContextManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionContextManagerStats{SessionCount: len(m.sessions)}
}
