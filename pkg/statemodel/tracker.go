package statemodel

import (
	"container/ring"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

const historyRingSize = 64

// transitionRecord is one entry of the tracker's diagnostic history.
type transitionRecord struct {
	From        string
	To          string
	MessageType string
	Verdict     Verdict
	Success     bool
}

// Tracker maintains current protocol state, per-state and per-transition
// visit counts, and a bounded transition history, for one data model's
// command/message-type field.
type Tracker struct {
	model       *Model
	requestCmd  *codec.Codec
	responseCmd *codec.Codec // optional, used to identify response message types

	requestField    string
	requestForward  map[int]string // command value -> message type
	requestReverse  map[string]int // message type -> command value
	responseField   string
	responseForward map[int]string

	current          string
	stateVisits      map[string]int
	transitionVisits map[string]int
	history          *ring.Ring
}

// NewTracker builds a tracker over model, resolving the command/message-type
// field from requestCodec's data model (and, if provided, responseCodec's).
func NewTracker(model *Model, requestCodec, responseCodec *codec.Codec) *Tracker {
	t := &Tracker{
		model:            model,
		requestCmd:       requestCodec,
		responseCmd:      responseCodec,
		current:          model.InitialState,
		stateVisits:      make(map[string]int, len(model.States)),
		transitionVisits: make(map[string]int),
		history:          ring.New(historyRingSize),
	}

	for _, s := range model.States {
		t.stateVisits[s] = 0
	}

	if requestCodec != nil {
		t.requestField, t.requestForward = resolveCommandField(requestCodec.Model())
		t.requestReverse = invert(t.requestForward)
	}
	if responseCodec != nil {
		t.responseField, t.responseForward = resolveCommandField(responseCodec.Model())
	}

	return t
}

// resolveCommandField picks the block whose name is "command" or
// "message_type", else the first enum-bearing block, and returns its name
// plus its forward value->name mapping.
func resolveCommandField(m *codec.DataModel) (string, map[int]string) {
	var fallback *codec.Block
	for i := range m.Blocks {
		b := &m.Blocks[i]
		if len(b.Values) == 0 {
			continue
		}
		if b.Name == "command" || b.Name == "message_type" {
			return b.Name, b.Values
		}
		if fallback == nil {
			fallback = b
		}
	}
	if fallback != nil {
		return fallback.Name, fallback.Values
	}
	return "", nil
}

func invert(forward map[int]string) map[string]int {
	reverse := make(map[string]int, len(forward))
	for k, v := range forward {
		reverse[v] = k
	}
	return reverse
}

// CurrentState returns the tracker's current protocol state.
func (t *Tracker) CurrentState() string {
	return t.current
}

// ValidTransitionsFrom returns every transition declared from state.
func (t *Tracker) ValidTransitionsFrom(state string) []Transition {
	return t.model.transitionsFrom(state)
}

// IdentifyMessageType parses data with the request codec and reverse-looks
// up its command field's value to a symbolic message type.
func (t *Tracker) IdentifyMessageType(data []byte) (string, bool) {
	if t.requestCmd == nil || t.requestField == "" {
		return "", false
	}
	result, err := t.requestCmd.Parse(data)
	if err != nil {
		return "", false
	}
	raw, ok := result.Fields[t.requestField]
	if !ok {
		return "", false
	}
	name, found := t.requestForward[int(toInt(raw))]
	return name, found
}

// identifyResponseMessageType mirrors IdentifyMessageType for the response
// codec, used to validate a transition's expected_response.
func (t *Tracker) identifyResponseMessageType(data []byte) (string, bool) {
	if t.responseCmd == nil || t.responseField == "" {
		return "", false
	}
	result, err := t.responseCmd.Parse(data)
	if err != nil {
		return "", false
	}
	raw, ok := result.Fields[t.responseField]
	if !ok {
		return "", false
	}
	name, found := t.responseForward[int(toInt(raw))]
	return name, found
}

func toInt(v any) int64 {
	if iv, ok := v.(uint64); ok {
		return int64(iv)
	}
	return 0
}

// FindSeedForMessageType scans seeds, parsing each with the request codec,
// and returns the first whose command field decodes to messageType.
func (t *Tracker) FindSeedForMessageType(messageType string, seeds [][]byte) ([]byte, bool) {
	if _, ok := t.requestReverse[messageType]; !ok {
		return nil, false
	}
	for _, seed := range seeds {
		name, found := t.IdentifyMessageType(seed)
		if found && name == messageType {
			return seed, true
		}
	}
	return nil, false
}

// UpdateState advances the tracker after one test execution. It finds the
// transition matching (current state, identified message type of sent); if
// verdict is pass and the response matches any declared expected_response
// (or none is declared), it moves to the transition's target state.
// Otherwise the tracker stays put and records a failed-transition entry.
func (t *Tracker) UpdateState(sent []byte, response []byte, verdict Verdict) {
	messageType, ok := t.IdentifyMessageType(sent)
	if !ok {
		return
	}

	transition := t.findTransition(t.current, messageType)
	if transition == nil {
		return
	}

	record := transitionRecord{From: t.current, MessageType: messageType, Verdict: verdict}

	if verdict == VerdictPass {
		matches := true
		if transition.ExpectedResponse != "" && response != nil {
			actual, found := t.identifyResponseMessageType(response)
			matches = found && actual == transition.ExpectedResponse
		}

		if matches {
			t.current = transition.To
			record.To = transition.To
			record.Success = true
			t.stateVisits[transition.To]++
			t.transitionVisits[transition.From+"->"+transition.To]++
		}
	}

	t.pushHistory(record)
}

func (t *Tracker) findTransition(from, messageType string) *Transition {
	for i := range t.model.Transitions {
		tr := &t.model.Transitions[i]
		if tr.From == from && tr.MessageType == messageType {
			return tr
		}
	}
	return nil
}

func (t *Tracker) pushHistory(r transitionRecord) {
	t.history.Value = r
	t.history = t.history.Next()
}

// ShouldReset reports whether the tracker should reset to its initial
// state: true once per interval, or whenever the current state has no
// valid outgoing transitions.
func (t *Tracker) ShouldReset(iteration, interval int) bool {
	if interval > 0 && iteration > 0 && iteration%interval == 0 {
		return true
	}
	return len(t.ValidTransitionsFrom(t.current)) == 0
}

// ResetToInitialState returns the tracker to its model's initial state.
func (t *Tracker) ResetToInitialState() {
	t.current = t.model.InitialState
}

// TerminationStates returns the declared states with no outgoing
// transition.
func (t *Tracker) TerminationStates() []string {
	return t.model.terminalStates()
}

// TransitionsToTermination returns every transition whose target is a
// termination state.
func (t *Tracker) TransitionsToTermination() []Transition {
	terminal := make(map[string]bool)
	for _, s := range t.model.terminalStates() {
		terminal[s] = true
	}
	var out []Transition
	for _, tr := range t.model.Transitions {
		if terminal[tr.To] {
			out = append(out, tr)
		}
	}
	return out
}

// StateCoverage returns the visit count of every declared state, including
// the current state's own visit.
func (t *Tracker) StateCoverage() map[string]int {
	out := make(map[string]int, len(t.stateVisits))
	for k, v := range t.stateVisits {
		out[k] = v
	}
	out[t.current]++
	return out
}

// TransitionCoverage returns the take count of every transition that has
// fired at least once, keyed "from->to".
func (t *Tracker) TransitionCoverage() map[string]int {
	out := make(map[string]int, len(t.transitionVisits))
	for k, v := range t.transitionVisits {
		out[k] = v
	}
	return out
}

// CoverageStats summarizes state and transition coverage as percentages.
type CoverageStats struct {
	CurrentState          string
	StatesVisited         int
	StatesTotal           int
	StateCoveragePct      float64
	TransitionsTaken      int
	TransitionsTotal      int
	TransitionCoveragePct float64
}

// CoverageStats returns a snapshot of current coverage.
func (t *Tracker) CoverageStats() CoverageStats {
	stateCoverage := t.StateCoverage()
	transitionCoverage := t.TransitionCoverage()

	visited := 0
	for _, n := range stateCoverage {
		if n > 0 {
			visited++
		}
	}
	taken := 0
	for _, n := range transitionCoverage {
		if n > 0 {
			taken++
		}
	}

	stats := CoverageStats{
		CurrentState:     t.current,
		StatesVisited:    visited,
		StatesTotal:      len(t.model.States),
		TransitionsTaken: taken,
		TransitionsTotal: len(t.model.Transitions),
	}
	if stats.StatesTotal > 0 {
		stats.StateCoveragePct = float64(visited) / float64(stats.StatesTotal) * 100
	}
	if stats.TransitionsTotal > 0 {
		stats.TransitionCoveragePct = float64(taken) / float64(stats.TransitionsTotal) * 100
	}
	return stats
}
