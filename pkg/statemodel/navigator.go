package statemodel

// FuzzingMode selects the navigator's seed-selection policy.
type FuzzingMode string

const (
	ModeBreadthFirst FuzzingMode = "breadth_first"
	ModeDepthFirst   FuzzingMode = "depth_first"
	ModeTargeted     FuzzingMode = "targeted"
	ModeRandom       FuzzingMode = "random"
)

// ResetIntervals carries the mode-default reset intervals; bfs < dfs <
// targeted <= random, per the navigation policy.
type ResetIntervals struct {
	BreadthFirst int
	DepthFirst   int
	Targeted     int
	Random       int
}

// DefaultResetIntervals mirrors the reference engine's settings defaults.
func DefaultResetIntervals() ResetIntervals {
	return ResetIntervals{BreadthFirst: 50, DepthFirst: 200, Targeted: 300, Random: 300}
}

// NavigatorConfig controls a Navigator's policy selection.
type NavigatorConfig struct {
	Mode                     FuzzingMode
	TargetState              string
	SessionResetInterval     *int // overrides mode default when set
	Intervals                ResetIntervals
	EnableTerminationFuzzing bool
	TerminationTestWindow    int
	TerminationTestInterval  int
}

// Navigator wraps a Tracker with the fuzzing-mode seed-selection policies
// and termination-fuzzing injection logic.
type Navigator struct {
	tracker *Tracker
	config  NavigatorConfig

	terminationResetPending bool
	terminationTests        int
	sessionResets           int
	testsSinceLastReset     int
}

// NewNavigator returns a navigator over tracker using config.
func NewNavigator(tracker *Tracker, config NavigatorConfig) *Navigator {
	if config.Intervals == (ResetIntervals{}) {
		config.Intervals = DefaultResetIntervals()
	}
	if config.TerminationTestInterval == 0 {
		config.TerminationTestInterval = 500
	}
	return &Navigator{tracker: tracker, config: config}
}

// CurrentState returns the wrapped tracker's current state.
func (n *Navigator) CurrentState() string {
	return n.tracker.CurrentState()
}

// GetResetInterval returns the interval to use for periodic state resets:
// the session override if set, else the mode's default.
func (n *Navigator) GetResetInterval() int {
	if n.config.SessionResetInterval != nil {
		return *n.config.SessionResetInterval
	}
	switch n.config.Mode {
	case ModeBreadthFirst:
		return n.config.Intervals.BreadthFirst
	case ModeDepthFirst:
		return n.config.Intervals.DepthFirst
	case ModeTargeted:
		if n.config.TargetState != "" {
			return n.config.Intervals.Targeted
		}
		return n.config.Intervals.Random
	default:
		return n.config.Intervals.Random
	}
}

// SelectMessageForMode picks a seed following the configured fuzzing mode.
// Returns false if no seed could be selected (caller falls back to its own
// default selection, matching the random mode's behavior).
func (n *Navigator) SelectMessageForMode(seeds [][]byte, iteration int) ([]byte, bool) {
	switch n.config.Mode {
	case ModeBreadthFirst:
		return n.selectBreadthFirst(seeds)
	case ModeDepthFirst:
		return n.selectDepthFirst(seeds)
	case ModeTargeted:
		return n.selectTargeted(seeds)
	default:
		return nil, false
	}
}

func (n *Navigator) selectBreadthFirst(seeds [][]byte) ([]byte, bool) {
	valid := n.tracker.ValidTransitionsFrom(n.tracker.CurrentState())
	if len(valid) == 0 {
		return nil, false
	}

	coverage := n.tracker.StateCoverage()
	best := valid[0]
	bestCount := coverage[best.To]
	for _, t := range valid[1:] {
		if coverage[t.To] < bestCount {
			best = t
			bestCount = coverage[t.To]
		}
	}

	return n.tracker.FindSeedForMessageType(best.MessageType, seeds)
}

func (n *Navigator) selectDepthFirst(seeds [][]byte) ([]byte, bool) {
	valid := n.tracker.ValidTransitionsFrom(n.tracker.CurrentState())
	if len(valid) == 0 {
		return nil, false
	}
	return n.tracker.FindSeedForMessageType(valid[0].MessageType, seeds)
}

func (n *Navigator) selectTargeted(seeds [][]byte) ([]byte, bool) {
	if n.config.TargetState == "" || n.tracker.CurrentState() == n.config.TargetState {
		return n.selectDepthFirst(seeds)
	}

	messageType, ok := n.FindPathToState(n.config.TargetState)
	if !ok {
		return nil, false
	}
	return n.tracker.FindSeedForMessageType(messageType, seeds)
}

// FindPathToState runs BFS over the transition graph from the current
// state and returns the message type of the first step toward target.
func (n *Navigator) FindPathToState(target string) (string, bool) {
	current := n.tracker.CurrentState()
	if current == target {
		valid := n.tracker.ValidTransitionsFrom(current)
		if len(valid) == 0 {
			return "", false
		}
		return valid[0].MessageType, true
	}

	type queued struct {
		state     string
		firstStep string
	}

	visited := map[string]bool{current: true}
	queue := []queued{{state: current}}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		for _, t := range n.tracker.ValidTransitionsFrom(head.state) {
			if visited[t.To] {
				continue
			}

			firstStep := head.firstStep
			if firstStep == "" {
				firstStep = t.MessageType
			}

			if t.To == target {
				return firstStep, true
			}

			visited[t.To] = true
			queue = append(queue, queued{state: t.To, firstStep: firstStep})
		}
	}

	return "", false
}

// ShouldInjectTerminationTest reports whether the navigator should route
// the next message toward a termination state, either because a reset
// boundary is imminent or the periodic termination interval has elapsed.
func (n *Navigator) ShouldInjectTerminationTest(iteration int) bool {
	if !n.config.EnableTerminationFuzzing {
		return false
	}
	if n.terminationResetPending {
		return true
	}

	terminationTransitions := n.tracker.TransitionsToTermination()
	if len(terminationTransitions) == 0 {
		return false
	}

	resetInterval := n.GetResetInterval()
	testsUntilReset := 999
	if resetInterval > 0 {
		testsUntilReset = resetInterval - (iteration % resetInterval)
	}
	if testsUntilReset <= n.config.TerminationTestWindow {
		n.terminationResetPending = true
		return true
	}

	terminationInterval := n.config.TerminationTestInterval
	if resetInterval > 0 {
		terminationInterval = min(terminationInterval, max(resetInterval/2, 10))
	}
	if iteration > 0 && terminationInterval > 0 && iteration%terminationInterval == 0 {
		n.terminationResetPending = true
		return true
	}

	return false
}

// SelectTerminationMessage picks a seed that will move toward a
// termination state: a direct transition from the current state if one
// exists, else a navigation step toward an intermediate state that has
// one.
func (n *Navigator) SelectTerminationMessage(seeds [][]byte) ([]byte, bool) {
	terminationTransitions := n.tracker.TransitionsToTermination()
	if len(terminationTransitions) == 0 {
		return nil, false
	}

	current := n.tracker.CurrentState()

	for _, t := range terminationTransitions {
		if t.From == current {
			seed, ok := n.tracker.FindSeedForMessageType(t.MessageType, seeds)
			if ok {
				n.terminationTests++
				return seed, true
			}
		}
	}

	for _, t := range terminationTransitions {
		if t.From != "" && t.From != current {
			messageType, ok := n.FindPathToState(t.From)
			if !ok {
				continue
			}
			seed, ok := n.tracker.FindSeedForMessageType(messageType, seeds)
			if ok {
				return seed, true
			}
		}
	}

	return nil, false
}

// UpdateState advances the tracker after one execution, reconciles
// termination-fuzzing state, and resets the tracker when a termination or
// periodic boundary is reached.
func (n *Navigator) UpdateState(sent, response []byte, verdict Verdict, iteration int) {
	n.tracker.UpdateState(sent, response, verdict)
	n.testsSinceLastReset++

	if n.terminationResetPending {
		terminal := make(map[string]bool)
		for _, s := range n.tracker.TerminationStates() {
			terminal[s] = true
		}
		if terminal[n.tracker.CurrentState()] {
			n.terminationResetPending = false
			n.tracker.ResetToInitialState()
			n.sessionResets++
			n.testsSinceLastReset = 0
			return
		}
	}

	resetInterval := n.GetResetInterval()
	if n.tracker.ShouldReset(iteration, resetInterval) {
		if n.terminationResetPending {
			return
		}
		n.tracker.ResetToInitialState()
		n.sessionResets++
		n.testsSinceLastReset = 0
	}
}

// CoverageStats returns the wrapped tracker's coverage snapshot.
func (n *Navigator) CoverageStats() CoverageStats {
	return n.tracker.CoverageStats()
}

// SessionResets returns the number of resets performed so far.
func (n *Navigator) SessionResets() int {
	return n.sessionResets
}

// TerminationTests returns the number of termination tests selected so
// far.
func (n *Navigator) TerminationTests() int {
	return n.terminationTests
}

// Reset returns the wrapped tracker to its initial state.
func (n *Navigator) Reset() {
	n.tracker.ResetToInitialState()
}
