package statemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/codec"
)

func testDataModel() *codec.DataModel {
	return &codec.DataModel{
		Blocks: []codec.Block{
			{
				Name: "command",
				Type: codec.TypeUint8,
				Values: map[int]string{
					1: "CONNECT",
					2: "DATA",
					3: "DISCONNECT",
				},
			},
			{Name: "payload", Type: codec.TypeBytes, MaxSize: intPtr(32)},
		},
	}
}

func intPtr(i int) *int { return &i }

func testStateModel() *Model {
	return &Model{
		InitialState: "INIT",
		States:       []string{"INIT", "CONNECTED", "AUTHED", "CLOSED"},
		Transitions: []Transition{
			{From: "INIT", To: "CONNECTED", MessageType: "CONNECT"},
			{From: "CONNECTED", To: "AUTHED", MessageType: "DATA"},
			{From: "CONNECTED", To: "CLOSED", MessageType: "DISCONNECT"},
			{From: "AUTHED", To: "CLOSED", MessageType: "DISCONNECT"},
		},
	}
}

func seedFor(t *testing.T, c *codec.Codec, command uint64) []byte {
	t.Helper()
	data, err := c.Serialize(map[string]any{"command": command, "payload": []byte("x")}, nil)
	require.NoError(t, err)
	return data
}

func TestTrackerIdentifyMessageType(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	seed := seedFor(t, c, 1)
	msgType, ok := tracker.IdentifyMessageType(seed)
	require.True(t, ok)
	assert.Equal(t, "CONNECT", msgType)
}

func TestTrackerUpdateStateAdvancesOnPass(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	connect := seedFor(t, c, 1)
	tracker.UpdateState(connect, nil, VerdictPass)
	assert.Equal(t, "CONNECTED", tracker.CurrentState())
}

func TestTrackerUpdateStateStaysOnCrash(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	connect := seedFor(t, c, 1)
	tracker.UpdateState(connect, nil, VerdictCrash)
	assert.Equal(t, "INIT", tracker.CurrentState())
}

func TestTrackerUpdateStateRejectsUnexpectedMessage(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	// DATA is not a valid transition from INIT.
	data := seedFor(t, c, 2)
	tracker.UpdateState(data, nil, VerdictPass)
	assert.Equal(t, "INIT", tracker.CurrentState())
}

func TestTrackerFindSeedForMessageType(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	seeds := [][]byte{seedFor(t, c, 1), seedFor(t, c, 2), seedFor(t, c, 3)}
	seed, ok := tracker.FindSeedForMessageType("DATA", seeds)
	require.True(t, ok)

	msgType, _ := tracker.IdentifyMessageType(seed)
	assert.Equal(t, "DATA", msgType)
}

func TestTrackerShouldResetOnInterval(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	assert.True(t, tracker.ShouldReset(10, 10))
	assert.False(t, tracker.ShouldReset(11, 10))
}

func TestTrackerShouldResetOnTerminalState(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	tracker.UpdateState(seedFor(t, c, 1), nil, VerdictPass)  // -> CONNECTED
	tracker.UpdateState(seedFor(t, c, 3), nil, VerdictPass)  // -> CLOSED (terminal)
	assert.True(t, tracker.ShouldReset(5, 1000))
}

func TestTrackerCoverageStats(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	tracker.UpdateState(seedFor(t, c, 1), nil, VerdictPass)

	stats := tracker.CoverageStats()
	assert.Equal(t, "CONNECTED", stats.CurrentState)
	assert.Greater(t, stats.StatesVisited, 0)
	assert.Greater(t, stats.TransitionsTaken, 0)
}

func TestNavigatorBreadthFirstPrefersLeastVisited(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	nav := NewNavigator(tracker, NavigatorConfig{Mode: ModeBreadthFirst})

	seeds := [][]byte{seedFor(t, c, 1)}
	seed, ok := nav.SelectMessageForMode(seeds, 0)
	require.True(t, ok)
	assert.Equal(t, seeds[0], seed)
}

func TestNavigatorDepthFirstTakesFirstTransition(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	nav := NewNavigator(tracker, NavigatorConfig{Mode: ModeDepthFirst})

	seeds := [][]byte{seedFor(t, c, 1)}
	seed, ok := nav.SelectMessageForMode(seeds, 0)
	require.True(t, ok)
	assert.Equal(t, seeds[0], seed)
}

func TestNavigatorFindPathToState(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	nav := NewNavigator(tracker, NavigatorConfig{})

	msgType, ok := nav.FindPathToState("AUTHED")
	require.True(t, ok)
	assert.Equal(t, "CONNECT", msgType, "must take the first step toward AUTHED, which is via CONNECTED")
}

func TestNavigatorTargetedModeNavigatesThenHolds(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	nav := NewNavigator(tracker, NavigatorConfig{Mode: ModeTargeted, TargetState: "AUTHED"})

	seeds := [][]byte{seedFor(t, c, 1), seedFor(t, c, 2)}
	seed, ok := nav.SelectMessageForMode(seeds, 0)
	require.True(t, ok)
	msgType, _ := tracker.IdentifyMessageType(seed)
	assert.Equal(t, "CONNECT", msgType)
}

func TestNavigatorResetIntervalPrecedence(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)

	override := 7
	nav := NewNavigator(tracker, NavigatorConfig{Mode: ModeBreadthFirst, SessionResetInterval: &override})
	assert.Equal(t, 7, nav.GetResetInterval())

	navDefault := NewNavigator(tracker, NavigatorConfig{Mode: ModeBreadthFirst})
	assert.Equal(t, DefaultResetIntervals().BreadthFirst, navDefault.GetResetInterval())
}

func TestNavigatorTerminationFuzzingInjectsNearResetBoundary(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	interval := 10
	nav := NewNavigator(tracker, NavigatorConfig{
		Mode:                     ModeBreadthFirst,
		SessionResetInterval:     &interval,
		EnableTerminationFuzzing: true,
		TerminationTestWindow:    2,
	})

	assert.True(t, nav.ShouldInjectTerminationTest(9))
}

func TestNavigatorTerminationResetClearsPendingFlag(t *testing.T) {
	c := codec.New(testDataModel())
	tracker := NewTracker(testStateModel(), c, nil)
	interval := 10
	nav := NewNavigator(tracker, NavigatorConfig{
		SessionResetInterval:     &interval,
		EnableTerminationFuzzing: true,
		TerminationTestWindow:    2,
	})

	require.True(t, nav.ShouldInjectTerminationTest(9), "within the window before the reset boundary")
	nav.UpdateState(seedFor(t, c, 1), nil, VerdictPass, 9) // -> CONNECTED

	nav.UpdateState(seedFor(t, c, 3), nil, VerdictPass, 10) // -> CLOSED, terminal
	assert.Equal(t, 1, nav.SessionResets())
	assert.False(t, nav.ShouldInjectTerminationTest(11), "pending flag must clear once terminal state is reached")
}
