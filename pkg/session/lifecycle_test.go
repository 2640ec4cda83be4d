package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/orchestrate"
)

func TestLifecycleStartWithoutBootstrapRunsImmediately(t *testing.T) {
	s := New("sess-1", Config{})
	l := NewLifecycle(s, nil, nil, nil, nil, orchestrate.HeartbeatConfig{}, nil)

	require.NoError(t, l.Start())
	assert.Equal(t, StatusRunning, s.Status)
	assert.NotNil(t, s.StartedAt)
}

func TestLifecycleStartTwiceFails(t *testing.T) {
	s := New("sess-1", Config{})
	l := NewLifecycle(s, nil, nil, nil, nil, orchestrate.HeartbeatConfig{}, nil)

	require.NoError(t, l.Start())
	err := l.Start()
	require.Error(t, err)

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusRunning, stateErr.From)
}

func TestLifecycleStopMarksCompletedAndSkipsTeardownWithoutStageRunner(t *testing.T) {
	s := New("sess-1", Config{})
	l := NewLifecycle(s, nil, nil, nil, nil, orchestrate.HeartbeatConfig{}, nil)

	require.NoError(t, l.Start())
	l.Stop()

	assert.Equal(t, StatusCompleted, s.Status)
	assert.NotNil(t, s.CompletedAt)
}

func TestLifecycleFailMarksFailedWithReason(t *testing.T) {
	s := New("sess-1", Config{})
	l := NewLifecycle(s, nil, nil, nil, nil, orchestrate.HeartbeatConfig{}, nil)

	l.Fail("no seeds available")

	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "no seeds available", s.ErrorMessage)
	assert.NotNil(t, s.CompletedAt)
}

func TestRecoverAsPausedOnlyTouchesRunningSessions(t *testing.T) {
	running := New("sess-1", Config{})
	running.Status = StatusRunning
	RecoverAsPaused(running)
	assert.Equal(t, StatusPaused, running.Status)
	assert.NotEmpty(t, running.ErrorMessage)

	idle := New("sess-2", Config{})
	RecoverAsPaused(idle)
	assert.Equal(t, StatusIdle, idle.Status)
}

func TestLifecycleStartWithDeclaredBootstrapButNoStageRunnerFails(t *testing.T) {
	s := New("sess-1", Config{})
	l := NewLifecycle(s, nil, []orchestrate.Stage{{Name: "handshake"}}, nil, nil, orchestrate.HeartbeatConfig{}, nil)

	err := l.Start()
	require.Error(t, err)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StatusFailed, s.Status)
}
