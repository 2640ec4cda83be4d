package orchestrate

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// pingModel is a tiny request/response model shared by the stage-runner and
// heartbeat tests: a 1-byte command, a 4-byte token field.
func pingModel() *codec.DataModel {
	return &codec.DataModel{
		Blocks: []codec.Block{
			{Name: "command", Type: codec.TypeUint8, Default: uint64(0x01)},
			{Name: "token", Type: codec.TypeUint32, Default: uint64(0)},
		},
	}
}

func responseModel() *codec.DataModel {
	return &codec.DataModel{
		Blocks: []codec.Block{
			{Name: "status", Type: codec.TypeUint8},
			{Name: "token", Type: codec.TypeUint32},
		},
	}
}

// fixedServer accepts one connection and replies with a fixed response to
// every message it reads, until closed.
func fixedServer(t *testing.T, response []byte) (transport.Target, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					c.SetReadDeadline(time.Now().Add(2 * time.Second))
					_, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(response); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return transport.Target{Host: "127.0.0.1", Port: addr.Port}, func() { ln.Close() }
}

func TestContextSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := NewContext()
	ctx.Set("auth_token", uint64(0x12345678))
	ctx.Set("nonce", []byte{0x00, 0x01, 0x02, 0x03})
	ctx.SetBootstrapComplete(true)

	snap := ctx.Snapshot(nil, nil, 65536)
	assert.True(t, snap.BootstrapComplete)

	restored := NewContext()
	restored.Restore(snap)

	assert.True(t, restored.BootstrapComplete())
	v, ok := restored.Get("auth_token")
	require.True(t, ok)
	assert.Equal(t, uint64(0x12345678), v)

	nonce, ok := restored.Get("nonce")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, nonce)
}

func TestContextClearResetsBootstrapFlag(t *testing.T) {
	ctx := NewContext()
	ctx.Set("k", "v")
	ctx.SetBootstrapComplete(true)

	ctx.Clear()

	assert.False(t, ctx.Has("k"))
	assert.False(t, ctx.BootstrapComplete())
}

func TestContextCopyIsIndependent(t *testing.T) {
	ctx := NewContext()
	ctx.Set("k", "v")

	cp := ctx.Copy()
	cp.Set("k", "other")

	v, _ := ctx.Get("k")
	assert.Equal(t, "v", v)
}

type recordingHistory struct {
	executions []StageExecution
}

func (r *recordingHistory) Record(e StageExecution) {
	r.executions = append(r.executions, e)
}

func TestStageRunnerBootstrapExportsContextValue(t *testing.T) {
	target, cleanup := fixedServer(t, []byte{0x00, 0x00, 0x00, 0x00, 0x01}) // status=0, token=1
	defer cleanup()

	ctx := NewContext()
	history := &recordingHistory{}
	runner := NewStageRunner("sess-1", nil, ctx, history)

	stage := Stage{
		Name:             "login",
		RequestCodec:     codec.New(pingModel()),
		ResponseCodec:    codec.New(responseModel()),
		ConnectionMode:   transport.ModePerTest,
		Protocol:         transport.ProtocolTCP,
		Target:           target,
		Timeout:          time.Second,
		MaxResponseBytes: 4096,
		Expect:           map[string]any{"status": uint64(0)},
		Exports:          []ExportSpec{{ResponseField: "token", ContextKey: "auth_token"}},
	}

	err := runner.RunBootstrapStages([]Stage{stage})
	require.NoError(t, err)

	v, ok := ctx.Get("auth_token")
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
	assert.True(t, ctx.BootstrapComplete())
	assert.Equal(t, StageComplete, runner.StageStatus("login"))

	require.Len(t, history.executions, 1)
	assert.Equal(t, int64(-1), history.executions[0].SequenceNumber)
	assert.Equal(t, "ok", history.executions[0].Result)
}

func TestStageRunnerValidationErrorIsNotRetried(t *testing.T) {
	target, cleanup := fixedServer(t, []byte{0x01, 0x00, 0x00, 0x00, 0x00}) // status=1
	defer cleanup()

	ctx := NewContext()
	history := &recordingHistory{}
	runner := NewStageRunner("sess-2", nil, ctx, history)

	stage := Stage{
		Name:           "login",
		RequestCodec:   codec.New(pingModel()),
		ResponseCodec:  codec.New(responseModel()),
		ConnectionMode: transport.ModePerTest,
		Protocol:       transport.ProtocolTCP,
		Target:         target,
		Timeout:        time.Second,
		Retry:          RetryConfig{MaxAttempts: 5, BackoffMs: 1},
		Expect:         map[string]any{"status": uint64(0)},
	}

	err := runner.RunBootstrapStages([]Stage{stage})
	require.Error(t, err)

	var validationErr *BootstrapValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "status", validationErr.Field)

	// Validation errors are not retryable: exactly one attempt recorded.
	assert.Len(t, history.executions, 1)
}

func TestStageRunnerRetriesTransportFailureUntilExhausted(t *testing.T) {
	// Nothing listening: every attempt fails with a transport error.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	ctx := NewContext()
	history := &recordingHistory{}
	runner := NewStageRunner("sess-3", nil, ctx, history)

	stage := Stage{
		Name:           "login",
		RequestCodec:   codec.New(pingModel()),
		ConnectionMode: transport.ModePerTest,
		Protocol:       transport.ProtocolTCP,
		Target:         transport.Target{Host: "127.0.0.1", Port: addr.Port},
		Timeout:        200 * time.Millisecond,
		Retry:          RetryConfig{MaxAttempts: 3, BackoffMs: 1},
	}

	err = runner.RunBootstrapStages([]Stage{stage})
	require.Error(t, err)
	assert.Equal(t, StageFailed, runner.StageStatus("login"))
	assert.Len(t, history.executions, 3, "all 3 attempts should be recorded")

	// Sequence numbers strictly decreasing across attempts.
	assert.Equal(t, int64(-1), history.executions[0].SequenceNumber)
	assert.Equal(t, int64(-2), history.executions[1].SequenceNumber)
	assert.Equal(t, int64(-3), history.executions[2].SequenceNumber)
}

func TestStageRunnerTeardownFailureDoesNotStopRemainingStages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // first teardown stage's target refuses

	target2, cleanup2 := fixedServer(t, []byte{0x00})
	defer cleanup2()

	ctx := NewContext()
	history := &recordingHistory{}
	runner := NewStageRunner("sess-4", nil, ctx, history)

	stages := []Stage{
		{
			Name:           "logout-fails",
			RequestCodec:   codec.New(pingModel()),
			ConnectionMode: transport.ModePerTest,
			Protocol:       transport.ProtocolTCP,
			Target:         transport.Target{Host: "127.0.0.1", Port: addr.Port},
			Timeout:        200 * time.Millisecond,
		},
		{
			Name:           "cleanup-succeeds",
			RequestCodec:   codec.New(pingModel()),
			ConnectionMode: transport.ModePerTest,
			Protocol:       transport.ProtocolTCP,
			Target:         target2,
			Timeout:        time.Second,
		},
	}

	errs := runner.RunTeardownStages(stages)
	require.Len(t, errs, 1)
	assert.Equal(t, StageFailed, runner.StageStatus("logout-fails"))
	assert.Equal(t, StageComplete, runner.StageStatus("cleanup-succeeds"))
}

func TestHeartbeatSchedulerTracksAcksBeforeStop(t *testing.T) {
	target, cleanup := fixedServer(t, []byte("PONG"))
	defer cleanup()

	mgr := transport.NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-6", transport.SessionConnectionConfig{
		Mode: transport.ModeSession, Target: target, Protocol: transport.ProtocolTCP, Timeout: time.Second,
	})
	defer mgr.CloseAll()

	sched := NewHeartbeatScheduler(mgr, nil)
	cfg := HeartbeatConfig{
		Enabled:         true,
		IntervalMs:      30,
		Message:         HeartbeatMessage{Raw: []byte("PING")},
		ExpectResponse:  true,
		ResponseTimeout: time.Second,
	}

	sched.Start("sess-6", cfg, NewContext())
	time.Sleep(150 * time.Millisecond)

	state, ok := sched.Status("sess-6")
	require.True(t, ok)
	assert.Greater(t, state.TotalSent, 0)
	assert.Greater(t, state.TotalAcks, 0)
	assert.Equal(t, HeartbeatHealthy, state.Status)

	sched.Stop("sess-6")
	assert.False(t, sched.IsRunning("sess-6"))
}

func TestHeartbeatSchedulerAbortsAfterMaxFailures(t *testing.T) {
	// Server accepts but never replies, so every heartbeat send times out on
	// the read and is treated as a failure.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // never responds, connection just sits open
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	mgr := transport.NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-7", transport.SessionConnectionConfig{
		Mode: transport.ModeSession, Target: transport.Target{Host: "127.0.0.1", Port: addr.Port}, Protocol: transport.ProtocolTCP, Timeout: time.Second,
	})
	defer mgr.CloseAll()

	sched := NewHeartbeatScheduler(mgr, nil)
	cfg := HeartbeatConfig{
		Enabled:         true,
		IntervalMs:      20,
		Message:         HeartbeatMessage{Raw: []byte("PING")},
		ExpectResponse:  true,
		ResponseTimeout: 50 * time.Millisecond,
		OnTimeout:       OnTimeout{MaxFailures: 2, Action: ActionAbort},
	}

	sched.Start("sess-7", cfg, NewContext())
	require.Eventually(t, func() bool {
		return !sched.IsRunning("sess-7")
	}, 2*time.Second, 20*time.Millisecond, "heartbeat loop should abort and exit on its own")
}

func TestResponsePlannerBuildsFollowupOnMatch(t *testing.T) {
	requestCodec := codec.New(pingModel())
	planner := NewResponsePlanner(requestCodec, codec.New(responseModel()), []ResponseHandler{
		{
			Name:  "sync_token",
			Match: map[string]any{"status": uint64(0)},
			SetFields: map[string]FieldValue{
				"command": {Literal: uint64(0x10)},
				"token":   {CopyFromResponse: "token"},
			},
		},
	})

	response := []byte{0x00, 0x00, 0x00, 0x00, 0x2A} // status=0, token=42
	followups := planner.Plan(response)

	require.Len(t, followups, 1)
	assert.Equal(t, "sync_token", followups[0].Handler)

	parsed, err := requestCodec.Parse(followups[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), parsed.Fields["command"])
	assert.Equal(t, uint64(42), parsed.Fields["token"])
}

func TestResponsePlannerNoMatchYieldsNoFollowups(t *testing.T) {
	requestCodec := codec.New(pingModel())
	planner := NewResponsePlanner(requestCodec, codec.New(responseModel()), []ResponseHandler{
		{Name: "only_on_error", Match: map[string]any{"status": uint64(1)}},
	})

	response := []byte{0x00, 0x00, 0x00, 0x00, 0x00} // status=0
	assert.Empty(t, planner.Plan(response))
}

func TestResponsePlannerMatchAcceptsListOfValues(t *testing.T) {
	requestCodec := codec.New(pingModel())
	planner := NewResponsePlanner(requestCodec, codec.New(responseModel()), []ResponseHandler{
		{Name: "any_error", Match: map[string]any{"status": []any{uint64(1), uint64(2)}}},
	})

	response := []byte{0x02, 0x00, 0x00, 0x00, 0x00}
	assert.Len(t, planner.Plan(response), 1)
}

func TestSessionContextManagerLifecycle(t *testing.T) {
	mgr := NewSessionContextManager()
	requestCodec := codec.New(pingModel())

	ctx := mgr.GetOrCreate("sess-8", requestCodec, nil)
	assert.False(t, ctx.HasOrchestration())
	assert.True(t, mgr.Has("sess-8"))

	again, _ := mgr.Get("sess-8")
	assert.Same(t, ctx, again)

	mgr.Cleanup("sess-8")
	assert.False(t, mgr.Has("sess-8"))
	assert.Equal(t, SessionContextManagerStats{SessionCount: 0}, mgr.GetStats())
}
