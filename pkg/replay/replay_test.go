package replay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/codec"
	"github.com/protofuzz/protofuzz/pkg/plugin"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// persistentEchoServer, unlike a one-shot echo listener, keeps reading and
// echoing on a connection until it's closed, so a single Managed transport
// can carry both a bootstrap exchange and a fuzz-target exchange the way
// fresh-mode replay requires.
func persistentEchoServer(t *testing.T) (string, int, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() {
		ln.Close()
		<-done
	}
}

type fakeHistory struct {
	records []session.ExecutionRecord
	byErr   error
}

func (f *fakeHistory) ListForReplay(ctx context.Context, upToSequence int64) ([]session.ExecutionRecord, error) {
	var out []session.ExecutionRecord
	for _, r := range f.records {
		if r.SequenceNumber > 0 && r.SequenceNumber <= upToSequence {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) FindBySequence(ctx context.Context, sequence int64) (*session.ExecutionRecord, error) {
	if f.byErr != nil {
		return nil, f.byErr
	}
	for i := range f.records {
		if f.records[i].SequenceNumber == sequence {
			rec := f.records[i]
			return &rec, nil
		}
	}
	return nil, assert.AnError
}

type fakePluginSource struct {
	loaded *plugin.Loaded
	err    error
}

func (f *fakePluginSource) Load(name string) (*plugin.Loaded, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.loaded, nil
}

func pingModel() codec.DataModel {
	return codec.DataModel{
		Blocks: []codec.Block{
			{Name: "value", Type: codec.TypeUint8},
		},
	}
}

func newTestSession(host string, port int) *session.Session {
	return &session.Session{
		ID: "sess-replay",
		Config: session.Config{
			Target:           transport.Target{Host: host, Port: port},
			Timeout:          time.Second,
			TimeoutPerTestMs: 500,
		},
	}
}

func TestReplayUpToStoredModeSendsHistoricalBytesAndMatches(t *testing.T) {
	host, port, cleanup := persistentEchoServer(t)
	defer cleanup()

	history := &fakeHistory{records: []session.ExecutionRecord{
		{SequenceNumber: 1, Payload: []byte("a"), Response: []byte("a")},
		{SequenceNumber: 2, Payload: []byte("b"), Response: []byte("b")},
		{SequenceNumber: 3, Payload: []byte("c"), Response: []byte("c")},
	}}

	executor := NewExecutor(nil, nil, history, 4096, 4096)
	sess := newTestSession(host, port)

	resp, err := executor.ReplayUpTo(context.Background(), sess, 3, ModeStored, 0, false)
	require.NoError(t, err)

	assert.Equal(t, 3, resp.ReplayedCount)
	assert.Equal(t, 0, resp.SkippedCount)
	assert.Empty(t, resp.Warnings)
	require.Len(t, resp.Results, 3)
	for i, r := range resp.Results {
		assert.Equal(t, int64(i+1), r.OriginalSequence)
		assert.Equal(t, "success", r.Status)
		assert.True(t, r.MatchedOriginal)
	}
}

func TestReplayUpToReturnsErrorWhenHistoryEmpty(t *testing.T) {
	executor := NewExecutor(nil, nil, &fakeHistory{}, 4096, 4096)
	sess := newTestSession("127.0.0.1", 1)

	_, err := executor.ReplayUpTo(context.Background(), sess, 3, ModeStored, 0, false)
	require.Error(t, err)
	var replayErr *Error
	require.ErrorAs(t, err, &replayErr)
}

func TestReplayUpToWarnsWhenHistoryDoesNotStartAtOne(t *testing.T) {
	host, port, cleanup := persistentEchoServer(t)
	defer cleanup()

	history := &fakeHistory{records: []session.ExecutionRecord{
		{SequenceNumber: 2, Payload: []byte("b"), Response: []byte("b")},
	}}

	executor := NewExecutor(nil, nil, history, 4096, 4096)
	sess := newTestSession(host, port)

	resp, err := executor.ReplayUpTo(context.Background(), sess, 2, ModeStored, 0, false)
	require.NoError(t, err)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "does not start at sequence 1")
}

func TestReplayUpToSkipsExecutionsFromOtherStages(t *testing.T) {
	host, port, cleanup := persistentEchoServer(t)
	defer cleanup()

	bundle := &plugin.Bundle{
		Name:   "echoproto",
		Models: map[string]codec.DataModel{"default": pingModel()},
		ProtocolStack: []plugin.StageSpec{
			{Name: "fuzz", Role: plugin.RoleFuzzTarget, RequestModel: "default"},
		},
	}
	loaded := &plugin.Loaded{Bundle: bundle}

	history := &fakeHistory{records: []session.ExecutionRecord{
		{SequenceNumber: 1, StageName: "some-other-stage", Payload: []byte("x"), Response: []byte("x")},
		{SequenceNumber: 2, StageName: "fuzz", Payload: []byte("y"), Response: []byte("y")},
	}}

	sess := newTestSession(host, port)
	sess.Config.PluginName = "echoproto"

	executor := NewExecutor(&fakePluginSource{loaded: loaded}, nil, history, 4096, 4096)

	resp, err := executor.ReplayUpTo(context.Background(), sess, 2, ModeSkip, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ReplayedCount)
	assert.Equal(t, 1, resp.SkippedCount)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(2), resp.Results[0].OriginalSequence)
}

func TestReplayUpToFreshModeSharesBootstrapConnection(t *testing.T) {
	host, port, cleanup := persistentEchoServer(t)
	defer cleanup()

	bundle := &plugin.Bundle{
		Name:   "echoproto",
		Models: map[string]codec.DataModel{"default": pingModel()},
		ProtocolStack: []plugin.StageSpec{
			{Name: "hello", Role: plugin.RoleBootstrap, RequestModel: "default"},
			{Name: "fuzz", Role: plugin.RoleFuzzTarget, RequestModel: "default"},
		},
	}
	loaded := &plugin.Loaded{Bundle: bundle}

	history := &fakeHistory{records: []session.ExecutionRecord{
		{SequenceNumber: 1, StageName: "fuzz", Payload: []byte{7}, Response: []byte{7}},
	}}

	sess := newTestSession(host, port)
	sess.Config.PluginName = "echoproto"

	manager := transport.NewManager(4096, 4096)
	executor := NewExecutor(&fakePluginSource{loaded: loaded}, manager, history, 4096, 4096)

	resp, err := executor.ReplayUpTo(context.Background(), sess, 1, ModeFresh, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ReplayedCount)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "success", resp.Results[0].Status)

	// Bootstrap must not leave a transport registered under the session
	// once replay completes.
	_, ok := manager.ReplayTransport(sess.ID)
	assert.False(t, ok)
}

func TestReplaySingleReturnsErrorResultWhenNotFound(t *testing.T) {
	history := &fakeHistory{byErr: assert.AnError}
	executor := NewExecutor(nil, nil, history, 4096, 4096)
	sess := newTestSession("127.0.0.1", 1)

	result, err := executor.ReplaySingle(context.Background(), sess, 99, ModeStored)
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, int64(99), result.OriginalSequence)
}

func TestReplaySingleReplaysStoredBytes(t *testing.T) {
	host, port, cleanup := persistentEchoServer(t)
	defer cleanup()

	history := &fakeHistory{records: []session.ExecutionRecord{
		{SequenceNumber: 5, Payload: []byte("hello"), Response: []byte("hello")},
	}}
	executor := NewExecutor(nil, nil, history, 4096, 4096)
	sess := newTestSession(host, port)

	result, err := executor.ReplaySingle(context.Background(), sess, 5, ModeStored)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.True(t, result.MatchedOriginal)
}
