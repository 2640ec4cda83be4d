package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one TCP connection and echoes back whatever it reads,
// closing after the first idle gap.
func echoServer(t *testing.T) (Target, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port}, func() {
		ln.Close()
		wg.Wait()
	}
}

func TestSendAndReceiveTCPEchoes(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	resp, err := SendAndReceive(EphemeralConfig{
		Target:           target,
		Protocol:         ProtocolTCP,
		Timeout:          time.Second,
		MaxResponseBytes: 4096,
	}, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), resp)
}

func TestSendAndReceiveTCPConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now

	_, err = SendAndReceive(EphemeralConfig{
		Target:   Target{Host: "127.0.0.1", Port: addr.Port},
		Protocol: ProtocolTCP,
		Timeout:  500 * time.Millisecond,
	}, []byte("x"))

	require.Error(t, err)
	var refused *ConnectionRefusedError
	assert.ErrorAs(t, err, &refused)
}

func TestSendAndReceiveTCPTimeoutOnNoResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second) // never responds within the test's timeout
	}()

	addr := ln.Addr().(*net.TCPAddr)
	_, err = SendAndReceive(EphemeralConfig{
		Target:   Target{Host: "127.0.0.1", Port: addr.Port},
		Protocol: ProtocolTCP,
		Timeout:  100 * time.Millisecond,
	}, []byte("x"))

	require.Error(t, err)
	var timeoutErr *ReceiveTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestManagedSendAndReceive(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	m := NewManaged(ManagedConfig{Target: target, Timeout: time.Second, MaxResponseBytes: 4096})
	require.NoError(t, m.Connect())
	defer m.Close()

	resp, err := m.SendAndReceive([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp)

	stats := m.GetStats()
	assert.True(t, stats.Connected)
	assert.True(t, stats.Healthy)
	assert.EqualValues(t, 5, stats.BytesSent)
	assert.EqualValues(t, 5, stats.BytesRecv)
	assert.EqualValues(t, 1, stats.SendCount)
	assert.EqualValues(t, 1, stats.RecvCount)
}

func TestManagedSendAfterCloseFails(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	m := NewManaged(ManagedConfig{Target: target, Timeout: time.Second})
	require.NoError(t, m.Connect())
	require.NoError(t, m.Close())

	err := m.Send([]byte("x"))
	require.Error(t, err)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestManagedMarksUnhealthyOnSendError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var serverConn net.Conn
	connected := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConn = c
			close(connected)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	m := NewManaged(ManagedConfig{Target: Target{Host: "127.0.0.1", Port: addr.Port}, Timeout: time.Second})
	require.NoError(t, m.Connect())
	<-connected
	ln.Close()
	serverConn.Close()

	// The peer is gone; repeated sends should eventually surface an error
	// and flip healthy to false. TCP may absorb the first write or two
	// before RST arrives, so retry briefly.
	var lastErr error
	for i := 0; i < 20; i++ {
		lastErr = m.Send([]byte("ping"))
		if lastErr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Error(t, lastErr)
	assert.False(t, m.Healthy())
}

func TestManagerPerTestReturnsUncachedTransport(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-1", SessionConnectionConfig{
		Mode: ModePerTest, Target: target, Protocol: ProtocolTCP, Timeout: time.Second,
	})

	t1, id1, err := mgr.GetTransport("sess-1", "")
	require.NoError(t, err)
	defer t1.Close()

	assert.Contains(t, id1, "sess-1:")
	_, ok := mgr.transports["sess-1"]
	assert.False(t, ok, "per_test connections are never cached under the session's plain id")
}

func TestManagerSessionModeCachesTransport(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-2", SessionConnectionConfig{
		Mode: ModeSession, Target: target, Protocol: ProtocolTCP, Timeout: time.Second,
	})
	defer mgr.CloseAll()

	t1, id1, err := mgr.GetTransport("sess-2", "stage-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id1)

	t2, id2, err := mgr.GetTransport("sess-2", "stage-b")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "session mode keys by session id regardless of stage")
	assert.Same(t, t1, t2)
}

func TestManagerPerStageKeysByStageName(t *testing.T) {
	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-3", SessionConnectionConfig{Mode: ModePerStage})

	assert.Equal(t, "sess-3:bootstrap", mgr.connectionID("sess-3", "bootstrap", ModePerStage))
	assert.Equal(t, "sess-3:teardown", mgr.connectionID("sess-3", "teardown", ModePerStage))
}

func TestManagerReconnectFailsPermanentlyAfterMaxReconnects(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-4", SessionConnectionConfig{
		Mode: ModeSession, Target: target, Protocol: ProtocolTCP, Timeout: time.Second,
		OnDrop: OnDrop{MaxReconnects: 1, BackoffMs: 1},
	})

	_, err := mgr.Reconnect("sess-4", "", false)
	require.NoError(t, err)

	_, err = mgr.Reconnect("sess-4", "", false)
	require.Error(t, err)
	var abortErr *ConnectionAbortError
	assert.ErrorAs(t, err, &abortErr)
}

func TestManagerReconnectCarriesRebootstrapIntent(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-5", SessionConnectionConfig{
		Mode: ModeSession, Target: target, Protocol: ProtocolTCP, Timeout: time.Second,
		OnDrop: OnDrop{MaxReconnects: 5, BackoffMs: 1},
	})

	rebootstrap, err := mgr.Reconnect("sess-5", "", true)
	require.NoError(t, err)
	assert.True(t, rebootstrap)
}

func TestManagerRegisterAndUnregisterReplayTransport(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	replay := NewManaged(ManagedConfig{Target: target, Timeout: time.Second})
	require.NoError(t, replay.Connect())
	defer replay.Close()

	connID := mgr.RegisterReplayTransport("sess-6", replay)
	assert.Equal(t, "replay:sess-6", connID)

	got, ok := mgr.ReplayTransport("sess-6")
	require.True(t, ok)
	assert.Same(t, replay, got)

	mgr.UnregisterReplayTransport("sess-6")
	_, ok = mgr.ReplayTransport("sess-6")
	assert.False(t, ok)
}

func TestManagerCloseSessionClosesOnlyThatSessionsTransports(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	mgr := NewManager(4096, 4096)
	mgr.SetConnectionConfig("sess-a", SessionConnectionConfig{Mode: ModeSession, Target: target, Protocol: ProtocolTCP, Timeout: time.Second})
	mgr.SetConnectionConfig("sess-b", SessionConnectionConfig{Mode: ModeSession, Target: target, Protocol: ProtocolTCP, Timeout: time.Second})

	ta, _, err := mgr.GetTransport("sess-a", "")
	require.NoError(t, err)
	tb, _, err := mgr.GetTransport("sess-b", "")
	require.NoError(t, err)
	defer tb.Close()

	mgr.CloseSession("sess-a")
	assert.False(t, ta.Connected())
	assert.True(t, tb.Connected())
}
