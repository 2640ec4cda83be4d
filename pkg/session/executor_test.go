package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

func echoServer(t *testing.T) (transport.Target, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
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
	return transport.Target{Host: "127.0.0.1", Port: addr.Port}, func() {
		ln.Close()
		<-done
	}
}

func newTestSession(target transport.Target) *Session {
	return New("sess-1", Config{
		Target:    target,
		Transport: transport.ProtocolTCP,
		Timeout:   time.Second,
	})
}

func TestExecutorPassOnEcho(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	exec := NewExecutor(nil, 4096, 4096, nil)
	s := newTestSession(target)
	tc := &TestCase{ID: "tc-1", SessionID: s.ID, Data: []byte("ping")}

	verdict, response := exec.Execute(s, tc, nil)
	assert.Equal(t, statemodel.VerdictPass, verdict)
	assert.Equal(t, []byte("ping"), response)
	assert.Equal(t, statemodel.VerdictPass, tc.Verdict)
}

func TestExecutorConnectionRefusedSetsCrashAndGuidance(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	exec := NewExecutor(nil, 4096, 4096, nil)
	s := newTestSession(transport.Target{Host: "127.0.0.1", Port: addr.Port})
	s.Config.Timeout = 200 * time.Millisecond
	tc := &TestCase{ID: "tc-1", SessionID: s.ID, Data: []byte("x")}

	verdict, _ := exec.Execute(s, tc, nil)
	assert.Equal(t, statemodel.VerdictCrash, verdict)
	assert.Contains(t, s.ErrorMessage, "Connection refused")
	assert.Contains(t, s.ErrorMessage, ConnectionRefusedGuidance)
}

func TestExecutorReceiveTimeoutYieldsHang(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	exec := NewExecutor(nil, 4096, 4096, nil)
	s := newTestSession(transport.Target{Host: "127.0.0.1", Port: addr.Port})
	s.Config.Timeout = 100 * time.Millisecond
	tc := &TestCase{ID: "tc-1", SessionID: s.ID, Data: []byte("x")}

	verdict, _ := exec.Execute(s, tc, nil)
	assert.Equal(t, statemodel.VerdictHang, verdict)
}

func TestExecutorResponseCheckDemotesToLogicalFailure(t *testing.T) {
	target, cleanup := echoServer(t)
	defer cleanup()

	alwaysFalse := func(map[string]any) bool { return false }
	exec := NewExecutor(nil, 4096, 4096, alwaysFalse)
	s := newTestSession(target)
	tc := &TestCase{ID: "tc-1", SessionID: s.ID, Data: []byte("ping")}

	parseFields := func([]byte) (map[string]any, bool) { return map[string]any{"ok": false}, true }
	verdict, _ := exec.Execute(s, tc, parseFields)
	assert.Equal(t, statemodel.VerdictLogicalFailure, verdict)
}
