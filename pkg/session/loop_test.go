package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/mutate"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// recordingHistory collects every record handed to it, for assertions.
type recordingHistory struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

func (r *recordingHistory) Record(rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingHistory) snapshot() []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExecutionRecord, len(r.records))
	copy(out, r.records)
	return out
}

// alwaysEchoServer accepts connections in a loop, echoing back whatever it
// reads on each, until closed. Unlike echoServer (which handles a single
// connection), the fuzzing loop opens one ephemeral connection per test case.
func alwaysEchoServer(t *testing.T) (string, int, func()) {
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
				c.SetReadDeadline(time.Now().Add(time.Second))
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				c.Write(buf[:n])
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() {
		ln.Close()
		<-done
	}
}

func TestFuzzingLoopRunsToMaxIterations(t *testing.T) {
	host, port, cleanup := alwaysEchoServer(t)
	defer cleanup()

	target := newTestSession(transport.Target{Host: host, Port: port})
	target.Config.MaxIterations = 5
	target.Config.Timeout = time.Second
	target.Status = StatusRunning

	seeds := [][]byte{[]byte("AAAA"), []byte("BBBB")}
	engine := mutate.New(seeds, nil, mutate.Config{})
	executor := NewExecutor(nil, 4096, 4096, nil)
	history := &recordingHistory{}

	loop := NewFuzzingLoop(target, nil, seeds, engine, nil, nil, executor, nil, history, nil, nil)

	err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, target.Status)
	assert.Equal(t, int64(5), target.Stats.TotalTests)
	assert.Len(t, history.snapshot(), 5)

	for i, rec := range history.snapshot() {
		assert.Equal(t, int64(i+1), rec.SequenceNumber)
		assert.Equal(t, statemodel.VerdictPass, rec.Result)
	}
}

func TestFuzzingLoopStopExitsPromptly(t *testing.T) {
	host, port, cleanup := alwaysEchoServer(t)
	defer cleanup()

	s := newTestSession(transport.Target{Host: host, Port: port})
	s.Config.Timeout = time.Second
	s.Status = StatusRunning

	seeds := [][]byte{[]byte("AAAA")}
	engine := mutate.New(seeds, nil, mutate.Config{})
	executor := NewExecutor(nil, 4096, 4096, nil)

	loop := NewFuzzingLoop(s, nil, seeds, engine, nil, nil, executor, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
}

func TestFuzzingLoopFailsInitializationWithNoSeeds(t *testing.T) {
	s := newTestSession(transport.Target{Host: "127.0.0.1", Port: 1})
	s.Status = StatusRunning

	loop := NewFuzzingLoop(s, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	err := loop.Run(context.Background())

	require.Error(t, err)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
}
