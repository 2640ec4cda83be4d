package transport

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Stats is a snapshot of a managed transport's traffic counters.
type Stats struct {
	Connected    bool
	Healthy      bool
	CreatedAt    time.Time
	LastSend     time.Time
	LastRecv     time.Time
	BytesSent    int64
	BytesRecv    int64
	SendCount    int64
	RecvCount    int64
}

// ManagedConfig configures a persistent managed transport. Managed
// transports are TCP only; UDP is connectionless and must use the
// ephemeral per_test path.
type ManagedConfig struct {
	Target           Target
	Timeout          time.Duration
	MaxResponseBytes int
	ReadBufferSize   int
}

// Managed is a persistent TCP connection with a send mutex serializing all
// writes, so fuzz-loop traffic and heartbeat traffic never interleave on
// the wire.
type Managed struct {
	cfg  ManagedConfig
	conn net.Conn

	sendMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	healthy   bool
	stats     Stats
}

// NewManaged returns an unconnected managed transport; call Connect before
// use.
func NewManaged(cfg ManagedConfig) *Managed {
	return &Managed{cfg: cfg, healthy: true}
}

// Connect establishes the persistent connection. A no-op if already
// connected.
func (m *Managed) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.Dial("tcp", m.cfg.Target.addr())
	if err != nil {
		return classifyDialError(m.cfg.Target, err)
	}

	m.conn = conn
	m.connected = true
	m.healthy = true
	m.stats = Stats{Connected: true, Healthy: true, CreatedAt: time.Now()}
	return nil
}

// Connected reports whether the transport currently holds a live
// connection.
func (m *Managed) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Healthy reports whether the transport has gone without a send/recv error
// since it last connected; it is false after Close.
func (m *Managed) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

func (m *Managed) markUnhealthy() {
	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
}

// Send writes data on the connection. Coordinated by the send mutex so it
// cannot interleave with a concurrent SendAndReceive or another Send.
func (m *Managed) Send(data []byte) error {
	if !m.Connected() {
		return &TransportError{Reason: "not connected"}
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.Timeout))
	if _, err := m.conn.Write(data); err != nil {
		m.markUnhealthy()
		return &SendError{Host: m.cfg.Target.Host, Port: m.cfg.Target.Port, Size: len(data), Err: err}
	}

	m.mu.Lock()
	m.stats.LastSend = time.Now()
	m.stats.BytesSent += int64(len(data))
	m.stats.SendCount++
	m.mu.Unlock()
	return nil
}

// Recv reads one response from the connection, up to MaxResponseBytes,
// concatenating chunks until idle (mirrors the ephemeral transport's read
// loop). timeout overrides the connection's configured timeout when > 0.
func (m *Managed) Recv(timeout time.Duration) ([]byte, error) {
	if !m.Connected() {
		return nil, &TransportError{Reason: "not connected"}
	}
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}

	data, err := readUntilIdle(m.conn, EphemeralConfig{
		Target:           m.cfg.Target,
		Timeout:          timeout,
		MaxResponseBytes: m.cfg.MaxResponseBytes,
		ReadBufferSize:   m.cfg.ReadBufferSize,
	})
	if err != nil {
		var timeoutErr *ReceiveTimeoutError
		if !errors.As(err, &timeoutErr) {
			m.markUnhealthy()
		}
		return nil, err
	}
	if len(data) == 0 {
		m.markUnhealthy()
		return nil, &ReceiveError{Host: m.cfg.Target.Host, Port: m.cfg.Target.Port, Err: errors.New("connection closed by peer")}
	}

	m.mu.Lock()
	m.stats.LastRecv = time.Now()
	m.stats.BytesRecv += int64(len(data))
	m.stats.RecvCount++
	m.mu.Unlock()
	return data, nil
}

// SendAndReceive sends data and reads the response under a single
// acquisition of the send mutex, the primary request/response call used by
// the stage runner and fuzzing loop.
func (m *Managed) SendAndReceive(data []byte, timeout time.Duration) ([]byte, error) {
	if !m.Connected() {
		return nil, &TransportError{Reason: "not connected"}
	}
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	_ = m.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := m.conn.Write(data); err != nil {
		m.markUnhealthy()
		return nil, &SendError{Host: m.cfg.Target.Host, Port: m.cfg.Target.Port, Size: len(data), Err: err}
	}
	m.mu.Lock()
	m.stats.LastSend = time.Now()
	m.stats.BytesSent += int64(len(data))
	m.stats.SendCount++
	m.mu.Unlock()

	response, err := readUntilIdle(m.conn, EphemeralConfig{
		Target:           m.cfg.Target,
		Timeout:          timeout,
		MaxResponseBytes: m.cfg.MaxResponseBytes,
		ReadBufferSize:   m.cfg.ReadBufferSize,
	})
	if err != nil {
		var timeoutErr *ReceiveTimeoutError
		if !errors.As(err, &timeoutErr) {
			m.markUnhealthy()
		}
		return nil, err
	}

	m.mu.Lock()
	m.stats.LastRecv = time.Now()
	m.stats.BytesRecv += int64(len(response))
	m.stats.RecvCount++
	m.mu.Unlock()
	return response, nil
}

// Close closes the underlying connection. Safe to call on an unconnected
// or already-closed transport.
func (m *Managed) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	err := m.conn.Close()
	m.connected = false
	m.healthy = false
	m.stats.Connected = false
	return err
}

// GetStats returns a snapshot of the transport's traffic counters.
func (m *Managed) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	stats.Connected = m.connected
	stats.Healthy = m.healthy
	return stats
}
