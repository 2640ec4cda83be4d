package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionMode selects how a managed transport is keyed and shared
// across a session's stages and test iterations.
type ConnectionMode string

const (
	// ModeSession shares one managed transport across the whole session.
	ModeSession ConnectionMode = "session"
	// ModePerStage opens a fresh managed transport for each stage.
	ModePerStage ConnectionMode = "per_stage"
	// ModePerTest opens and closes a fresh managed transport per call;
	// the manager never caches it and the caller must close it.
	ModePerTest ConnectionMode = "per_test"
)

// OnDrop configures reconnect behavior when a managed transport goes
// unhealthy.
type OnDrop struct {
	MaxReconnects int
	BackoffMs     int
}

// SessionConnectionConfig is the per-session connection policy: mode, the
// target, transport protocol, timeouts, and reconnect settings.
type SessionConnectionConfig struct {
	Mode     ConnectionMode
	Target   Target
	Protocol Protocol
	Timeout  time.Duration
	OnDrop   OnDrop
}

func (c SessionConnectionConfig) managedConfig(maxResponseBytes, readBufferSize int) ManagedConfig {
	return ManagedConfig{
		Target:           c.Target,
		Timeout:          c.Timeout,
		MaxResponseBytes: maxResponseBytes,
		ReadBufferSize:   readBufferSize,
	}
}

// Manager owns the mapping from connection_id to managed transport, keyed
// per SessionConnectionConfig.Mode, and implements reconnect-with-backoff.
type Manager struct {
	mu               sync.Mutex
	transports       map[string]*Managed
	configs          map[string]SessionConnectionConfig
	reconnectCounts  map[string]int
	maxResponseBytes int
	readBufferSize   int
}

// NewManager returns an empty connection manager. maxResponseBytes and
// readBufferSize are applied to every managed transport it creates.
func NewManager(maxResponseBytes, readBufferSize int) *Manager {
	return &Manager{
		transports:       make(map[string]*Managed),
		configs:          make(map[string]SessionConnectionConfig),
		reconnectCounts:  make(map[string]int),
		maxResponseBytes: maxResponseBytes,
		readBufferSize:   readBufferSize,
	}
}

// SetConnectionConfig records the connection policy for a session.
func (m *Manager) SetConnectionConfig(sessionID string, cfg SessionConnectionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[sessionID] = cfg
}

func (m *Manager) connectionConfig(sessionID string) SessionConnectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[sessionID]
}

func (m *Manager) connectionID(sessionID, stageName string, mode ConnectionMode) string {
	switch mode {
	case ModeSession:
		return sessionID
	case ModePerStage:
		return sessionID + ":" + stageName
	default:
		return sessionID + ":" + uuid.NewString()
	}
}

// GetTransport returns the managed transport for (sessionID, stageName)
// under the session's configured mode. session and per_stage transports
// are cached and reused while healthy; per_test always returns a brand
// new, uncached transport that the caller must Close.
func (m *Manager) GetTransport(sessionID, stageName string) (*Managed, string, error) {
	if replay, ok := m.ReplayTransport(sessionID); ok {
		return replay, "replay:" + sessionID, nil
	}

	cfg := m.connectionConfig(sessionID)

	if cfg.Mode == ModePerTest {
		id := m.connectionID(sessionID, stageName, ModePerTest)
		transport, err := m.createTransport(cfg)
		return transport, id, err
	}

	connID := m.connectionID(sessionID, stageName, cfg.Mode)

	m.mu.Lock()
	existing, ok := m.transports[connID]
	m.mu.Unlock()

	if ok {
		if existing.Connected() && existing.Healthy() {
			return existing, connID, nil
		}
		existing.Close()
		m.mu.Lock()
		delete(m.transports, connID)
		m.mu.Unlock()
	}

	transport, err := m.createTransport(cfg)
	if err != nil {
		return nil, connID, err
	}

	m.mu.Lock()
	m.transports[connID] = transport
	m.mu.Unlock()
	return transport, connID, nil
}

func (m *Manager) createTransport(cfg SessionConnectionConfig) (*Managed, error) {
	transport := NewManaged(cfg.managedConfig(m.maxResponseBytes, m.readBufferSize))
	if err := transport.Connect(); err != nil {
		return nil, err
	}
	return transport, nil
}

// Reconnect closes the session's existing managed transport (if cached),
// backs off for OnDrop.BackoffMs, and opens a new one. Returns rebootstrap
// unchanged, carrying the caller's intent to re-run bootstrap stages; the
// manager itself never re-runs bootstrap. Fails permanently once the
// session's reconnect count exceeds OnDrop.MaxReconnects.
func (m *Manager) Reconnect(sessionID, stageName string, rebootstrap bool) (bool, error) {
	cfg := m.connectionConfig(sessionID)

	maxReconnects := cfg.OnDrop.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 5
	}

	m.mu.Lock()
	count := m.reconnectCounts[sessionID]
	m.mu.Unlock()

	if count >= maxReconnects {
		return false, &ConnectionAbortError{SessionID: sessionID, ReconnectCount: count, MaxReconnects: maxReconnects}
	}

	connID := m.connectionID(sessionID, stageName, cfg.Mode)
	m.mu.Lock()
	if existing, ok := m.transports[connID]; ok {
		existing.Close()
		delete(m.transports, connID)
	}
	m.mu.Unlock()

	backoff := cfg.OnDrop.BackoffMs
	if backoff <= 0 {
		backoff = 1000
	}
	time.Sleep(time.Duration(backoff) * time.Millisecond)

	transport, err := m.createTransport(cfg)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.transports[connID] = transport
	m.reconnectCounts[sessionID] = count + 1
	m.mu.Unlock()

	return rebootstrap, nil
}

// RegisterReplayTransport registers transport under a replay-prefixed key
// distinct from the session's normal connection id, so bootstrap stages run
// during replay share the replayed connection instead of opening a second
// one.
func (m *Manager) RegisterReplayTransport(sessionID string, transport *Managed) string {
	connID := "replay:" + sessionID
	m.mu.Lock()
	m.transports[connID] = transport
	m.mu.Unlock()
	return connID
}

// UnregisterReplayTransport removes the replay registration without
// closing the transport; the caller owns its lifecycle.
func (m *Manager) UnregisterReplayTransport(sessionID string) {
	connID := "replay:" + sessionID
	m.mu.Lock()
	delete(m.transports, connID)
	m.mu.Unlock()
}

// ReplayTransport returns the transport registered for sessionID, if any.
func (m *Manager) ReplayTransport(sessionID string) (*Managed, bool) {
	connID := "replay:" + sessionID
	m.mu.Lock()
	defer m.mu.Unlock()
	transport, ok := m.transports[connID]
	return transport, ok
}

// CloseSession closes and removes every managed transport keyed under
// sessionID (its session-mode, per-stage, and replay entries).
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for connID, transport := range m.transports {
		if connID == sessionID || strings.HasPrefix(connID, sessionID+":") || connID == "replay:"+sessionID {
			transport.Close()
			delete(m.transports, connID)
		}
	}
	delete(m.configs, sessionID)
	delete(m.reconnectCounts, sessionID)
}

// CloseAll closes every managed transport the manager holds.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for connID, transport := range m.transports {
		transport.Close()
		delete(m.transports, connID)
	}
	m.configs = make(map[string]SessionConnectionConfig)
	m.reconnectCounts = make(map[string]int)
}

// Stats returns the traffic counters for sessionID's current transport, if
// one exists.
func (m *Manager) Stats(sessionID, stageName string) (Stats, bool) {
	cfg := m.connectionConfig(sessionID)
	connID := m.connectionID(sessionID, stageName, cfg.Mode)

	m.mu.Lock()
	defer m.mu.Unlock()
	transport, ok := m.transports[connID]
	if !ok {
		return Stats{}, false
	}
	return transport.GetStats(), true
}
