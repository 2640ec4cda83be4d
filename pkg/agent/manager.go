package agent

import (
	"context"
	"sync"
	"time"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// DefaultQueueSize bounds how many pending work items a single target's
// queue holds before EnqueueTestCase blocks.
const DefaultQueueSize = 256

type inflightEntry struct {
	agentID   string
	sessionID string
}

// Manager coordinates remote agents and distributes work items to them,
// one FIFO queue per (target host, port, transport) triple.
type Manager struct {
	queueSize int

	mu       sync.Mutex
	agents   map[string]*Status
	queues   map[targetKey]chan WorkItem
	inflight map[string]inflightEntry // test case id -> (agent id, session id)
}

// NewManager returns an empty agent manager.
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		queueSize: queueSize,
		agents:    make(map[string]*Status),
		queues:    make(map[targetKey]chan WorkItem),
		inflight:  make(map[string]inflightEntry),
	}
}

// RegisterAgent records or replaces an agent, marking it alive.
func (m *Manager) RegisterAgent(agentID, hostname, targetHost string, targetPort int, proto transport.Protocol) *Status {
	status := &Status{
		AgentID:       agentID,
		Hostname:      hostname,
		TargetHost:    targetHost,
		TargetPort:    targetPort,
		Transport:     proto,
		IsAlive:       true,
		LastHeartbeat: time.Now(),
	}

	m.mu.Lock()
	m.agents[agentID] = status
	m.mu.Unlock()

	logger.Info("agent registered", "agent_id", agentID, "target_host", targetHost, "target_port", targetPort, "transport", proto)
	return status
}

// Heartbeat refreshes an agent's liveness and resource metrics. Returns
// false if agentID is not registered.
func (m *Manager) Heartbeat(agentID string, cpuUsage, memoryUsageMB float64, activeTests int) (*Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.agents[agentID]
	if !ok {
		logger.Warn("heartbeat from unknown agent", "agent_id", agentID)
		return nil, false
	}

	status.IsAlive = true
	status.LastHeartbeat = time.Now()
	status.CPUUsage = cpuUsage
	status.MemoryUsageMB = memoryUsageMB
	status.ActiveTestCount = activeTests
	return status, true
}

// GetAgent returns the current status of agentID.
func (m *Manager) GetAgent(agentID string) (*Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.agents[agentID]
	return status, ok
}

// HasAgentForTarget reports whether at least one live agent is registered
// for the given target.
func (m *Manager) HasAgentForTarget(targetHost string, targetPort int, proto transport.Protocol) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, status := range m.agents {
		if status.TargetHost == targetHost && status.TargetPort == targetPort && status.Transport == proto && status.IsAlive {
			return true
		}
	}
	return false
}

// EnqueueTestCase queues work for whichever agents serve the item's
// target. It blocks until the target's queue has room or ctx is done.
func (m *Manager) EnqueueTestCase(ctx context.Context, work WorkItem) error {
	key := targetKey{host: work.TargetHost, port: work.TargetPort, transport: work.Transport}
	queue := m.queueFor(key)

	select {
	case queue <- work:
		logger.Debug("agent task enqueued", "session_id", work.SessionID, "test_case_id", work.TestCaseID,
			"target_host", work.TargetHost, "target_port", work.TargetPort, "transport", work.Transport)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestWork returns the next work item queued for agentID's target, or
// ok=false if none arrives within timeout.
func (m *Manager) RequestWork(agentID string, timeout time.Duration) (WorkItem, bool) {
	m.mu.Lock()
	status, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		logger.Warn("work requested by unknown agent", "agent_id", agentID)
		return WorkItem{}, false
	}

	key := targetKey{host: status.TargetHost, port: status.TargetPort, transport: status.Transport}
	queue := m.queueFor(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case work := <-queue:
		m.mu.Lock()
		m.inflight[work.TestCaseID] = inflightEntry{agentID: agentID, sessionID: work.SessionID}
		m.mu.Unlock()
		logger.Debug("agent task assigned", "agent_id", agentID, "test_case_id", work.TestCaseID, "session_id", work.SessionID)
		return work, true
	case <-timer.C:
		return WorkItem{}, false
	}
}

// CompleteWork clears an inflight record once an agent has submitted its
// result for testCaseID.
func (m *Manager) CompleteWork(testCaseID string) {
	m.mu.Lock()
	delete(m.inflight, testCaseID)
	m.mu.Unlock()
}

// ClearSession drains every queued work item and inflight record
// belonging to sessionID, used when a session stops early.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	queues := make([]chan WorkItem, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, queue := range queues {
		var retained []WorkItem
	drain:
		for {
			select {
			case item := <-queue:
				if item.SessionID != sessionID {
					retained = append(retained, item)
				}
			default:
				break drain
			}
		}
		for _, item := range retained {
			queue <- item
		}
	}

	m.mu.Lock()
	for testCaseID, entry := range m.inflight {
		if entry.sessionID == sessionID {
			delete(m.inflight, testCaseID)
		}
	}
	m.mu.Unlock()

	logger.Info("agent tasks cleared", "session_id", sessionID)
}

func (m *Manager) queueFor(key targetKey) chan WorkItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.queues[key]
	if !ok {
		queue = make(chan WorkItem, m.queueSize)
		m.queues[key] = queue
	}
	return queue
}
