// Package agent implements the interface to remote test execution: agent
// registration, a per-(host, port, transport) work queue, and the work
// item / result wire contracts a fleet of remote agents exchange with the
// control plane over bearer-token-authenticated requests.
package agent

import (
	"time"

	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// WorkItem is one test case dispatched to a remote agent.
type WorkItem struct {
	SessionID  string
	TestCaseID string

	TargetHost string
	TargetPort int
	Transport  transport.Protocol

	Payload   []byte
	TimeoutMs int
}

// Result is a remote agent's report on one executed test case.
type Result struct {
	SessionID  string
	TestCaseID string

	Verdict         statemodel.Verdict
	ExecutionTimeMs float64

	CPUUsage      *float64
	MemoryUsageMB *float64

	Crashed bool
	Hung    bool

	Response []byte // nil when the target produced no response

	Metadata map[string]any
}

// Status is the control plane's view of a registered agent.
type Status struct {
	AgentID  string
	Hostname string

	TargetHost string
	TargetPort int
	Transport  transport.Protocol

	IsAlive         bool
	LastHeartbeat   time.Time
	CPUUsage        float64
	MemoryUsageMB   float64
	ActiveTestCount int
}

// targetKey groups agents and their work queue by the (host, port,
// transport) triple they fuzz, mirroring the source's TargetKey tuple.
type targetKey struct {
	host      string
	port      int
	transport transport.Protocol
}
