// Package session implements a fuzzing campaign's lifecycle and its
// central iteration driver: the fuzzing loop that selects a seed, mutates
// it, dispatches it (locally or to a remote agent), classifies the
// result, records it, and checkpoints the session.
package session

import (
	"time"

	"github.com/protofuzz/protofuzz/pkg/mutate"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExecutionMode selects how test cases are dispatched: in-process
// (Core) or handed off to a remote agent fleet (Agent).
type ExecutionMode string

const (
	ModeCore  ExecutionMode = "core"
	ModeAgent ExecutionMode = "agent"
)

// Config is a session's immutable-after-create configuration.
type Config struct {
	Protocol   string
	PluginName string // bundle name this session was built from, for replay
	Target     transport.Target
	Transport  transport.Protocol
	Timeout    time.Duration

	ExecutionMode ExecutionMode

	RateLimitPerSecond float64
	MaxIterations      int64
	TimeoutPerTestMs   int

	Mutation   mutate.Config
	SeedCorpus []string

	Navigator statemodel.NavigatorConfig

	ConnectionMode       transport.ConnectionMode
	HasOrchestratedStack bool
}

// Stats accumulates per-result-kind totals and per-field mutation counts
// across a session's lifetime.
type Stats struct {
	TotalTests int64

	Pass               int64
	Crashes            int64
	Hangs              int64
	Anomalies          int64
	ResourceExhaustion int64

	ResetCount int64

	FieldMutationCounts map[string]int64
}

// Coverage mirrors statemodel.CoverageStats, persisted on the session so
// a restart or replay can resume state-model tracking.
type Coverage struct {
	StateVisits      map[string]int
	TransitionCounts map[string]int
	Snapshot         statemodel.CoverageStats
}

// Orchestration tracks the orchestrated-session runtime state that
// survives checkpoints: connection mode, reconnect count, heartbeat
// counters and status, and the last context snapshot.
type Orchestration struct {
	ConnectionMode  transport.ConnectionMode
	ReconnectCount  int
	HeartbeatSent   int
	HeartbeatAcked  int
	HeartbeatStatus string
	ContextSnapshot map[string]any
}

// Session is the unit of a fuzzing campaign.
type Session struct {
	ID string

	Config Config

	Status                  Status
	ErrorMessage            string
	CurrentState            string // current protocol state, if stateful
	CurrentStage            string // current protocol-stack stage name
	TerminationResetPending bool

	Stats Stats

	Coverage Coverage

	Orchestration Orchestration

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// New returns a freshly created session in the idle state.
func New(id string, cfg Config) *Session {
	return &Session{
		ID:     id,
		Config: cfg,
		Status: StatusIdle,
		Stats: Stats{
			FieldMutationCounts: make(map[string]int64),
		},
		Coverage: Coverage{
			StateVisits:      make(map[string]int),
			TransitionCounts: make(map[string]int),
		},
		CreatedAt: time.Now(),
	}
}

// RecordResult increments the stats bucket matching verdict.
func (s *Session) RecordResult(verdict statemodel.Verdict) {
	s.Stats.TotalTests++
	switch verdict {
	case statemodel.VerdictPass:
		s.Stats.Pass++
	case statemodel.VerdictCrash:
		s.Stats.Crashes++
	case statemodel.VerdictHang:
		s.Stats.Hangs++
	case statemodel.VerdictResourceExhaustion:
		s.Stats.ResourceExhaustion++
	case statemodel.VerdictAnomaly, statemodel.VerdictLogicalFailure:
		s.Stats.Anomalies++
	}
}

// IncrementFieldMutation bumps the per-field mutation counter for field.
func (s *Session) IncrementFieldMutation(field string) {
	if field == "" {
		return
	}
	s.Stats.FieldMutationCounts[field]++
}
