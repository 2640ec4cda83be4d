package session

import (
	"time"

	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

// TestCase is one generated attempt: the mutated payload plus provenance
// (which seed it came from, which mutators touched it) and, after
// execution, its outcome.
type TestCase struct {
	ID        string
	SessionID string

	Data             []byte
	SeedID           string // empty for response-followup test cases
	MutationStrategy string
	MutatorsApplied  []string

	Verdict         statemodel.Verdict
	Response        []byte
	ExecutionTimeMs float64
}

// ExecutionRecord is the in-memory shape the fuzzing loop hands to a
// HistoryRecorder for durable storage: one row per test case plus the
// orchestration context it ran in. Bootstrap/teardown executions use
// orchestrate.StageExecution instead and carry negative sequence numbers.
type ExecutionRecord struct {
	SessionID      string
	SequenceNumber int64

	SentAt     time.Time
	ReceivedAt time.Time

	Payload  []byte
	Response []byte

	Result           statemodel.Verdict
	MutationStrategy string
	MutatorsApplied  []string

	MessageType string
	StateAtSend string

	ContextSnapshot map[string]any
	ParsedFields    map[string]any

	StageName          string
	ConnectionSequence int64
}

// HistoryRecorder receives execution records as the fuzzing loop
// completes each test case.
type HistoryRecorder interface {
	Record(ExecutionRecord)
}

// NopHistoryRecorder discards every record; useful for tests.
type NopHistoryRecorder struct{}

func (NopHistoryRecorder) Record(ExecutionRecord) {}

// CrashFinding is what a CrashReporter persists for a crashing test case.
type CrashFinding struct {
	ID             string
	SessionID      string
	TestCaseID     string
	Result         statemodel.Verdict
	ReproducerData []byte
	Severity       string
	CPUUsage       *float64
	MemoryUsageMB  *float64
}

// CrashReporter persists crash findings (and returns the finding it
// stored, notably its assigned ID) so the loop can log a correlated
// finding id.
type CrashReporter interface {
	Report(CrashFinding) CrashFinding
}

// NopCrashReporter discards crash findings; useful for tests.
type NopCrashReporter struct{}

func (NopCrashReporter) Report(f CrashFinding) CrashFinding { return f }
