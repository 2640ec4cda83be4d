package store

import (
	"errors"
	"time"
)

// Sentinel errors returned by every store method, mirroring the
// control-plane store's own not-found/duplicate convention.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrExecutionNotFound = errors.New("execution record not found")
)

// SessionRow is the GORM-mapped row for a session. Most of a session's
// state (config, stats, coverage, orchestration) is carried as a single
// JSON blob in State; Status/Protocol/Plugin/CreatedAt are duplicated out
// as indexed scalar columns, and TargetHost/TargetPort as plain columns, so
// list/filter queries don't need to touch the blob.
type SessionRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	Status     string `gorm:"index;size:20;not null"`
	Protocol   string `gorm:"index;size:50"`
	Plugin     string `gorm:"index;size:100"`
	TargetHost string `gorm:"size:255"`
	TargetPort int

	State string `gorm:"type:text;not null"` // JSON-encoded session.Session

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (SessionRow) TableName() string { return "sessions" }

// ExecutionRecordRow is the GORM-mapped row for one execution record, per
// spec §4.11: keyed by (session_id, sequence_number), with bootstrap/
// teardown rows using negative sequence numbers and nullable optional
// columns for backward compatibility with earlier rows.
type ExecutionRecordRow struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SessionID      string `gorm:"index:idx_session_seq,unique;size:36;not null"`
	SequenceNumber int64  `gorm:"index:idx_session_seq,unique"`

	SentAt     time.Time `gorm:"index:idx_session_sent"`
	ReceivedAt time.Time

	Payload  []byte `gorm:"type:blob"`
	Response []byte `gorm:"type:blob"`

	Result           string `gorm:"index:idx_session_result;size:30"`
	MutationStrategy string `gorm:"size:50"`
	MutatorsApplied  string `gorm:"type:text"` // JSON array

	MessageType string `gorm:"size:100"`
	StateAtSend string `gorm:"size:100"`

	ContextSnapshot *string `gorm:"type:text"` // JSON object, nullable
	ParsedFields    *string `gorm:"type:text"` // JSON object, nullable

	StageName          *string `gorm:"size:100"`
	ConnectionSequence *int64

	Error *string `gorm:"type:text"`
}

func (ExecutionRecordRow) TableName() string { return "execution_records" }

// AllModels returns every GORM model for auto-migration.
func AllModels() []any {
	return []any{
		&SessionRow{},
		&ExecutionRecordRow{},
	}
}
