package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

func TestNewSessionIsIdle(t *testing.T) {
	s := New("sess-1", Config{})
	assert.Equal(t, StatusIdle, s.Status)
	assert.NotNil(t, s.Stats.FieldMutationCounts)
	assert.NotNil(t, s.Coverage.StateVisits)
}

func TestRecordResultBucketsByVerdict(t *testing.T) {
	s := New("sess-1", Config{})

	s.RecordResult(statemodel.VerdictPass)
	s.RecordResult(statemodel.VerdictCrash)
	s.RecordResult(statemodel.VerdictHang)
	s.RecordResult(statemodel.VerdictResourceExhaustion)
	s.RecordResult(statemodel.VerdictAnomaly)
	s.RecordResult(statemodel.VerdictLogicalFailure)

	require.Equal(t, int64(6), s.Stats.TotalTests)
	assert.Equal(t, int64(1), s.Stats.Pass)
	assert.Equal(t, int64(1), s.Stats.Crashes)
	assert.Equal(t, int64(1), s.Stats.Hangs)
	assert.Equal(t, int64(1), s.Stats.ResourceExhaustion)
	assert.Equal(t, int64(2), s.Stats.Anomalies)
}

func TestIncrementFieldMutation(t *testing.T) {
	s := New("sess-1", Config{})

	s.IncrementFieldMutation("opcode")
	s.IncrementFieldMutation("opcode")
	s.IncrementFieldMutation("")

	assert.Equal(t, int64(2), s.Stats.FieldMutationCounts["opcode"])
	assert.Len(t, s.Stats.FieldMutationCounts, 1)
}
