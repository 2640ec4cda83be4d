package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/statemodel"
)

func TestFileCrashReporterWritesReproducerAndAssignsID(t *testing.T) {
	dir := t.TempDir()
	r := NewFileCrashReporter(dir)

	finding := CrashFinding{
		SessionID:      "sess-1",
		TestCaseID:     "tc-1",
		Result:         statemodel.VerdictCrash,
		ReproducerData: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Severity:       "medium",
	}

	reported := r.Report(finding)
	require.NotEmpty(t, reported.ID)

	path := filepath.Join(dir, reported.ID+".txt")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.Contains(t, content, "sess-1")
	assert.Contains(t, content, "tc-1")
	assert.Contains(t, content, "deadbeef")
	assert.True(t, strings.Contains(content, "crash"))
}

func TestFileCrashReporterPreservesCallerProvidedID(t *testing.T) {
	dir := t.TempDir()
	r := NewFileCrashReporter(dir)

	finding := CrashFinding{ID: "finding-fixed", Result: statemodel.VerdictHang}
	reported := r.Report(finding)

	assert.Equal(t, "finding-fixed", reported.ID)
	_, err := os.Stat(filepath.Join(dir, "finding-fixed.txt"))
	require.NoError(t, err)
}
