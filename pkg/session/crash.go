package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/protofuzz/protofuzz/internal/logger"
)

// FileCrashReporter writes a standalone reproducer stub for every crash or
// hang finding under Dir, one file per finding, and assigns the finding's
// ID if the caller left it blank. The corpus/crash filesystem layout
// itself is out of scope; this exists only so CrashReporter.Report has
// somewhere real to write, grounded on
// original_source/core/engine/crash_handler.py's CrashReporter.report.
type FileCrashReporter struct {
	Dir string
}

// NewFileCrashReporter returns a reporter writing under dir, creating it
// if necessary.
func NewFileCrashReporter(dir string) *FileCrashReporter {
	return &FileCrashReporter{Dir: dir}
}

// Report assigns finding.ID if unset, writes a reproducer stub script, and
// logs the correlated finding id. Write failures are logged, not returned,
// since a reporting failure must never abort the fuzzing loop.
func (r *FileCrashReporter) Report(finding CrashFinding) CrashFinding {
	if finding.ID == "" {
		finding.ID = uuid.NewString()
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		logger.Error("crash reporter: failed to create directory", "dir", r.Dir, "error", err)
		return finding
	}

	path := filepath.Join(r.Dir, fmt.Sprintf("%s.txt", finding.ID))
	content := reproducerStub(finding)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Error("crash reporter: failed to write reproducer", "path", path, "error", err)
		return finding
	}

	logger.Warn("crash finding reported",
		"finding_id", finding.ID,
		"session_id", finding.SessionID,
		"test_case_id", finding.TestCaseID,
		"result", finding.Result,
		"severity", finding.Severity,
		"path", path,
	)
	return finding
}

func reproducerStub(finding CrashFinding) string {
	return fmt.Sprintf(
		"# protofuzz reproducer\n"+
			"# finding: %s\n"+
			"# session: %s\n"+
			"# test case: %s\n"+
			"# result: %s\n"+
			"# severity: %s\n"+
			"# recorded: %s\n"+
			"#\n"+
			"# payload (hex); `protofuzz history replay <session-id> --up-to <sequence>` replays the recorded session:\n"+
			"%s\n",
		finding.ID, finding.SessionID, finding.TestCaseID, finding.Result, finding.Severity,
		time.Now().UTC().Format(time.RFC3339),
		hex.EncodeToString(finding.ReproducerData),
	)
}
