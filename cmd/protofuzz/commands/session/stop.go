package session

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
)

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running session",
	Long: `Stop a session previously started in the background with
"session start". Sends SIGTERM to the daemon process recorded in its
PID file and waits briefly for it to exit before reporting it as
stopped; it has no effect on a session started with --foreground, which
is controlled by its own terminal's Ctrl+C.

Examples:
  protofuzz session stop 3e9e7b1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	id := args[0]
	pidPath := cmdutil.PIDFile(id)

	pid, live := processFromPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no PID file found for session %s at %s; is it running in the background?", id, pidPath)
	}
	if !live {
		_ = os.Remove(pidPath)
		return fmt.Errorf("session %s is not running (stale PID file removed)", id)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	for i := 0; i < 50; i++ {
		if _, live := processFromPIDFile(pidPath); !live {
			fmt.Printf("session %s stopped (PID %d)\n", id, pid)
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("sent SIGTERM to session %s (PID %d); it has not exited yet\n", id, pid)
	return nil
}
