package session

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/internal/cli/output"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a session's status",
	Long: `Display a session's persisted status plus whether its daemon
process (if started with "session start" in the background) is still
alive, per its PID file.

Examples:
  protofuzz session status 3e9e7b1e-...
  protofuzz session status 3e9e7b1e-... --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

// Status is a session's combined persisted and process-liveness state.
type Status struct {
	ID          string `json:"id" yaml:"id"`
	Status      string `json:"status" yaml:"status"`
	Plugin      string `json:"plugin" yaml:"plugin"`
	Target      string `json:"target" yaml:"target"`
	TotalTests  int64  `json:"total_tests" yaml:"total_tests"`
	Crashes     int64  `json:"crashes" yaml:"crashes"`
	Hangs       int64  `json:"hangs" yaml:"hangs"`
	ProcessPID  int    `json:"process_pid,omitempty" yaml:"process_pid,omitempty"`
	ProcessLive bool   `json:"process_live" yaml:"process_live"`
	Message     string `json:"message" yaml:"message"`
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	sess, err := rt.Sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %q: %w", id, err)
	}

	status := Status{
		ID:         sess.ID,
		Status:     string(sess.Status),
		Plugin:     sess.Config.PluginName,
		Target:     fmt.Sprintf("%s:%d", sess.Config.Target.Host, sess.Config.Target.Port),
		TotalTests: sess.Stats.TotalTests,
		Crashes:    sess.Stats.Crashes,
		Hangs:      sess.Stats.Hangs,
	}

	if pid, live := processFromPIDFile(cmdutil.PIDFile(id)); pid > 0 {
		status.ProcessPID = pid
		status.ProcessLive = live
	}

	switch {
	case status.ProcessLive:
		status.Message = "process running in background"
	case status.Status == "running":
		status.Message = "persisted as running, but no live background process found (likely crashed or stopped outside the CLI)"
	default:
		status.Message = fmt.Sprintf("session is %s", status.Status)
	}

	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
		return nil
	}
}

func processFromPIDFile(path string) (pid int, live bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, process.Signal(syscall.Signal(0)) == nil
}

func printStatusTable(s Status) {
	fmt.Println()
	fmt.Printf("Session %s\n", s.ID)
	fmt.Println(strings.Repeat("=", len("Session ")+len(s.ID)))
	fmt.Println()
	fmt.Printf("  Status:   %s\n", s.Status)
	fmt.Printf("  Plugin:   %s\n", s.Plugin)
	fmt.Printf("  Target:   %s\n", s.Target)
	fmt.Printf("  Tests:    %d (crashes: %d, hangs: %d)\n", s.TotalTests, s.Crashes, s.Hangs)
	if s.ProcessPID > 0 {
		state := "dead"
		if s.ProcessLive {
			state = "alive"
		}
		fmt.Printf("  Process:  PID %d (%s)\n", s.ProcessPID, state)
	}
	fmt.Println()
	fmt.Printf("  %s\n", s.Message)
	fmt.Println()
}
