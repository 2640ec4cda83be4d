// Package history implements protofuzz's execution-history subcommands:
// listing a session's recorded test cases and replaying them against its
// target.
package history

import (
	"github.com/spf13/cobra"
)

// Cmd is the history subcommand.
var Cmd = &cobra.Command{
	Use:   "history",
	Short: "Execution history and replay",
	Long: `Inspect and replay a session's recorded executions.

Subcommands:
  list    List recorded executions for a session
  replay  Replay recorded executions against the session's target`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(replayCmd)
}
