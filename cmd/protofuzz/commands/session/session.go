// Package session implements protofuzz's session-lifecycle subcommands:
// creating, starting, stopping, listing, and inspecting fuzzing sessions.
package session

import (
	"github.com/spf13/cobra"
)

// Cmd is the session subcommand.
var Cmd = &cobra.Command{
	Use:   "session",
	Short: "Fuzzing session management",
	Long: `Create, start, stop, and inspect protofuzz fuzzing sessions.

A session is created idle against a loaded plugin and a target, then
started either in the foreground or as a detached daemon process.

Subcommands:
  create  Create a new session
  start   Start a created session
  stop    Stop a running session
  list    List sessions
  status  Show a session's status
  delete  Delete a session and its execution history`,
}

func init() {
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(startCmd)
	Cmd.AddCommand(stopCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(deleteCmd)
}
