package session

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/internal/cli/prompt"
)

var forceDelete bool

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its execution history",
	Long: `Delete a session's persisted record and execution history
permanently. Refuses to delete a session whose daemon process is still
alive, per its PID file -- stop it first with "session stop".

Prompts for confirmation unless --force is given.

Examples:
  protofuzz session delete 3e9e7b1e-...
  protofuzz session delete 3e9e7b1e-... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&forceDelete, "force", "f", false, "Skip confirmation prompt")
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := rt.Sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %q: %w", id, err)
	}

	if _, live := processFromPIDFile(cmdutil.PIDFile(id)); live {
		return fmt.Errorf("session %s is still running; stop it first with 'protofuzz session stop %s'", id, id)
	}

	confirmed, err := prompt.ConfirmWithForce(
		fmt.Sprintf("Delete session %s (plugin %s, target %s)?", id, sess.Config.PluginName, sess.Config.Target.Host),
		forceDelete,
	)
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	if err := rt.Sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}

	fmt.Printf("session %s deleted\n", id)
	return nil
}
