package plugin

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/internal/cli/prompt"
)

var forceReload bool

var reloadCmd = &cobra.Command{
	Use:   "reload <name>",
	Short: "Discard a cached plugin bundle and re-validate it from disk",
	Long: `Force-reload a plugin bundle by name, discarding any cached
parse/validation/seed-synthesis state and re-reading the bundle file. Any
session already running against the previously loaded bundle keeps using
its own in-memory copy; reload only affects sessions created afterward.

Prompts for confirmation unless --force is given.

Examples:
  protofuzz plugin reload http11
  protofuzz plugin reload http11 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

func init() {
	reloadCmd.Flags().BoolVarP(&forceReload, "force", "f", false, "Skip confirmation prompt")
}

func runReload(cmd *cobra.Command, args []string) error {
	name := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Reload plugin %q, discarding its cached validation state?", name), forceReload)
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

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	loaded, err := rt.Plugins.Reload(name)
	if err != nil {
		return fmt.Errorf("failed to reload plugin %q: %w", name, err)
	}

	fmt.Printf("plugin %q reloaded\n", name)
	fmt.Printf("models:   %d\n", len(loaded.Bundle.Models))
	fmt.Printf("stages:   %d\n", len(loaded.Bundle.ProtocolStack))
	fmt.Printf("seeds:    %d\n", len(loaded.Seeds))
	if len(loaded.Validation.Warnings) > 0 {
		fmt.Printf("warnings: %d\n", len(loaded.Validation.Warnings))
		for _, w := range loaded.Validation.Warnings {
			fmt.Printf("  - [%s] %s: %s\n", w.Category, w.Field, w.Message)
		}
	}
	return nil
}
