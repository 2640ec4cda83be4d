package plugin

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
)

var loadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Load a plugin bundle by name",
	Long: `Load a plugin bundle by name from the configured plugins
directory (fuzzing.plugins_dir), running the same validation and seed
synthesis the engine performs when a session starts.

Examples:
  protofuzz plugin load http11`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func runLoad(cmd *cobra.Command, args []string) error {
	name := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	loaded, err := rt.Plugins.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load plugin %q: %w", name, err)
	}

	fmt.Printf("plugin:   %s\n", name)
	fmt.Printf("version:  %s\n", loaded.Bundle.Version)
	fmt.Printf("models:   %d\n", len(loaded.Bundle.Models))
	fmt.Printf("stages:   %d\n", len(loaded.Bundle.ProtocolStack))
	fmt.Printf("seeds:    %d\n", len(loaded.Seeds))
	if loaded.Bundle.StateModel != nil {
		fmt.Printf("states:   %d (initial: %s)\n", len(loaded.Bundle.StateModel.States), loaded.Bundle.StateModel.InitialState)
	}
	if len(loaded.Validation.Warnings) > 0 {
		fmt.Printf("warnings: %d\n", len(loaded.Validation.Warnings))
		for _, w := range loaded.Validation.Warnings {
			fmt.Printf("  - [%s] %s: %s\n", w.Category, w.Field, w.Message)
		}
	}
	return nil
}
