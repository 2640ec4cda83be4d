package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample protofuzz configuration file, populated with
default plugin/corpus/log directories, concurrency caps, and mutation and
navigator defaults.

By default the file is created at $XDG_CONFIG_HOME/protofuzz/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  protofuzz config init

  # Initialize with custom path
  protofuzz config init --config /etc/protofuzz/config.yaml

  # Force overwrite an existing config file
  protofuzz config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to point plugins_dir at your plugin bundles")
	fmt.Println("  2. Validate a plugin: protofuzz plugin validate <path>")
	fmt.Printf("  3. Create a session: protofuzz session create --plugin <name> --target host:port\n")

	return nil
}
