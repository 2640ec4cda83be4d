// Package config implements protofuzz's configuration management
// subcommands.
package config

import (
	"github.com/spf13/cobra"
)

// Cmd is the config subcommand.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long: `Manage protofuzz configuration files.

Use 'protofuzz config init' to create a new configuration file.

Subcommands:
  init   Initialize a sample configuration file
  show   Display the current configuration`,
}

func init() {
	Cmd.AddCommand(initCmd)
	Cmd.AddCommand(showCmd)
}
