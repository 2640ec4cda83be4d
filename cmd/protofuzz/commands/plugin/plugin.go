// Package plugin implements protofuzz's plugin-bundle management
// subcommands: structural validation of a bundle document and loading a
// named bundle from the configured plugins directory.
package plugin

import (
	"github.com/spf13/cobra"
)

// Cmd is the plugin subcommand.
var Cmd = &cobra.Command{
	Use:   "plugin",
	Short: "Protocol plugin bundle management",
	Long: `Validate and load protofuzz protocol plugin bundles: the JSON
documents describing a wire format's data model, optional state model, and
optional multi-stage bootstrap/teardown stack.

Subcommands:
  validate  Validate a bundle file's structure
  load      Load a bundle by name from the configured plugins directory
  reload    Discard a cached bundle and re-validate it from disk`,
}

func init() {
	Cmd.AddCommand(validateCmd)
	Cmd.AddCommand(loadCmd)
	Cmd.AddCommand(reloadCmd)
}
