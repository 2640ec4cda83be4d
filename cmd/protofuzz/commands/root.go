// Package commands implements the protofuzz CLI command tree.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/config"
	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/history"
	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/plugin"
	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/session"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "protofuzz",
	Short: "protofuzz - stateful network protocol fuzzer",
	Long: `protofuzz drives a mutation- and state-model-based fuzzing engine
against a TCP or UDP target described by a declarative plugin bundle:
request/response wire formats, an optional protocol state model, and an
optional multi-stage bootstrap/teardown stack.

Use "protofuzz [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	session.SetVersion(Version)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/protofuzz/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(session.Cmd)
	rootCmd.AddCommand(history.Cmd)
	rootCmd.AddCommand(plugin.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global --config flag.
func GetConfigFile() string {
	return cfgFile
}

// Exit prints an error to stderr and exits with status 1.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
