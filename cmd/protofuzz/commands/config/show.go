package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/internal/cli/output"
	"github.com/protofuzz/protofuzz/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the current protofuzz configuration, as loaded from the
configured precedence (CLI flag > PROTOFUZZ_* env > YAML file > defaults).

Examples:
  # Show default config as YAML
  protofuzz config show

  # Show as JSON
  protofuzz config show --output json`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, cfg)
	default:
		return output.PrintYAML(os.Stdout, cfg)
	}
}
