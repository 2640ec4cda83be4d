package plugin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/pkg/plugin"
)

var validateCmd = &cobra.Command{
	Use:   "validate <bundle-file>",
	Short: "Validate a plugin bundle file",
	Long: `Validate the structure of a plugin bundle JSON document: block
types and sizes, size_of references, variable-length field positioning,
generate/transform tags, protocol stack shape (exactly one fuzz_target
stage), and state model reachability.

Validation issues are split into errors (block loading) and warnings
(loadable, but worth a second look).

Examples:
  protofuzz plugin validate ./plugins/http11.json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bundle file: %w", err)
	}

	var bundle plugin.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("invalid bundle JSON: %w", err)
	}

	result, err := plugin.Validate(&bundle)
	if err != nil {
		return fmt.Errorf("bundle struct validation failed: %w", err)
	}

	for _, issue := range result.Errors {
		fmt.Printf("ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Printf("WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
	}

	if !result.IsValid() {
		return fmt.Errorf("bundle %q is invalid: %d error(s), %d warning(s)", path, len(result.Errors), len(result.Warnings))
	}

	fmt.Printf("bundle %q is valid (%d warning(s))\n", path, len(result.Warnings))
	return nil
}
