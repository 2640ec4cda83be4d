package history

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/internal/cli/output"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/store"
)

var (
	listLimit  int
	listOffset int
	listOutput string
)

var listCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List recorded executions for a session",
	Long: `List a session's recorded test cases, most recent first.

Examples:
  protofuzz history list 3e9e7b1e-...
  protofuzz history list 3e9e7b1e-... --limit 20 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "max records to list")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "records to skip")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format (table|json|yaml)")
}

func runList(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	histStore, err := store.NewExecutionHistoryStore(rt.Store, sessionID)
	if err != nil {
		return fmt.Errorf("failed to open execution history: %w", err)
	}
	defer histStore.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	records, err := histStore.List(ctx, listLimit, listOffset, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to list execution history: %w", err)
	}

	return cmdutil.PrintResource(os.Stdout, listOutput, records, recordTable(records))
}

func recordTable(records []session.ExecutionRecord) *output.TableData {
	table := output.NewTableData("SEQ", "SENT", "STAGE", "STATE", "RESULT", "STRATEGY", "PAYLOAD")
	for _, r := range records {
		table.AddRow(
			fmt.Sprintf("%d", r.SequenceNumber),
			r.SentAt.Format(time.RFC3339),
			r.StageName,
			r.StateAtSend,
			string(r.Result),
			r.MutationStrategy,
			truncateHex(r.Payload, 32),
		)
	}
	return table
}

func truncateHex(data []byte, maxBytes int) string {
	if len(data) <= maxBytes {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:maxBytes]) + fmt.Sprintf("...(%d bytes)", len(data))
}
