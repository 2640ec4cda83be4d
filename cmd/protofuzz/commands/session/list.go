package session

import (
	"context"
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
	listStatus string
	listPlugin string
	listLimit  int
	listOutput string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List fuzzing sessions",
	Long: `List sessions, newest first, optionally filtered by status or
plugin.

Examples:
  protofuzz session list
  protofuzz session list --status running
  protofuzz session list --output json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (idle|running|paused|completed|failed)")
	listCmd.Flags().StringVar(&listPlugin, "plugin", "", "filter by plugin name")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "max sessions to list")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format (table|json|yaml)")
}

func runList(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	sessions, err := rt.Sessions.List(ctx, store.SessionFilter{
		Status: session.Status(listStatus),
		Plugin: listPlugin,
		Limit:  listLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	return cmdutil.PrintResource(os.Stdout, listOutput, sessions, sessionTable(sessions))
}

func sessionTable(sessions []*session.Session) *output.TableData {
	table := output.NewTableData("ID", "STATUS", "PLUGIN", "TARGET", "MODE", "TESTS", "CRASHES", "CREATED")
	for _, s := range sessions {
		table.AddRow(
			s.ID,
			string(s.Status),
			s.Config.PluginName,
			fmt.Sprintf("%s:%d", s.Config.Target.Host, s.Config.Target.Port),
			string(s.Config.ExecutionMode),
			fmt.Sprintf("%d", s.Stats.TotalTests),
			fmt.Sprintf("%d", s.Stats.Crashes),
			s.CreatedAt.Format(time.RFC3339),
		)
	}
	return table
}
