package history

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/pkg/replay"
	"github.com/protofuzz/protofuzz/pkg/store"
)

var (
	replayUpTo      int64
	replayMode      string
	replayDelayMs   int
	replayStopOnErr bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Replay a session's recorded executions",
	Long: `Replay a session's recorded fuzz-target executions against its
target, up to (and including) a given sequence number, to reproduce a
crash or hang outside of a live fuzzing loop.

Replay modes:
  fresh   re-run bootstrap stages and re-serialize each execution against
          the refreshed context (default; best for connection-bound tokens)
  stored  replay the exact historical bytes, restoring context from the
          first execution's snapshot
  skip    replay the exact historical bytes with no context restoration

Examples:
  protofuzz history replay 3e9e7b1e-... --up-to 42
  protofuzz history replay 3e9e7b1e-... --up-to 42 --mode stored --stop-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().Int64Var(&replayUpTo, "up-to", 0, "replay executions up to this sequence number (required)")
	replayCmd.Flags().StringVar(&replayMode, "mode", "fresh", "replay mode: fresh|stored|skip")
	replayCmd.Flags().IntVar(&replayDelayMs, "delay-ms", 0, "delay between replayed executions, in milliseconds")
	replayCmd.Flags().BoolVar(&replayStopOnErr, "stop-on-error", false, "stop replaying at the first execution error")
	_ = replayCmd.MarkFlagRequired("up-to")
}

func runReplay(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	mode := replay.Mode(replayMode)
	if mode != replay.ModeFresh && mode != replay.ModeStored && mode != replay.ModeSkip {
		return fmt.Errorf("invalid --mode %q: must be fresh, stored, or skip", replayMode)
	}

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

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	sess, err := rt.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %q: %w", sessionID, err)
	}

	executor := replay.NewExecutor(rt.Plugins, rt.TransportManager, histStore,
		int(rt.Config.Fuzzing.MaxResponseBytes), int(rt.Config.Fuzzing.TCPBufferSize))

	resp, err := executor.ReplayUpTo(ctx, sess, replayUpTo, mode, replayDelayMs, replayStopOnErr)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	fmt.Printf("replayed %d execution(s), skipped %d, took %.1fms\n", resp.ReplayedCount, resp.SkippedCount, resp.DurationMs)
	for _, r := range resp.Results {
		marker := "ok"
		if r.Status != "success" {
			marker = r.Status
		}
		fmt.Printf("  seq %d: %s", r.OriginalSequence, marker)
		if r.Error != "" {
			fmt.Printf(" (%s)", r.Error)
		}
		fmt.Println()
	}
	for _, w := range resp.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}
