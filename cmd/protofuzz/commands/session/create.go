package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

var (
	createPlugin        string
	createTarget        string
	createMode          string
	createRateLimit     float64
	createMaxIterations int64
	createTimeoutMs     int
	createID            string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new fuzzing session",
	Long: `Create a new fuzzing session against a loaded plugin and target.
The session is persisted in the idle state; use "session start" to run it.

Examples:
  protofuzz session create --plugin http11 --target 127.0.0.1:8080
  protofuzz session create --plugin http11 --target 127.0.0.1:8080 --mode agent --rate-limit 50`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createPlugin, "plugin", "", "plugin bundle name (required)")
	createCmd.Flags().StringVar(&createTarget, "target", "", "target address, host:port (required)")
	createCmd.Flags().StringVar(&createMode, "mode", "core", "execution mode: core|agent")
	createCmd.Flags().Float64Var(&createRateLimit, "rate-limit", 0, "max iterations per second (0: unlimited)")
	createCmd.Flags().Int64Var(&createMaxIterations, "max-iterations", 0, "stop after this many iterations (0: unbounded)")
	createCmd.Flags().IntVar(&createTimeoutMs, "timeout-per-test-ms", 2000, "per-test-case timeout in milliseconds")
	createCmd.Flags().StringVar(&createID, "id", "", "session id (default: a generated uuid)")
	_ = createCmd.MarkFlagRequired("plugin")
	_ = createCmd.MarkFlagRequired("target")
}

func runCreate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	mode := session.ExecutionMode(createMode)
	if mode != session.ModeCore && mode != session.ModeAgent {
		return fmt.Errorf("invalid --mode %q: must be core or agent", createMode)
	}

	target, err := parseTarget(createTarget)
	if err != nil {
		return err
	}

	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	loaded, err := rt.Plugins.Load(createPlugin)
	if err != nil {
		return fmt.Errorf("failed to load plugin %q: %w", createPlugin, err)
	}

	id := createID
	if id == "" {
		id = uuid.NewString()
	}

	builder := session.NewBuilder(session.BuildOptions{
		TransportManager: rt.TransportManager,
		AgentManager:     rt.AgentManager,
		MaxResponseBytes: int(rt.Config.Fuzzing.MaxResponseBytes),
		ReadBufferSize:   int(rt.Config.Fuzzing.TCPBufferSize),
	})

	sess, _, _, err := builder.Build(id, loaded, target, mode, createRateLimit, createMaxIterations, createTimeoutMs)
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := rt.Sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	fmt.Printf("session created: %s\n", sess.ID)
	fmt.Printf("  plugin:  %s\n", createPlugin)
	fmt.Printf("  target:  %s\n", createTarget)
	fmt.Printf("  mode:    %s\n", mode)
	fmt.Printf("  status:  %s\n", sess.Status)
	fmt.Printf("\nstart it with: protofuzz session start %s\n", sess.ID)
	return nil
}

func parseTarget(addr string) (transport.Target, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return transport.Target{}, fmt.Errorf("invalid --target %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.Target{}, fmt.Errorf("invalid --target %q: port must be numeric", addr)
	}
	return transport.Target{Host: host, Port: port}, nil
}
