package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/protofuzz/protofuzz/cmd/protofuzz/commands/cmdutil"
	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/internal/telemetry"
	"github.com/protofuzz/protofuzz/pkg/metrics"
	"github.com/protofuzz/protofuzz/pkg/session"
	"github.com/protofuzz/protofuzz/pkg/store"
)

var (
	startForeground bool

	// commandsVersion is set from commands.Version by root.go's Execute, since
	// this package is imported by commands and cannot import it back.
	commandsVersion = "dev"
)

// SetVersion lets the root command propagate its build-time version into
// this package's telemetry resource attributes.
func SetVersion(v string) {
	commandsVersion = v
}

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a created session",
	Long: `Start a session that was previously created with "session create".

By default the session runs as a detached background process, with its
PID recorded so "session stop"/"session status" can find it. Use
--foreground to run and log to the current terminal instead.

Examples:
  protofuzz session start 3e9e7b1e-...
  protofuzz session start 3e9e7b1e-... --foreground`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "Run in the foreground instead of daemonizing")
}

func runStart(cmd *cobra.Command, args []string) error {
	id := args[0]
	configFile, _ := cmd.Flags().GetString("config")

	if !startForeground {
		return startDaemon(id, configFile)
	}
	return runForeground(id, configFile)
}

func runForeground(id, configFile string) error {
	rt, err := cmdutil.Open(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer removeOwnPIDFile(id)

	telemetryCfg := telemetry.Config{
		Enabled:        rt.Config.Telemetry.Enabled,
		ServiceName:    "protofuzz",
		ServiceVersion: commandsVersion,
		Endpoint:       rt.Config.Telemetry.Endpoint,
		Insecure:       rt.Config.Telemetry.Insecure,
		SampleRate:     rt.Config.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        rt.Config.Telemetry.Profiling.Enabled,
		ServiceName:    "protofuzz",
		ServiceVersion: commandsVersion,
		Endpoint:       rt.Config.Telemetry.Profiling.Endpoint,
		ProfileTypes:   rt.Config.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", rt.Config.Telemetry.Endpoint, "sample_rate", rt.Config.Telemetry.SampleRate)
	} else {
		logger.Info("telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", rt.Config.Telemetry.Profiling.Endpoint, "profile_types", rt.Config.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("profiling disabled")
	}

	var fuzzingMetrics *metrics.Fuzzing
	if rt.Config.Metrics.Enabled {
		reg := metrics.InitRegistry()
		fuzzingMetrics = metrics.NewFuzzing(reg)

		metricsServer := metrics.NewServer(rt.Config.Metrics.Port, reg)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics enabled", "port", rt.Config.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	loadCtx, loadCancel := context.WithTimeout(ctx, 10*time.Second)
	sess, err := rt.Sessions.Get(loadCtx, id)
	loadCancel()
	if err != nil {
		return fmt.Errorf("failed to load session %q: %w", id, err)
	}
	if sess.Status == session.StatusRunning {
		session.RecoverAsPaused(sess)
	}

	loaded, err := rt.Plugins.Load(sess.Config.PluginName)
	if err != nil {
		return fmt.Errorf("failed to load plugin %q: %w", sess.Config.PluginName, err)
	}

	history, err := store.NewExecutionHistoryStore(rt.Store, id)
	if err != nil {
		return fmt.Errorf("failed to open execution history: %w", err)
	}
	defer history.Close()

	checkpoint := &storeCheckpointer{sessions: rt.Sessions}
	crashReporter := session.NewFileCrashReporter(filepath.Join(rt.Config.Fuzzing.CorpusDir, "crashes"))

	builder := session.NewBuilder(session.BuildOptions{
		TransportManager: rt.TransportManager,
		AgentManager:     rt.AgentManager,
		StageHistory:     store.StageHistoryAdapter{Store: history},
		ExecutionHistory: history,
		CrashReporter:    crashReporter,
		Checkpointer:     checkpoint,
		MaxResponseBytes: int(rt.Config.Fuzzing.MaxResponseBytes),
		ReadBufferSize:   int(rt.Config.Fuzzing.TCPBufferSize),
		CheckpointEvery:  rt.Config.Fuzzing.CheckpointFrequency,
		Metrics:          fuzzingMetrics,
	})

	_, lifecycle, loop, err := builder.Build(
		id, loaded, sess.Config.Target, sess.Config.ExecutionMode,
		sess.Config.RateLimitPerSecond, sess.Config.MaxIterations, sess.Config.TimeoutPerTestMs,
	)
	if err != nil {
		return fmt.Errorf("failed to rebuild session: %w", err)
	}

	lifecycle.SetTracingContext(ctx)

	if err := lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	checkpoint.Checkpoint(sess)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		logger.Info("shutdown signal received, stopping session", "session_id", id)
		loop.Stop()
	}()

	logger.Info("session running", "session_id", id, "plugin", sess.Config.PluginName)
	runErr := loop.Run(ctx)
	lifecycle.Stop()
	checkpoint.Checkpoint(sess)

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("fuzzing loop exited with error: %w", runErr)
	}
	logger.Info("session stopped", "session_id", id, "status", sess.Status)
	return nil
}

// storeCheckpointer persists a session's mutable state to the session
// store on every checkpoint.
type storeCheckpointer struct {
	sessions *store.SessionStore
}

func (c *storeCheckpointer) Checkpoint(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sessions.Save(ctx, s); err != nil {
		logger.Error("checkpoint failed", "session_id", s.ID, "error", err)
	}
}

// removeOwnPIDFile removes id's PID file if it names this process, so a
// foreground run (whether daemonized or not) cleans up after itself
// without racing a concurrent "session start" for the same id.
func removeOwnPIDFile(id string) {
	path := cmdutil.PIDFile(id)
	pid, _ := processFromPIDFile(path)
	if pid == os.Getpid() {
		_ = os.Remove(path)
	}
}

func startDaemon(id, configFile string) error {
	stateDir := cmdutil.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := cmdutil.PIDFile(id)
	if pid, live := processFromPIDFile(pidPath); live {
		return fmt.Errorf("session %s is already running (PID %d)\nuse 'protofuzz session stop %s' to stop it", id, pid, id)
	}
	_ = os.Remove(pidPath)

	logPath := filepath.Join(stateDir, id+".log")

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"session", "start", id, "--foreground"}
	if configFile != "" {
		daemonArgs = append(daemonArgs, "--config", configFile)
	}

	daemon := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle
	daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	_ = logFileHandle.Close()

	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", daemon.Process.Pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	fmt.Printf("session %s started in background (PID %d)\n", id, daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Printf("\nUse 'protofuzz session stop %s' to stop it\n", id)
	fmt.Printf("Use 'protofuzz session status %s' to check its status\n", id)
	return nil
}
