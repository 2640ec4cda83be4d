// Package cmdutil provides shared state and output helpers for protofuzz
// commands: opening the configured store/transport/plugin collaborators,
// session state-directory conventions (PID files), and output-format
// plumbing, mirroring dittofsctl/cmdutil's shared-helper role.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/protofuzz/protofuzz/internal/cli/output"
	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/agent"
	"github.com/protofuzz/protofuzz/pkg/config"
	"github.com/protofuzz/protofuzz/pkg/plugin"
	"github.com/protofuzz/protofuzz/pkg/store"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// Runtime bundles the per-invocation collaborators a protofuzz subcommand
// needs: the persistence layer, the plugin loader, and the shared
// transport/agent managers. Each CLI invocation builds its own Runtime;
// only `session start --foreground` holds one for longer than a single
// command's lifetime.
type Runtime struct {
	Config           *config.Config
	Store            *store.Store
	Sessions         *store.SessionStore
	Plugins          *plugin.Loader
	TransportManager *transport.Manager
	AgentManager     *agent.Manager
}

// Open loads configuration from configFile (empty for the default
// location), initializes the logger, and wires the store/loader/transport
// collaborators every session command needs.
func Open(configFile string) (*Runtime, error) {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	loader, err := plugin.NewLoader(cfg.Fuzzing.PluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin directory: %w", err)
	}

	return &Runtime{
		Config:           cfg,
		Store:            st,
		Sessions:         store.NewSessionStore(st),
		Plugins:          loader,
		TransportManager: transport.NewManager(int(cfg.Fuzzing.MaxResponseBytes), int(cfg.Fuzzing.TCPBufferSize)),
		AgentManager:     agent.NewManager(cfg.Agent.QueueSize),
	}, nil
}

// StateDir returns the directory protofuzz keeps PID files and other
// per-run state in, preferring XDG_STATE_HOME like dittofs's
// GetDefaultStateDir.
func StateDir() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "protofuzz")
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "protofuzz")
}

// PIDFile returns the PID file path for a daemonized session.
func PIDFile(sessionID string) string {
	return filepath.Join(StateDir(), sessionID+".pid")
}

// PrintResource prints data in the requested format, falling back to a
// table renderer when the format is table.
func PrintResource(w io.Writer, format string, data any, table output.TableRenderer) error {
	f, err := output.ParseFormat(format)
	if err != nil {
		return err
	}
	switch f {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, table)
	}
}
