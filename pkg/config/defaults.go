package config

import (
	"strings"
	"time"

	"github.com/protofuzz/protofuzz/internal/bytesize"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/store"
)

// ApplyDefaults fills in any zero-valued field with its default. Called
// after unmarshaling from file/environment, before validation.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyAgentDefaults(&cfg.Agent)
	applyFuzzingDefaults(&cfg.Fuzzing)
	cfg.Database.ApplyDefaults()

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.HeartbeatIntervalSec == 0 {
		cfg.HeartbeatIntervalSec = 30
	}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = 90
	}
}

func applyFuzzingDefaults(cfg *FuzzingConfig) {
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = defaultDataDir("plugins")
	}
	if cfg.CorpusDir == "" {
		cfg.CorpusDir = defaultDataDir("corpus")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultDataDir("logs")
	}
	if cfg.MaxConcurrentTests == 0 {
		cfg.MaxConcurrentTests = 4
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 16
	}
	if cfg.DefaultTimeoutMs == 0 {
		cfg.DefaultTimeoutMs = 5000
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = bytesize.ByteSize(64 * bytesize.KiB)
	}
	if cfg.TCPBufferSize == 0 {
		cfg.TCPBufferSize = bytesize.ByteSize(4 * bytesize.KiB)
	}
	if cfg.CheckpointFrequency == 0 {
		cfg.CheckpointFrequency = 50
	}

	applyMutationDefaults(&cfg.Mutation)
	applyNavigatorDefaults(&cfg.Navigator)
}

func applyMutationDefaults(cfg *MutationDefaultsConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "byte_level"
	}
	if cfg.StructureAwareWeight == 0 {
		cfg.StructureAwareWeight = 50
	}
}

func applyNavigatorDefaults(cfg *NavigatorDefaultsConfig) {
	intervals := statemodel.DefaultResetIntervals()
	if cfg.ResetIntervalBreadthFirst == 0 {
		cfg.ResetIntervalBreadthFirst = intervals.BreadthFirst
	}
	if cfg.ResetIntervalDepthFirst == 0 {
		cfg.ResetIntervalDepthFirst = intervals.DepthFirst
	}
	if cfg.ResetIntervalTargeted == 0 {
		cfg.ResetIntervalTargeted = intervals.Targeted
	}
	if cfg.ResetIntervalRandom == 0 {
		cfg.ResetIntervalRandom = intervals.Random
	}
	if cfg.TerminationTestWindow == 0 {
		cfg.TerminationTestWindow = 20
	}
	if cfg.TerminationTestInterval == 0 {
		cfg.TerminationTestInterval = 100
	}
}

// ResetIntervals converts the configured defaults into a
// statemodel.ResetIntervals value, for plugins that don't declare their own.
func (cfg FuzzingConfig) ResetIntervals() statemodel.ResetIntervals {
	return statemodel.ResetIntervals{
		BreadthFirst: cfg.Navigator.ResetIntervalBreadthFirst,
		DepthFirst:   cfg.Navigator.ResetIntervalDepthFirst,
		Targeted:     cfg.Navigator.ResetIntervalTargeted,
		Random:       cfg.Navigator.ResetIntervalRandom,
	}
}

func defaultDataDir(leaf string) string {
	return getConfigDir() + "/" + leaf
}

// GetDefaultConfig returns a Config with every default applied, suitable for
// `config init` and for Load's no-file-found fallback.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{Type: store.DatabaseTypeSQLite},
	}
	ApplyDefaults(cfg)
	return cfg
}
