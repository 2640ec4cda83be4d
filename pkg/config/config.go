// Package config loads protofuzz's static configuration: logging, telemetry,
// storage backend, metrics server, agent dispatch, and the fuzzing engine's
// process-wide defaults (plugin/corpus/log directories, concurrency caps,
// response/buffer sizing, mutation and navigator defaults, checkpoint
// frequency). Dynamic, per-session configuration (target, protocol, rate
// limit, mutation overrides) is carried on session.Config instead and comes
// from session-create requests, not this file.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (PROTOFUZZ_*), for keys the file sets
//  2. Configuration file (YAML), chosen by cmd/protofuzz's --config flag or
//     found in the configuration directory
//  3. Default values
//
// No other CLI flag is bound to these settings. When no configuration file
// is found, Load returns the defaults and reads no environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/protofuzz/protofuzz/internal/bytesize"
	"github.com/protofuzz/protofuzz/pkg/store"
)

// Config is protofuzz's top-level static configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds how long a session stop (fuzzing task cancel,
	// heartbeat await, teardown, history flush, checkpoint) may take.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures session/execution-history persistence.
	Database store.Config `mapstructure:"database" yaml:"database"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Fuzzing FuzzingConfig `mapstructure:"fuzzing" yaml:"fuzzing"`
}

// LoggingConfig controls internal/logger's behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing and Pyroscope profiling.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig controls the Prometheus metrics / healthz HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// AgentConfig controls remote-agent dispatch: work queue sizing and
// liveness tracking for spec §6's register/heartbeat/next_case/submit_result
// contract.
type AgentConfig struct {
	QueueSize            int `mapstructure:"queue_size" validate:"omitempty,gt=0" yaml:"queue_size"`
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" validate:"omitempty,gt=0" yaml:"heartbeat_interval_sec"`
	TimeoutSec           int `mapstructure:"timeout_sec" validate:"omitempty,gt=0" yaml:"timeout_sec"`
}

// FuzzingConfig carries spec §6's engine-wide defaults: directories, caps,
// and the mutation/navigator/checkpoint defaults new sessions inherit
// unless a plugin bundle overrides them.
type FuzzingConfig struct {
	PluginsDir string `mapstructure:"plugins_dir" validate:"required" yaml:"plugins_dir"`
	CorpusDir  string `mapstructure:"corpus_dir" yaml:"corpus_dir"`
	LogDir     string `mapstructure:"log_dir" yaml:"log_dir"`

	MaxConcurrentTests    int `mapstructure:"max_concurrent_tests" validate:"omitempty,gt=0" yaml:"max_concurrent_tests"`
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions" validate:"omitempty,gt=0" yaml:"max_concurrent_sessions"`

	DefaultTimeoutMs    int               `mapstructure:"default_timeout_ms" validate:"omitempty,gt=0" yaml:"default_timeout_ms"`
	MaxResponseBytes    bytesize.ByteSize `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	TCPBufferSize       bytesize.ByteSize `mapstructure:"tcp_buffer_size" yaml:"tcp_buffer_size"`
	CheckpointFrequency int               `mapstructure:"checkpoint_frequency" validate:"omitempty,gt=0" yaml:"checkpoint_frequency"`

	Mutation  MutationDefaultsConfig  `mapstructure:"mutation" yaml:"mutation"`
	Navigator NavigatorDefaultsConfig `mapstructure:"navigator" yaml:"navigator"`
}

// MutationDefaultsConfig carries the mutation engine's process-wide
// defaults; a plugin bundle's own mutation block overrides these per
// session.
type MutationDefaultsConfig struct {
	Mode                 string `mapstructure:"mode" validate:"omitempty,oneof=byte_level structure_aware hybrid" yaml:"mode"`
	StructureAwareWeight int    `mapstructure:"structure_aware_weight" validate:"omitempty,min=0,max=100" yaml:"structure_aware_weight"`
	FallbackOnParseError bool   `mapstructure:"fallback_on_parse_error" yaml:"fallback_on_parse_error"`
}

// NavigatorDefaultsConfig carries the mode-default state-reset intervals
// and termination-fuzzing window/interval, per spec §6 and
// statemodel.ResetIntervals.
type NavigatorDefaultsConfig struct {
	ResetIntervalBreadthFirst int `mapstructure:"reset_interval_bfs" validate:"omitempty,gt=0" yaml:"reset_interval_bfs"`
	ResetIntervalDepthFirst   int `mapstructure:"reset_interval_dfs" validate:"omitempty,gt=0" yaml:"reset_interval_dfs"`
	ResetIntervalTargeted     int `mapstructure:"reset_interval_targeted" validate:"omitempty,gt=0" yaml:"reset_interval_targeted"`
	ResetIntervalRandom       int `mapstructure:"reset_interval_random" validate:"omitempty,gt=0" yaml:"reset_interval_random"`

	TerminationTestWindow   int `mapstructure:"termination_test_window" validate:"omitempty,gt=0" yaml:"termination_test_window"`
	TerminationTestInterval int `mapstructure:"termination_test_interval" validate:"omitempty,gt=0" yaml:"termination_test_interval"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with user-friendly errors when the config
// file (or its path) is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  protofuzz config init\n\n"+
				"Or specify a custom config file:\n"+
				"  protofuzz <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  protofuzz config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML, creating parent directories as
// needed. Config files may carry database credentials, so the file is
// written owner-only.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PROTOFUZZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks composes the custom mapstructure decode hooks so config
// files can use human-readable byte sizes ("512MB") and durations ("30s").
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "protofuzz")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "protofuzz")
}

// GetConfigDir returns the configuration directory path, exposed for the
// `config init`/`config show` commands.
func GetConfigDir() string {
	return getConfigDir()
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
