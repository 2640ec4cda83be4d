package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDefaultConfigPassesValidation(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn"},
		Fuzzing: FuzzingConfig{
			PluginsDir:          "/custom/plugins",
			MaxConcurrentTests:  99,
			CheckpointFrequency: 10,
		},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "/custom/plugins", cfg.Fuzzing.PluginsDir)
	assert.Equal(t, 99, cfg.Fuzzing.MaxConcurrentTests)
	assert.Equal(t, 10, cfg.Fuzzing.CheckpointFrequency)
	// untouched fields still get defaults
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 16, cfg.Fuzzing.MaxConcurrentSessions)
}

func TestResetIntervalsMatchesStatemodelDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	intervals := cfg.Fuzzing.ResetIntervals()
	assert.Equal(t, 50, intervals.BreadthFirst)
	assert.Equal(t, 200, intervals.DepthFirst)
	assert.Equal(t, 300, intervals.Targeted)
	assert.Equal(t, 300, intervals.Random)
}

func TestApplyFuzzingDefaultsAppliesMutationAndNavigatorSubdefaults(t *testing.T) {
	cfg := &FuzzingConfig{}
	applyFuzzingDefaults(cfg)
	assert.Equal(t, "byte_level", cfg.Mutation.Mode)
	assert.Equal(t, 50, cfg.Mutation.StructureAwareWeight)
	assert.Equal(t, 20, cfg.Navigator.TerminationTestWindow)
}
