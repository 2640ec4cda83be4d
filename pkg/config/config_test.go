package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsOverMinimalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
logging:
  level: debug

fuzzing:
  plugins_dir: ` + filepath.ToSlash(dir) + `/plugins

database:
  type: sqlite
  sqlite:
    path: ` + filepath.ToSlash(dir) + `/state.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 256, cfg.Agent.QueueSize)
	assert.Equal(t, 50, cfg.Fuzzing.CheckpointFrequency)
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Fuzzing.PluginsDir)
}

func TestLoadRejectsInvalidLoggingLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
logging:
  level: NOISY
fuzzing:
  plugins_dir: ` + filepath.ToSlash(dir) + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadParsesByteSizeAndDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
fuzzing:
  plugins_dir: ` + filepath.ToSlash(dir) + `
  max_response_bytes: 2Mi
  tcp_buffer_size: 8KB
shutdown_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
	assert.EqualValues(t, 2*1024*1024, cfg.Fuzzing.MaxResponseBytes)
	assert.EqualValues(t, 8000, cfg.Fuzzing.TCPBufferSize)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Fuzzing.PluginsDir = filepath.Join(dir, "plugins")

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Fuzzing.PluginsDir, loaded.Fuzzing.PluginsDir)
	assert.Equal(t, cfg.Logging.Level, loaded.Logging.Level)
}

func TestGetDefaultConfigPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test-home")
	assert.Equal(t, "/tmp/xdg-test-home/protofuzz/config.yaml", GetDefaultConfigPath())
}
