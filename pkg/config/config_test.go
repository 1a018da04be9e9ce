package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() string {
	return `
paths:
  agents_dir: ./agents
  workflows_dir: ./workflows
  templates_dir: ./templates
  data_dir: ./data
`
}

func TestParse_MergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validConfig()))
	require.NoError(t, err)

	assert.Equal(t, "./agents", cfg.Paths.AgentsDir)
	// Untouched fields keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Engine.BatchWidth)
	assert.Equal(t, 5*time.Minute, cfg.Elicitation.WaitTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Elicitation.SweepAge.Std())
	assert.Equal(t, 100, cfg.CacheCapacity)
	assert.True(t, cfg.Engine.CheckpointsEnabled)
	assert.Len(t, cfg.Elicitation.Methods, 8)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validConfig() + `
log_level: debug
engine:
  batch_width: 3
retry:
  base_delay: 250ms
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Engine.BatchWidth)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay.Std())
}

func TestParse_MissingRequiredPathFails(t *testing.T) {
	_, err := Parse([]byte(`
paths:
  agents_dir: ./agents
  workflows_dir: ./workflows
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestParse_InvalidYAMLFails(t *testing.T) {
	_, err := Parse([]byte("paths: [broken"))
	require.Error(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig()), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Paths.DataDir)
}
