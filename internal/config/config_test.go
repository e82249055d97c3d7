package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Setenv("REPLICATE_API_TOKEN", "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultReplicateBaseURL, cfg.ReplicateBaseURL)
	assert.Equal(t, DefaultPollIntervalMs, cfg.PollIntervalMs)
	assert.Equal(t, DefaultRetentionMinutes, cfg.RetentionMinutes)
	assert.Equal(t, DefaultSweepIntervalSec, cfg.SweepIntervalSec)
	assert.Equal(t, "studio-data/studio.db", cfg.DatabasePath)
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
SavePath = "/tmp/studio"
PollIntervalMs = 500
TelemetrySalt = "pepper"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("REPLICATE_API_TOKEN", "r8_from_env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "r8_from_env", cfg.ApiKey)
	assert.Equal(t, 500, cfg.PollIntervalMs)
	assert.Equal(t, "pepper", cfg.TelemetrySalt)
	assert.Equal(t, "/tmp/studio/studio.db", cfg.DatabasePath)
	assert.Equal(t, "/tmp/studio/prompts.bleve", cfg.BleveIndexPath)
}

func TestLoadConfigRejectsBrokenToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("SavePath = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
