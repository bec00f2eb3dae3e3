package durable

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigFillsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("task_hub: orders\nconcurrency: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.TaskHub)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "durable.db", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, "@every 1h", cfg.PurgeSchedule)
}

func TestParseConfigRejectsBadDurations(t *testing.T) {
	_, err := ParseConfig([]byte("lease_duration: 500ms\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("lease_duration: 2s\npoll_interval: 5s\n"))
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yml")
	require.NoError(t, os.WriteFile(path, []byte("task_hub: billing\nretention: 48h\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.TaskHub)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
}

func TestLoadConfigEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
