package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 12, cfg.Stages.Segment.Concurrency)
	assert.Equal(t, 24, cfg.Stages.Resolve.Concurrency)
	assert.Equal(t, 32, cfg.Stages.Financial.Concurrency)
	assert.Equal(t, 100, cfg.Runner.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Runner.StaleAfter())
	assert.Equal(t, time.Minute, cfg.Runner.Cooldown())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200, cfg.Session.RotateAfter)
	assert.Equal(t, 30*time.Second, cfg.Session.AcquireTimeout())
	assert.Equal(t, 30*time.Second, cfg.Registry.Timeout())
	assert.Equal(t, 250*time.Millisecond, cfg.Stages.Segment.Interval())
	assert.Equal(t, 500, cfg.Plan.MaxPages)
}

func TestLoadFromYAML(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: sqlite
  database_url: harvest.db
registry:
  base_url: https://registry.example.com
stages:
  segment:
    concurrency: 15
log:
  level: debug
  format: console
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "harvest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "https://registry.example.com", cfg.Registry.BaseURL)
	assert.Equal(t, 15, cfg.Stages.Segment.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched defaults survive a partial file.
	assert.Equal(t, 24, cfg.Stages.Resolve.Concurrency)
}

func TestValidateConcurrencyBounds(t *testing.T) {
	chTempDir(t)

	yaml := `
stages:
  financial:
    concurrency: 80
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stages.financial.concurrency")
}

func TestValidateDriver(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: oracle
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestStageFor(t *testing.T) {
	chTempDir(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.StageFor("segment").Concurrency)
	assert.Equal(t, 24, cfg.StageFor("resolve").Concurrency)
	assert.Equal(t, 32, cfg.StageFor("financial").Concurrency)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
