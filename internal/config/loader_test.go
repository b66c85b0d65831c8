package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "bounded-parallel", cfg.Pipeline.Mode)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 0.6, cfg.Pipeline.LearnedThreshold)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.LockTimeout.Duration())
	assert.Equal(t, 4, cfg.Store.CompactionFactor)
	assert.Equal(t, 15*time.Minute, cfg.Store.CacheTTL.Duration())
	assert.Equal(t, "*.log", cfg.Ingest.Pattern)
	assert.Equal(t, "fixd", cfg.Telemetry.ServiceName)

	require.NoError(t, cfg.Validate())
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte(`
pipeline:
  workers: 4
  max_attempts: 5
  lock_timeout: 10s
store:
  path: /tmp/fixd-rules.jsonl
  compaction_factor: 8
logging:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.LockTimeout.Duration())
	assert.Equal(t, "/tmp/fixd-rules.jsonl", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Store.CompactionFactor)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Defaults fill unset fields
	assert.Equal(t, "bounded-parallel", cfg.Pipeline.Mode)
	assert.Equal(t, 0.6, cfg.Pipeline.LearnedThreshold)
}

func TestLoadWithFileRejectsWeakPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  workers: 1\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFileMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithFile(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Pipeline.Workers = -1 },
			wantErr: "pipeline.workers",
		},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Pipeline.Mode = "turbo" },
			wantErr: "pipeline.mode",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Pipeline.MaxAttempts = 0 },
			wantErr: "pipeline.max_attempts",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Pipeline.LearnedThreshold = 1.5 },
			wantErr: "pipeline.learned_threshold",
		},
		{
			name:    "missing store path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "store.path",
		},
		{
			name:    "telemetry enabled without endpoint",
			mutate:  func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Endpoint = "" },
			wantErr: "telemetry.endpoint",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
