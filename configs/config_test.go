package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Sync.MinRecollectInterval)
	assert.Equal(t, 30, cfg.Strategy.Defaults.BackfillDays)
	assert.Equal(t, 24*time.Hour, cfg.Strategy.Defaults.IncrementalMaxGap)
	assert.Equal(t, "auto", cfg.Scheduler.Backend)
	assert.Contains(t, cfg.Scheduler.Jobs, JobAccountSync)
	assert.Equal(t, 6, cfg.Queue.Queues["critical"])
}

func TestLoadConfigFileAndEnvLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  min_recollect_interval: 30m
strategy:
  platforms:
    youtube:
      backfill_days: 14
scheduler:
  jobs:
    account_sync:
      cadence: "@every 6h"
`), 0o600))

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("POSTGRES_URI", "postgres://localhost/analytics")
	t.Setenv("APP_SCHEDULER__BACKEND", "timer")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Sync.MinRecollectInterval)
	assert.Equal(t, "postgres://localhost/analytics", cfg.Database.PostgresURI)
	assert.Equal(t, "timer", cfg.Scheduler.Backend)
	assert.Equal(t, "@every 6h", cfg.Scheduler.Jobs[JobAccountSync].Cadence)
	assert.Equal(t, "default", cfg.Scheduler.Jobs[JobAccountSync].Queue)

	yt := cfg.Strategy.For("youtube")
	assert.Equal(t, 14, yt.BackfillDays)
	assert.Equal(t, 100, yt.BackfillItemLimit)
	assert.Equal(t, 30, cfg.Strategy.For("instagram").BackfillDays)
}

func TestValidateRejectsBadCadence(t *testing.T) {
	cfg := defaultConfig()
	cfg.applyMapDefaults()
	cfg.Scheduler.Jobs[JobQueueCleanup] = JobConfig{Cadence: "0 * * * *", Queue: "low"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadSecretLength(t *testing.T) {
	cfg := defaultConfig()
	cfg.applyMapDefaults()
	cfg.Security.SecretKey = "short"
	assert.Error(t, cfg.Validate())
}

func TestParseCadence(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"24h", 24 * time.Hour, false},
		{"@every 90m", 90 * time.Minute, false},
		{"@hourly", time.Hour, false},
		{"@daily", 24 * time.Hour, false},
		{"@weekly", 168 * time.Hour, false},
		{"", 0, true},
		{"*/5 * * * *", 0, true},
		{"10ms", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCadence(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
