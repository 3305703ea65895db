package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so a developer's shell does not
// leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "PORT", "API_AUTH_TOKEN", "ALLOWED_ORIGINS", "LOG_MODE",
		"POLL_INTERVAL", "POLL_BATCH", "DISCOVER_RATE_PER_MINUTE", "DISCOVER_RATE_BURST",
		"SHADOW_SNAPSHOT_ID", "MATCHER_WORKERS", "MATCHER_QUEUE_DEPTH", "CONFIG_FILE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "*", cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.PollBatch)
	assert.Equal(t, 6, cfg.RatePerMinute)
	assert.Equal(t, 2, cfg.RateBurst)
	assert.Zero(t, cfg.ShadowSnapshotID)
	assert.Nil(t, cfg.ShadowEngine)

	assert.Equal(t, 3, cfg.Engine.MinClusterSize)
	assert.Equal(t, 400, cfg.Engine.MaxIntervalDays)
	assert.Equal(t, 6, cfg.Matcher.MaxMissSweep)
	assert.Equal(t, 8, cfg.Dispatch.Shards)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")
	t.Setenv("PORT", "9090")
	t.Setenv("POLL_INTERVAL", "45s")
	t.Setenv("MATCHER_WORKERS", "16")
	t.Setenv("MATCHER_QUEUE_DEPTH", "1024")
	t.Setenv("DISCOVER_RATE_PER_MINUTE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.PollInterval)
	assert.Equal(t, 16, cfg.Dispatch.Shards)
	assert.Equal(t, 1024, cfg.Dispatch.QueueDepth)
	assert.Equal(t, 30, cfg.RatePerMinute)
}

func TestLoadMalformedEnvFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")
	t.Setenv("POLL_BATCH", "lots")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.PollBatch)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// A tuning file overriding two fields leaves every other knob at its default.
func TestLoadTuningFilePartialOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")
	t.Setenv("CONFIG_FILE", writeTuning(t, `
engine:
  minClusterSize: 4
matcher:
  maxMissSweep: 12
`))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MinClusterSize)
	assert.Equal(t, 12, cfg.Matcher.MaxMissSweep)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.Engine.MinIntervalDays)
	assert.InDelta(t, 0.80, cfg.Engine.InlierShare, 1e-9)
	assert.InDelta(t, 0.15, cfg.Matcher.MissPenalty, 1e-9)
	assert.Equal(t, 8, cfg.Dispatch.Shards)
}

// The shadow section inherits production values for anything it leaves out,
// including values the engine section itself overrode.
func TestLoadShadowInheritsProduction(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")
	t.Setenv("CONFIG_FILE", writeTuning(t, `
engine:
  maxDaySpan: 12
shadow:
  amountTolerancePct: 0.30
`))

	cfg, err := Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.ShadowEngine)
	assert.InDelta(t, 0.30, cfg.ShadowEngine.AmountTolerancePct, 1e-9)
	assert.Equal(t, 12, cfg.ShadowEngine.MaxDaySpan, "inherits the tuned production value")
	assert.Equal(t, 3, cfg.ShadowEngine.MinClusterSize, "inherits the default")

	// Production params are untouched by the shadow section.
	assert.InDelta(t, 0.25, cfg.Engine.AmountTolerancePct, 1e-9)
}

func TestLoadMissingTuningFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/recurrence")
	t.Setenv("CONFIG_FILE", "/nonexistent/tuning.yaml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning file")
}
