package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenFileAbsent(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5, config.Reputation.Threshold)
	assert.Equal(t, 1*time.Hour, config.Reputation.StalenessWindow)
	assert.Equal(t, 1*time.Hour, config.Tokens.TTL)
	assert.True(t, config.RateLimiting.FailOpen)
	assert.Equal(t, DefaultTierLimits(), config.RateLimiting.Tiers)
	assert.Equal(t, "data/blacklist.txt", config.BlacklistPath)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
blacklist_path: /var/lib/rampart/blacklist.txt
reputation:
  threshold: 3
  staleness_window: 30m
rate_limiting:
  fail_open: false
  tiers:
    auth:
      window: 5m
      ceiling: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/rampart/blacklist.txt", config.BlacklistPath)
	assert.Equal(t, 3, config.Reputation.Threshold)
	assert.Equal(t, 30*time.Minute, config.Reputation.StalenessWindow)
	assert.False(t, config.RateLimiting.FailOpen)
	assert.Equal(t, TierLimit{Window: 5 * time.Minute, Ceiling: 20}, config.RateLimiting.Tiers[TierAuth])
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SUSPICIOUS_THRESHOLD", "7")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RATE_LIMIT_FAIL_CLOSED", "true")
	t.Setenv("BLACKLIST_TTL", "72h")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7, config.Reputation.Threshold)
	assert.Equal(t, "redis://localhost:6379/0", config.RedisURL)
	assert.False(t, config.RateLimiting.FailOpen)
	assert.Equal(t, 72*time.Hour, config.Reputation.BlacklistTTL)
}

func TestLoadConfigProductionFlag(t *testing.T) {
	t.Setenv("GO_ENV", "production")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.True(t, config.Production)
	assert.False(t, config.EventLog.MirrorToConsole)
}
