package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, loaded, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidegate.yaml")
	body := []byte(`
environment: dev
logLevel: debug
feed:
  url: wss://example.test/ws
  fallbackThreshold: 12
gateway:
  upstreamTimeout: 3s
  userLimit:
    limit: 5
    window: 10s
server:
  addr: ":9999"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.True(t, loaded)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "wss://example.test/ws", cfg.Feed.URL)
	require.Equal(t, 12, cfg.Feed.FallbackThreshold)
	require.Equal(t, Duration(3*time.Second), cfg.Gateway.UpstreamTimeout)
	require.Equal(t, 5, cfg.Gateway.UserLimit.Limit)
	require.Equal(t, Duration(10*time.Second), cfg.Gateway.UserLimit.Window)
	require.Equal(t, ":9999", cfg.Server.Addr)
	// Untouched sections keep their defaults.
	require.Equal(t, Default().Feed.HeartbeatInterval, cfg.Feed.HeartbeatInterval)
	require.Equal(t, Default().Gateway.IPLimit, cfg.Gateway.IPLimit)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TIDEGATE_ENV", "staging")
	t.Setenv("TIDEGATE_FEED_URL", "wss://env.test/ws")
	t.Setenv("TIDEGATE_FALLBACK_THRESHOLD", "20")

	cfg := FromEnv(Default())
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "wss://env.test/ws", cfg.Feed.URL)
	require.Equal(t, 20, cfg.Feed.FallbackThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Feed.FallbackThreshold = 2
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Feed.URL = " "
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.UserLimit.Limit = 0
	require.Error(t, cfg.Validate())
}
