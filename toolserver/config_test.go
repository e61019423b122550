package toolserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, ":8800", cfg.HTTPAddr)
	require.Equal(t, "/mcp", cfg.RPCPath)
	require.Equal(t, BackendMemory, cfg.DocstoreBackend)
	require.True(t, cfg.GuardEnabled)
	require.False(t, cfg.ActivityEnabled)
	require.Equal(t, 15*time.Second, cfg.ShutdownGrace)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TOOLSERVER_ADDR", ":9999")
	t.Setenv("DOCSTORE_BACKEND", "redis")
	t.Setenv("ENABLE_DNS_REBINDING_PROTECTION", "false")
	t.Setenv("ALLOWED_HOSTS", "tools.internal, tools.internal:*")
	t.Setenv("SHUTDOWN_GRACE", "5s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, BackendRedis, cfg.DocstoreBackend)
	require.False(t, cfg.GuardEnabled)
	require.Equal(t, []string{"tools.internal", "tools.internal:*"}, cfg.AllowedHosts)
	require.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

func TestFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("DOCSTORE_BACKEND", "cassandra")
	_, err := FromEnv()
	require.Error(t, err)
}

const overlayYAML = `
model_tiers:
  0: {model: "fast-mini", input_per_mtok_usd: 0.1, output_per_mtok_usd: 0.4}
  3: {model: "frontier-xl", input_per_mtok_usd: 5.0, output_per_mtok_usd: 25.0}
allowed_hosts:
  - tools.internal:*
allowed_origins:
  - https://console.internal
`

func TestOverlayMergesIntoConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlayYAML), 0o600))
	t.Setenv("CONFIG_OVERLAY", path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "frontier-xl", cfg.Overlay.ModelTiers[3].Model)
	require.InDelta(t, 0.1, cfg.Overlay.ModelTiers[0].InputPerMTokUSD, 1e-9)
	require.Contains(t, cfg.AllowedHosts, "tools.internal:*")
	require.Contains(t, cfg.AllowedOrigins, "https://console.internal")
}

func TestOverlayRejectsOutOfRangeTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model_tiers:\n  7: {model: \"x\"}\n"), 0o600))
	_, err := LoadOverlay(path)
	require.Error(t, err)
}

func TestOverlayMissingFile(t *testing.T) {
	t.Setenv("CONFIG_OVERLAY", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := FromEnv()
	require.Error(t, err)
}
