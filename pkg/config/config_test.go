package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel-overwatch/pkg/shared"
)

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(New())
	require.NoError(t, err)
	assert.Equal(t, shared.DefaultRoom, cfg.Room)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, "ws://localhost:8080/api/ws/yjs", cfg.RelayURL)
}

func TestLoadClientFromEnvironment(t *testing.T) {
	t.Setenv("OVERWATCH_RELAY_URL", "wss://relay.example/api/ws/yjs")
	t.Setenv("OVERWATCH_MAX_BACKOFF", "2s")
	t.Setenv("OVERWATCH_TOKEN", "abc")

	cfg, err := LoadClient(New())
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/api/ws/yjs", cfg.RelayURL)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.Equal(t, "abc", cfg.Token)
}

func TestLoadRelayRequiresSecret(t *testing.T) {
	_, err := LoadRelay(New())
	require.Error(t, err)

	t.Setenv("OVERWATCH_JWT_SECRET", "s3cret")
	cfg, err := LoadRelay(New())
	require.NoError(t, err)
	assert.Equal(t, 4222, cfg.NATSPort)
	assert.Equal(t, shared.DevToken, cfg.APIToken)
	assert.Equal(t, "./db/relay.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.FlushEvery)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OVERWATCH_ROOM=drill-room\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("OVERWATCH_ROOM") })

	require.True(t, LoadDotEnv(path))
	cfg, err := LoadClient(New())
	require.NoError(t, err)
	assert.Equal(t, "drill-room", cfg.Room)

	assert.False(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
