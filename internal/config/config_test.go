package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8008", cfg.HTTPAddr)
	assert.Equal(t, "0.0.0.0:5060", cfg.SIPAddr)
	assert.Equal(t, 20, cfg.HTTPHookQueues)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, "http://0.0.0.0:8008", cfg.HTTPPublic)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("GATEWAY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("GATEWAY_SECRET", "env-secret")

	cfg, err := Load([]string{"-http-addr", "0.0.0.0:7777"})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.HTTPAddr)
	assert.Equal(t, "env-secret", cfg.Secret)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GATEWAY_HTTP_HOOK_QUEUES", "5")
	t.Setenv("GATEWAY_SYNC_INTERVAL_MS", "1500")
	t.Setenv("GATEWAY_SDN_PEER_ID", "42")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.HTTPHookQueues)
	assert.Equal(t, 1500*time.Millisecond, cfg.SyncInterval)
	assert.Equal(t, uint64(42), cfg.SDNPeerID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load([]string{"-http-hook-queues", "0"})
	assert.Error(t, err)

	_, err = Load([]string{"-log-format", "xml"})
	assert.Error(t, err)
}
