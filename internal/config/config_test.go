package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
chain_id = 1
min_synced_rpcs = 2
min_sum_soft_limit = 100.0
response_cache_max_bytes = 1048576
redirect_public_url = "https://example.com/public"

[balanced_rpcs.alchemy]
url = "wss://alchemy.example/ws"
soft_limit = 50
hard_limit = 100
tier = 0

[balanced_rpcs.infura]
url = "https://infura.example/rpc"
soft_limit = 30
tier = 1
disabled = true

[deterministic_methods]
eth_gasPrice = true
eth_getBlockByHash = false
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesBackendsAndOverrides(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleTOML))
	require.NoError(t, err)

	assert.EqualValues(t, 1, cfg.ChainID)
	assert.Equal(t, 2, cfg.MinSyncedRPCs)
	assert.Equal(t, 100.0, cfg.MinSumSoftLimit)

	require.Contains(t, cfg.BalancedRPCs, "alchemy")
	assert.Equal(t, "wss://alchemy.example/ws", cfg.BalancedRPCs["alchemy"].URL)
	assert.Equal(t, 0, cfg.BalancedRPCs["alchemy"].Tier)

	require.Contains(t, cfg.BalancedRPCs, "infura")
	assert.True(t, cfg.BalancedRPCs["infura"].Disabled)

	assert.True(t, cfg.DeterministicMethods["eth_gasPrice"])
	assert.False(t, cfg.DeterministicMethods["eth_getBlockByHash"])
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, `chain_id = 1`))
	require.NoError(t, err)

	assert.Equal(t, int64(256<<20), cfg.ResponseCacheMaxBytes)
	assert.Equal(t, ":8545", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, `chain_id = 1`)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { changed <- c })
	require.NoError(t, err)
	t.Cleanup(w.Close)

	require.NoError(t, os.WriteFile(path, []byte(`chain_id = 2`), 0o644))

	select {
	case cfg := <-changed:
		assert.EqualValues(t, 2, cfg.ChainID)
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was never called after the config file changed")
	}
}

func TestWatcherMissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.toml"), func(*Config) {})
	assert.Error(t, err)
}
