package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultTopology(), cfg.Topology)
	assert.Equal(t, "127.0.0.1", cfg.RedisHost)
	assert.Equal(t, "6379", cfg.RedisPort)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.True(t, cfg.TLS.Verify, "SSL_VERIFY must default to true")
	assert.False(t, cfg.BackfillEnabled)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaultTopology(), cfg.Topology)
}

func TestLoadParsesYAMLTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	writeFile(t, path, `
markets: ["spot", "usdtm"]
max_symbols_public: 25
min_volume_24h: 500000
stream_maxlen: 10000
dedup_window_secs: 120
orderbook_ttl_secs: 15
debounce_ms: 50
batch_interval_ms: 100
health_interval_secs: 10
redis_pool_size: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"spot", "usdtm"}, cfg.Topology.Markets)
	assert.Equal(t, 25, cfg.Topology.MaxSymbolsPublic)
	assert.Equal(t, 500000.0, cfg.Topology.MinVolume24h)
	assert.Equal(t, int64(10000), cfg.Topology.StreamMaxLen)
	assert.Equal(t, 50, cfg.Topology.DebounceMS)
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "markets: [unterminated")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOverlaysEnvironmentVariables(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("BITGET_API_KEY", "key-from-env")
	t.Setenv("BITGET_SECRET_KEY", "secret-from-env")
	t.Setenv("BITGET_PASSPHRASE", "pass-from-env")
	t.Setenv("CLICKHOUSE_HOST", "ch.internal")
	t.Setenv("NATS_URL", "nats://nats.internal:4222")
	t.Setenv("SSL_VERIFY", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.RedisHost)
	assert.Equal(t, "6380", cfg.RedisPort)
	assert.Equal(t, "key-from-env", cfg.Credentials.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Credentials.SecretKey)
	assert.Equal(t, "pass-from-env", cfg.Credentials.Passphrase)
	assert.Equal(t, "ch.internal", cfg.ClickHouseHost)
	assert.Equal(t, "nats://nats.internal:4222", cfg.NatsURL)
	assert.False(t, cfg.TLS.Verify)
}

func TestLoadBackfillEnabledFlag(t *testing.T) {
	t.Setenv("BACKFILL_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.BackfillEnabled)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
