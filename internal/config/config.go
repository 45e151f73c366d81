// Package config loads the static topology (markets, tiers, caps) from a
// YAML file and overlays the secrets and endpoints that come from the
// environment, per the venue's own convention of never putting credentials
// in a checked-in file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Topology is the static, operator-edited part of the configuration.
type Topology struct {
	Markets          []string      `yaml:"markets"`
	MaxSymbolsPublic int           `yaml:"max_symbols_public"`
	MinVolume24h     float64       `yaml:"min_volume_24h"`
	StreamMaxLen     int64         `yaml:"stream_maxlen"`
	DedupWindowSecs  int           `yaml:"dedup_window_secs"`
	OrderbookTTLSecs int           `yaml:"orderbook_ttl_secs"`
	DebounceMS       int           `yaml:"debounce_ms"`
	BatchIntervalMS  int           `yaml:"batch_interval_ms"`
	HealthIntervalS  int           `yaml:"health_interval_secs"`
	RedisPoolSize    int           `yaml:"redis_pool_size"`
}

// Credentials is the venue credential triple; zero value means public tier.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// TLS mirrors the SSL_* environment variables.
type TLS struct {
	CACerts  string
	CertFile string
	KeyFile  string
	Verify   bool
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Topology Topology

	RedisHost     string
	RedisPort     string
	RedisPassword string

	ClickHouseHost     string
	ClickHousePort     string
	ClickHouseUser     string
	ClickHousePassword string
	PostgresDSN        string

	Credentials Credentials
	TLS         TLS

	HTTPHost string
	HTTPPort string

	CatalogBaseURL  string
	BackfillEnabled bool

	NatsURL string
}

func defaultTopology() Topology {
	return Topology{
		Markets:          []string{"spot", "usdtm", "coinm", "usdcm"},
		MaxSymbolsPublic: 50,
		MinVolume24h:     1_000_000,
		StreamMaxLen:     50_000,
		DedupWindowSecs:  3600,
		OrderbookTTLSecs: 30,
		DebounceMS:       25,
		BatchIntervalMS:  50,
		HealthIntervalS:  30,
		RedisPoolSize:    20,
	}
}

// Load reads the YAML topology file (if present, missing file is not an
// error — defaults apply) then overlays environment variables.
func Load(path string) (*Config, error) {
	top := defaultTopology()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read topology config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &top); err != nil {
			return nil, fmt.Errorf("parse topology config: %w", err)
		}
	}

	cfg := &Config{
		Topology:           top,
		RedisHost:          envOr("REDIS_HOST", "127.0.0.1"),
		RedisPort:          envOr("REDIS_PORT", "6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		ClickHouseHost:     os.Getenv("CLICKHOUSE_HOST"),
		ClickHousePort:     envOr("CLICKHOUSE_PORT", "9000"),
		ClickHouseUser:     envOr("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		Credentials: Credentials{
			APIKey:     os.Getenv("BITGET_API_KEY"),
			SecretKey:  os.Getenv("BITGET_SECRET_KEY"),
			Passphrase: os.Getenv("BITGET_PASSPHRASE"),
		},
		TLS: TLS{
			CACerts:  os.Getenv("SSL_CA_CERTS"),
			CertFile: os.Getenv("SSL_CERT_FILE"),
			KeyFile:  os.Getenv("SSL_KEY_FILE"),
			Verify:   envOr("SSL_VERIFY", "true") != "false",
		},
		HTTPHost: envOr("HTTP_HOST", "127.0.0.1"),
		HTTPPort: envOr("HTTP_PORT", "8080"),

		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		CatalogBaseURL:  envOr("CATALOG_BASE_URL", "https://api.bitget.com"),
		BackfillEnabled: envOr("BACKFILL_ENABLED", "false") == "true",

		NatsURL: os.Getenv("NATS_URL"),
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
