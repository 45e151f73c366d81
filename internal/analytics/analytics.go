// Package analytics implements the analytical-store boundary (spec
// §4.11): a write-behind sink for the backfill worker, with ClickHouse
// as primary and Postgres as fallback when no ClickHouse DSN is set.
package analytics

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/model"
)

// Bar is an OHLCV aggregate, the unit the backfill worker forwards
// alongside raw trades.
type Bar struct {
	Symbol     string
	Market     model.Market
	ResolutionSec int
	Open, High, Low, Close float64
	Volume     float64
	BucketTS   time.Time
}

// Sink is the analytical-store boundary's contract. Construction errors
// are returned by the constructors; Select falls back from a failed
// ClickHouse open to Postgres and returns a Postgres connect error. Once
// built, Ping is the liveness probe; callers that never wired a store
// report health.ErrUnknown instead.
type Sink interface {
	InsertTrades(ctx context.Context, trades []model.Trade) error
	InsertBars(ctx context.Context, bars []Bar) error
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseConfig configures the primary sink.
type ClickHouseConfig struct {
	Host, Port, User, Password, Database string
}

// ClickHouseSink is the primary analytical store.
type ClickHouseSink struct {
	conn clickhouse.Conn
}

// NewClickHouseSink dials ClickHouse eagerly; callers should fall back to
// Postgres (or disable the backfill worker) on error.
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	database := cfg.Database
	if database == "" {
		database = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// InsertTrades batch-inserts into the trades table.
func (c *ClickHouseSink) InsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO trades (symbol, market, price, size, side, source_ts)")
	if err != nil {
		return fmt.Errorf("analytics: prepare trades batch: %w", err)
	}
	for _, t := range trades {
		if err := batch.Append(t.Symbol, string(t.Market), t.Price, t.Size, string(t.Side), t.SourceTS); err != nil {
			return fmt.Errorf("analytics: append trade: %w", err)
		}
	}
	return batch.Send()
}

// InsertBars batch-inserts into the bars table.
func (c *ClickHouseSink) InsertBars(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO bars (symbol, market, resolution_sec, open, high, low, close, volume, bucket_ts)")
	if err != nil {
		return fmt.Errorf("analytics: prepare bars batch: %w", err)
	}
	for _, b := range bars {
		if err := batch.Append(b.Symbol, string(b.Market), b.ResolutionSec, b.Open, b.High, b.Low, b.Close, b.Volume, b.BucketTS); err != nil {
			return fmt.Errorf("analytics: append bar: %w", err)
		}
	}
	return batch.Send()
}

// Ping is the C8 liveness probe for the primary store.
func (c *ClickHouseSink) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close releases the ClickHouse connection.
func (c *ClickHouseSink) Close() error {
	return c.conn.Close()
}

// PostgresConfig configures the fallback sink.
type PostgresConfig struct {
	DSN string
}

// PostgresSink is the fallback analytical store, used only when
// CLICKHOUSE_HOST is unset at startup.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink opens a Postgres connection via sqlx+lib/pq.
func NewPostgresSink(cfg PostgresConfig) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("analytics: open postgres: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// InsertTrades batch-inserts into the trades table.
func (p *PostgresSink) InsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt := `INSERT INTO trades (symbol, market, price, size, side, source_ts) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, t := range trades {
		if _, err := tx.ExecContext(ctx, stmt, t.Symbol, string(t.Market), t.Price, t.Size, string(t.Side), t.SourceTS); err != nil {
			return fmt.Errorf("analytics: insert trade: %w", err)
		}
	}
	return tx.Commit()
}

// InsertBars batch-inserts into the bars table.
func (p *PostgresSink) InsertBars(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt := `INSERT INTO bars (symbol, market, resolution_sec, open, high, low, close, volume, bucket_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, b := range bars {
		if _, err := tx.ExecContext(ctx, stmt, b.Symbol, string(b.Market), b.ResolutionSec, b.Open, b.High, b.Low, b.Close, b.Volume, b.BucketTS); err != nil {
			return fmt.Errorf("analytics: insert bar: %w", err)
		}
	}
	return tx.Commit()
}

// Ping is the C8 liveness probe for the fallback store.
func (p *PostgresSink) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the Postgres connection pool.
func (p *PostgresSink) Close() error {
	return p.db.Close()
}

// Select picks ClickHouse when host is configured, else Postgres when a
// DSN is configured, else nil: the backfill worker treats a nil sink as
// "stay disabled" rather than erroring, matching spec §4.12.
func Select(ch ClickHouseConfig, pg PostgresConfig) (Sink, error) {
	if ch.Host != "" {
		sink, err := NewClickHouseSink(ch)
		if err != nil {
			log.Warn().Err(err).Msg("analytics: clickhouse unavailable, falling back to postgres")
		} else {
			return sink, nil
		}
	}
	if pg.DSN != "" {
		return NewPostgresSink(pg)
	}
	return nil, nil
}
