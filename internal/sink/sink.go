// Package sink implements C3, the cache/stream sink: append-only per-stream
// trade publication with dedup and a length cap, plus latest-wins order
// book snapshots with TTL. Backed by Redis (github.com/redis/go-redis/v9).
package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/model"
)

// Config configures the Redis-backed sink.
type Config struct {
	Host         string
	Port         string
	Password     string
	PoolSize     int
	StreamMaxLen int64
	DedupWindow  time.Duration
	OrderbookTTL time.Duration
	TLS          *tls.Config // nil: TLS on for non-loopback peers, off for loopback
}

// Sink is C3's contract.
type Sink interface {
	PublishTrade(ctx context.Context, symbol string, market model.Market, t model.Trade) (bool, error)
	PutBook(ctx context.Context, symbol string, market model.Market, b model.BookUpdate) error
	Ping(ctx context.Context) error
}

// RedisSink is the production Sink implementation.
type RedisSink struct {
	client *redis.Client
	cfg    Config

	localMu   sync.Mutex
	localSeen map[string]time.Time // dedup hash -> monotonic-stamped insertion time

	metrics *metrics.Registry
}

// SetMetrics attaches the Prometheus registry this sink reports ingestion
// and dedup counters to. Optional: a nil registry (the default) means
// PublishTrade/PutBook simply skip metric recording.
func (s *RedisSink) SetMetrics(r *metrics.Registry) { s.metrics = r }

// New builds a RedisSink; TLS is enabled automatically unless the peer is
// loopback, matching spec §4.3.
func New(cfg Config) *RedisSink {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 20
	}
	if cfg.StreamMaxLen == 0 {
		cfg.StreamMaxLen = 50_000
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.OrderbookTTL == 0 {
		cfg.OrderbookTTL = 30 * time.Second
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := cfg.TLS
	if tlsConfig == nil && !isLoopback(cfg.Host) {
		tlsConfig = &tls.Config{ServerName: cfg.Host}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		TLSConfig:    tlsConfig,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &RedisSink{
		client:    client,
		cfg:       cfg,
		localSeen: make(map[string]time.Time),
	}
	go s.cleanupLocal()
	return s
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// DedupKey hashes (symbol, market, source timestamp, price, size) per spec §3.
func DedupKey(symbol string, market model.Market, t model.Trade) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%v|%v", symbol, market, t.SourceTS.UnixMilli(), t.Price, t.Size)
	return hex.EncodeToString(h.Sum(nil))
}

// PublishTrade writes the trade to trades:{symbol}:{market} unless its
// dedup key has been seen within the dedup window, in which case it
// silently returns false. First publication returns true.
func (s *RedisSink) PublishTrade(ctx context.Context, symbol string, market model.Market, t model.Trade) (bool, error) {
	key := DedupKey(symbol, market, t)

	if s.seenLocally(key) {
		s.recordDedupHit(symbol)
		return false, nil
	}

	dedupRedisKey := "trade_dedup:" + key
	set, err := s.client.SetNX(ctx, dedupRedisKey, 1, s.cfg.DedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("sink: dedup check: %w", err)
	}
	if !set {
		s.markLocally(key)
		s.recordDedupHit(symbol)
		return false, nil
	}
	s.markLocally(key)

	payload, err := encode(t)
	if err != nil {
		return false, fmt.Errorf("sink: encode trade: %w", err)
	}

	streamKey := fmt.Sprintf("trades:%s:%s", symbol, market)
	id := fmt.Sprintf("%d-*", t.SourceTS.UnixMilli())

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		ID:     id,
		MaxLen: s.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return false, fmt.Errorf("sink: xadd: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TradesIngested.WithLabelValues(symbol, string(market)).Inc()
	}
	return true, nil
}

func (s *RedisSink) recordDedupHit(symbol string) {
	if s.metrics != nil {
		s.metrics.DedupHits.WithLabelValues(symbol).Inc()
	}
}

// PutBook writes the latest order book snapshot with TTL; latest wins.
func (s *RedisSink) PutBook(ctx context.Context, symbol string, market model.Market, b model.BookUpdate) error {
	payload, err := encode(b)
	if err != nil {
		return fmt.Errorf("sink: encode book: %w", err)
	}

	key := fmt.Sprintf("orderbook:%s:%s", symbol, market)
	if err := s.client.Set(ctx, key, payload, s.cfg.OrderbookTTL).Err(); err != nil {
		return fmt.Errorf("sink: put book: %w", err)
	}
	if s.metrics != nil {
		s.metrics.BooksIngested.WithLabelValues(symbol, string(market)).Inc()
	}
	return nil
}

// GetBook reads back the latest order book snapshot, if any.
func (s *RedisSink) GetBook(ctx context.Context, symbol string, market model.Market) (model.BookUpdate, bool, error) {
	key := fmt.Sprintf("orderbook:%s:%s", symbol, market)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return model.BookUpdate{}, false, nil
	}
	if err != nil {
		return model.BookUpdate{}, false, fmt.Errorf("sink: get book: %w", err)
	}
	var b model.BookUpdate
	if err := decode(raw, &b); err != nil {
		return model.BookUpdate{}, false, fmt.Errorf("sink: decode book: %w", err)
	}
	return b, true, nil
}

// StreamLen reports the length of a trade stream, which approximate
// trimming keeps near stream_maxlen.
func (s *RedisSink) StreamLen(ctx context.Context, symbol string, market model.Market) (int64, error) {
	key := fmt.Sprintf("trades:%s:%s", symbol, market)
	return s.client.XLen(ctx, key).Result()
}

// RangeTrades reads back decoded trades published since the given time,
// for the backfill worker (internal/backfill.Reader). It never competes
// with the live ingestion path: it is a plain XRange, not a consumer
// group read.
func (s *RedisSink) RangeTrades(ctx context.Context, symbol string, market model.Market, since time.Time) ([]model.Trade, error) {
	key := fmt.Sprintf("trades:%s:%s", symbol, market)
	start := fmt.Sprintf("%d-0", since.UnixMilli())

	entries, err := s.client.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("sink: xrange: %w", err)
	}

	trades := make([]model.Trade, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["payload"].(string)
		if !ok {
			continue
		}
		var t model.Trade
		if err := decode([]byte(raw), &t); err != nil {
			log.Warn().Err(err).Str("id", e.ID).Msg("sink: dropping undecodable stream entry")
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// Ping is a liveness probe for C8.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) seenLocally(key string) bool {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	t, ok := s.localSeen[key]
	if !ok {
		return false
	}
	return time.Since(t) < s.cfg.DedupWindow
}

func (s *RedisSink) markLocally(key string) {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	s.localSeen[key] = time.Now()
}

func (s *RedisSink) cleanupLocal() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.localMu.Lock()
		for k, t := range s.localSeen {
			if time.Since(t) > s.cfg.DedupWindow {
				delete(s.localSeen, k)
			}
		}
		n := len(s.localSeen)
		s.localMu.Unlock()
		log.Debug().Int("dedup_entries", n).Msg("sink: local dedup cleanup")
	}
}

// encode is the canonical serialization: JSON compressed with gzip.
func encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode mirrors encode, for readers.
func decode(payload []byte, v interface{}) error {
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
