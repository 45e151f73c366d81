package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/model"
)

func newMockedSink(t *testing.T) (*RedisSink, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	s := &RedisSink{
		client:    db,
		cfg:       Config{StreamMaxLen: 50_000, DedupWindow: time.Hour, OrderbookTTL: 30 * time.Second},
		localSeen: make(map[string]time.Time),
	}
	return s, mock
}

func TestDedupKeyDeterministic(t *testing.T) {
	trade := model.Trade{
		Price:    30000.0,
		Size:     0.1,
		SourceTS: time.UnixMilli(1700000000000),
	}

	k1 := DedupKey("BTCUSDT", model.MarketSpot, trade)
	k2 := DedupKey("BTCUSDT", model.MarketSpot, trade)
	assert.Equal(t, k1, k2)

	other := trade
	other.Price = 30000.1
	k3 := DedupKey("BTCUSDT", model.MarketSpot, other)
	assert.NotEqual(t, k1, k3)
}

func TestDedupKeyVariesByMarket(t *testing.T) {
	trade := model.Trade{Price: 1, Size: 1, SourceTS: time.UnixMilli(1)}
	spot := DedupKey("BTCUSDT", model.MarketSpot, trade)
	usdtm := DedupKey("BTCUSDT", model.MarketUSDTM, trade)
	assert.NotEqual(t, spot, usdtm)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	book := model.BookUpdate{
		Symbol: "ETHUSDT",
		Market: model.MarketUSDTM,
		Bids:   []model.BookLevel{{Price: 2000, Size: 1.5}},
		Asks:   []model.BookLevel{{Price: 2001, Size: 2.5}},
	}

	payload, err := encode(book)
	require.NoError(t, err)

	var out model.BookUpdate
	require.NoError(t, decode(payload, &out))
	assert.Equal(t, book.Symbol, out.Symbol)
	assert.Equal(t, book.Bids, out.Bids)
	assert.Equal(t, book.Asks, out.Asks)
}

func TestPublishTradeFirstPublicationWritesStream(t *testing.T) {
	s, mock := newMockedSink(t)
	ctx := context.Background()

	trade := model.Trade{Price: 30000, Size: 0.1, SourceTS: time.UnixMilli(1700000000000)}
	key := DedupKey("BTCUSDT", model.MarketSpot, trade)
	dedupRedisKey := "trade_dedup:" + key

	payload, err := encode(trade)
	require.NoError(t, err)

	mock.ExpectSetNX(dedupRedisKey, 1, s.cfg.DedupWindow).SetVal(true)
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: fmt.Sprintf("trades:%s:%s", "BTCUSDT", model.MarketSpot),
		ID:     fmt.Sprintf("%d-*", trade.SourceTS.UnixMilli()),
		MaxLen: s.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).SetVal("1700000000000-1")

	published, err := s.PublishTrade(ctx, "BTCUSDT", model.MarketSpot, trade)
	require.NoError(t, err)
	assert.True(t, published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishTradeDedupHitAgainstRedisSuppresses(t *testing.T) {
	s, mock := newMockedSink(t)
	ctx := context.Background()

	trade := model.Trade{Price: 30000, Size: 0.1, SourceTS: time.UnixMilli(1700000000000)}
	key := DedupKey("BTCUSDT", model.MarketSpot, trade)
	dedupRedisKey := "trade_dedup:" + key

	mock.ExpectSetNX(dedupRedisKey, 1, s.cfg.DedupWindow).SetVal(false)

	published, err := s.PublishTrade(ctx, "BTCUSDT", model.MarketSpot, trade)
	require.NoError(t, err)
	assert.False(t, published, "a trade already marked in Redis must not be republished")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishTradeDedupHitLocallySkipsRedisRoundTrip(t *testing.T) {
	s, mock := newMockedSink(t)
	ctx := context.Background()

	trade := model.Trade{Price: 30000, Size: 0.1, SourceTS: time.UnixMilli(1700000000000)}
	key := DedupKey("BTCUSDT", model.MarketSpot, trade)
	s.markLocally(key)

	published, err := s.PublishTrade(ctx, "BTCUSDT", model.MarketSpot, trade)
	require.NoError(t, err)
	assert.False(t, published)
	require.NoError(t, mock.ExpectationsWereMet(), "a trade already seen by this process must never touch Redis")
}

func TestPublishTradeReplayAfterRestartStillDedupsAgainstRedis(t *testing.T) {
	s, mock := newMockedSink(t)
	ctx := context.Background()

	trade := model.Trade{Price: 30000, Size: 0.1, SourceTS: time.UnixMilli(1700000000000)}
	key := DedupKey("BTCUSDT", model.MarketSpot, trade)
	dedupRedisKey := "trade_dedup:" + key

	// Simulates a process restart replaying the same trade: the
	// in-process localSeen map is empty, but Redis still holds the key.
	mock.ExpectSetNX(dedupRedisKey, 1, s.cfg.DedupWindow).SetVal(false)

	published, err := s.PublishTrade(ctx, "BTCUSDT", model.MarketSpot, trade)
	require.NoError(t, err)
	assert.False(t, published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutBookWritesSnapshotWithTTL(t *testing.T) {
	s, mock := newMockedSink(t)
	ctx := context.Background()

	book := model.BookUpdate{
		Symbol: "ETHUSDT",
		Market: model.MarketUSDTM,
		Bids:   []model.BookLevel{{Price: 2000, Size: 1.5}},
	}
	payload, err := encode(book)
	require.NoError(t, err)

	mock.ExpectSet(fmt.Sprintf("orderbook:%s:%s", "ETHUSDT", model.MarketUSDTM), payload, s.cfg.OrderbookTTL).SetVal("OK")

	require.NoError(t, s.PutBook(ctx, "ETHUSDT", model.MarketUSDTM, book))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocalDedupWindow(t *testing.T) {
	s := &RedisSink{
		cfg:       Config{DedupWindow: 50 * time.Millisecond},
		localSeen: make(map[string]time.Time),
	}

	assert.False(t, s.seenLocally("h1"))
	s.markLocally("h1")
	assert.True(t, s.seenLocally("h1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, s.seenLocally("h1"))
}
