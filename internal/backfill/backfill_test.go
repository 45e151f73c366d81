package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/analytics"
	"github.com/sawpanic/marketfeed/internal/model"
)

type fakeReader struct {
	trades []model.Trade
	calls  int
}

func (f *fakeReader) RangeTrades(ctx context.Context, symbol string, market model.Market, since time.Time) ([]model.Trade, error) {
	f.calls++
	return f.trades, nil
}

type fakeSink struct {
	inserted []model.Trade
}

func (f *fakeSink) InsertTrades(ctx context.Context, trades []model.Trade) error {
	f.inserted = append(f.inserted, trades...)
	return nil
}
func (f *fakeSink) InsertBars(ctx context.Context, bars []analytics.Bar) error { return nil }
func (f *fakeSink) Ping(ctx context.Context) error                            { return nil }
func (f *fakeSink) Close() error                                              { return nil }

func TestRunIsNoopWhenDisabled(t *testing.T) {
	reader := &fakeReader{}
	sink := &fakeSink{}
	w := New(Config{Enabled: false}, reader, sink, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	assert.Equal(t, 0, reader.calls)
}

func TestRunIsNoopWhenSinkNil(t *testing.T) {
	reader := &fakeReader{}
	w := New(Config{Enabled: true, PollInterval: time.Millisecond}, reader, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	assert.Equal(t, 0, reader.calls)
}

func TestTickReplicatesTradesPerSymbol(t *testing.T) {
	reader := &fakeReader{trades: []model.Trade{{Symbol: "BTCUSDT", Market: model.MarketSpot, Price: 100}}}
	sink := &fakeSink{}
	groups := func() []model.SubscriptionGroup {
		return []model.SubscriptionGroup{{ID: "spot-0", Market: model.MarketSpot, Symbols: []string{"BTCUSDT"}}}
	}
	w := New(Config{Enabled: true, BatchWindow: time.Minute}, reader, sink, groups)

	w.tick(context.Background())

	require.Len(t, sink.inserted, 1)
	assert.Equal(t, "BTCUSDT", sink.inserted[0].Symbol)
	assert.Equal(t, 1, reader.calls)
}

func TestTickSkipsEmptyRanges(t *testing.T) {
	reader := &fakeReader{trades: nil}
	sink := &fakeSink{}
	groups := func() []model.SubscriptionGroup {
		return []model.SubscriptionGroup{{ID: "spot-0", Market: model.MarketSpot, Symbols: []string{"BTCUSDT"}}}
	}
	w := New(Config{Enabled: true, BatchWindow: time.Minute}, reader, sink, groups)

	w.tick(context.Background())

	assert.Empty(t, sink.inserted)
}

func TestDefaultConfigDisabled(t *testing.T) {
	assert.False(t, DefaultConfig().Enabled)
}
