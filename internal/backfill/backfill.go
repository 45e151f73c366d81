// Package backfill implements the optional per-market replication
// worker (spec §4.12): reads recently streamed trades back out of C3
// and forwards them to the analytical-store boundary. Off by default.
package backfill

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/analytics"
	"github.com/sawpanic/marketfeed/internal/model"
)

// Reader is the subset of C3 the worker needs: ranging over a trade
// stream without disturbing the dedup/publish path.
type Reader interface {
	RangeTrades(ctx context.Context, symbol string, market model.Market, since time.Time) ([]model.Trade, error)
}

// Config controls the worker's cadence and batch size.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	BatchWindow  time.Duration
}

// DefaultConfig mirrors BACKFILL_ENABLED=false and a 5-minute poll.
func DefaultConfig() Config {
	return Config{Enabled: false, PollInterval: 5 * time.Minute, BatchWindow: 5 * time.Minute}
}

// Worker periodically drains recent trades from C3 into the analytical
// store. Runs at lower priority than the live ingestion path: it never
// competes with C1's buckets, since it reads from Redis directly rather
// than calling the venue.
type Worker struct {
	cfg    Config
	reader Reader
	sink   analytics.Sink
	groups func() []model.SubscriptionGroup

	lastRun map[string]time.Time
}

// New builds a worker; sink may be nil, in which case Run is a no-op
// regardless of cfg.Enabled (matches analytics.Select's "stay disabled").
// groups is called on every tick so the worker always replicates the
// manager's current working set, not a snapshot taken at construction.
func New(cfg Config, reader Reader, sink analytics.Sink, groups func() []model.SubscriptionGroup) *Worker {
	return &Worker{cfg: cfg, reader: reader, sink: sink, groups: groups, lastRun: make(map[string]time.Time)}
}

// Run loops until ctx is cancelled, polling every PollInterval.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled || w.sink == nil {
		log.Info().Msg("backfill: worker disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	for _, group := range w.groups() {
		for _, symbol := range group.Symbols {
			key := symbol + "|" + string(group.Market)
			since := time.Now().Add(-w.cfg.BatchWindow)
			if last, ok := w.lastRun[key]; ok && last.After(since) {
				since = last
			}

			trades, err := w.reader.RangeTrades(ctx, symbol, group.Market, since)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("backfill: range read failed")
				continue
			}
			if len(trades) == 0 {
				continue
			}

			if err := w.sink.InsertTrades(ctx, trades); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("backfill: insert failed")
				continue
			}
			w.lastRun[key] = time.Now()
			log.Debug().Str("symbol", symbol).Int("count", len(trades)).Msg("backfill: replicated trades")
		}
	}
}
