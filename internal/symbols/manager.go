// Package symbols implements C5, the symbol manager: selects the working
// set per market category and partitions it into subscription groups
// sized by account tier.
package symbols

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/catalog"
	"github.com/sawpanic/marketfeed/internal/model"
)

// Event is emitted on the Events() stream when a (symbol, market) pair is
// added or removed from the working set.
type Event struct {
	Added  bool
	Symbol string
	Market model.Market
}

// Profile is the subset of capability.Profile the manager needs, kept
// local to avoid an import cycle with internal/capability.
type Profile struct {
	Markets            []model.Market
	MaxSymbolsPerGroup int
	MaxSymbolsPerMarket int
	MinVolume24h       float64
}

// Manager owns the immutable working-set snapshot, swapped under a single
// writer lock on reconcile (spec §5).
type Manager struct {
	catalog catalog.Client
	events  chan Event

	mu       sync.RWMutex
	snapshot map[model.Market][]model.SymbolMeta
	profile  Profile
}

// New builds a manager; events has a generous buffer since reconfiguration
// is rare, and emit drops events once it is full.
func New(cat catalog.Client, profile Profile) *Manager {
	return &Manager{
		catalog:  cat,
		events:   make(chan Event, 4096),
		snapshot: make(map[model.Market][]model.SymbolMeta),
		profile:  profile,
	}
}

// Events returns the activation/deactivation event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Initialize selects the top MaxSymbolsPerMarket symbols per active
// market whose 24h notional is >= MinVolume24h, and emits an activation
// event per selected (symbol, market). Every symbol is new on the first
// call, so every one gets an Added event; Reconcile uses compute
// directly so it can emit only the symbols that actually changed.
func (m *Manager) Initialize(ctx context.Context) error {
	next, err := m.compute(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.snapshot = next
	m.mu.Unlock()

	for market, metas := range next {
		for _, s := range metas {
			m.emit(Event{Added: true, Symbol: s.Symbol, Market: market})
		}
	}
	return nil
}

// compute selects the top MaxSymbolsPerMarket symbols per active market
// whose 24h notional is >= MinVolume24h, without touching the snapshot
// or emitting events.
func (m *Manager) compute(ctx context.Context) (map[model.Market][]model.SymbolMeta, error) {
	next := make(map[model.Market][]model.SymbolMeta)

	for _, market := range m.profile.Markets {
		top, err := m.catalog.TopByVolume(ctx, market, m.profile.MaxSymbolsPerMarket)
		if err != nil {
			return nil, fmt.Errorf("symbols: initialize market %s: %w", market, err)
		}

		filtered := make([]model.SymbolMeta, 0, len(top))
		for _, s := range top {
			if s.Notional24h >= m.profile.MinVolume24h {
				filtered = append(filtered, s)
			}
		}
		next[market] = filtered
	}
	return next, nil
}

// emit delivers an event to a listening consumer without blocking the
// caller: with nobody draining Events(),
// a full buffer drops the event and logs rather than hanging Reconcile,
// which callers invoke synchronously from the credential-update path.
func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		log.Warn().Str("symbol", e.Symbol).Bool("added", e.Added).Msg("symbols: event buffer full, dropping")
	}
}

// SymbolsFor returns the ordered working set for a market.
func (m *Manager) SymbolsFor(market model.Market) []model.SymbolMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SymbolMeta, len(m.snapshot[market]))
	copy(out, m.snapshot[market])
	return out
}

// Groups partitions a market's working set into SubscriptionGroups sized
// by the profile's MaxSymbolsPerGroup.
func (m *Manager) Groups(market model.Market) []model.SubscriptionGroup {
	metas := m.SymbolsFor(market)
	if len(metas) == 0 {
		return nil
	}

	groupSize := m.profile.MaxSymbolsPerGroup
	if groupSize <= 0 {
		groupSize = len(metas)
	}

	var groups []model.SubscriptionGroup
	for i := 0; i < len(metas); i += groupSize {
		end := i + groupSize
		if end > len(metas) {
			end = len(metas)
		}
		syms := make([]string, 0, end-i)
		for _, s := range metas[i:end] {
			syms = append(syms, s.Symbol)
		}
		groups = append(groups, model.SubscriptionGroup{
			ID:      fmt.Sprintf("%s-%d", market, i/groupSize),
			Market:  market,
			Symbols: syms,
		})
	}
	return groups
}

// Reconcile is called by C9 on credential change: it expands the market
// set and per-market cap, diffs against the previous snapshot, and emits
// add/remove events for the symbols that changed.
func (m *Manager) Reconcile(ctx context.Context, profile Profile) error {
	m.mu.Lock()
	prev := m.snapshot
	m.profile = profile
	m.mu.Unlock()

	next, err := m.compute(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.snapshot = next
	m.mu.Unlock()

	prevSet := toSet(prev)
	nextSet := toSet(next)

	for key := range nextSet {
		if !prevSet[key] {
			m.emit(Event{Added: true, Symbol: key.symbol, Market: key.market})
		}
	}
	for key := range prevSet {
		if !nextSet[key] {
			m.emit(Event{Added: false, Symbol: key.symbol, Market: key.market})
		}
	}

	log.Info().Int("markets", len(next)).Msg("symbols: reconciled working set")
	return nil
}

type symbolKey struct {
	symbol string
	market model.Market
}

func toSet(snapshot map[model.Market][]model.SymbolMeta) map[symbolKey]bool {
	set := make(map[symbolKey]bool)
	for market, metas := range snapshot {
		for _, s := range metas {
			set[symbolKey{s.Symbol, market}] = true
		}
	}
	return set
}
