// Package upstream implements C6, one long-lived streaming session per
// SubscriptionGroup: subscribe/unsubscribe, frame parsing and
// classification, handing parsed trades/books to C3 and C7.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/health"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
	"github.com/sawpanic/marketfeed/internal/sink"
)

// marketRoute is the fixed, venue-specific per-market mapping (spec §4.6).
type marketRoute struct {
	url      string
	instType string
	suffix   string
}

var routes = map[model.Market]marketRoute{
	model.MarketSpot:  {url: "wss://ws.example-venue.com/spot", instType: "SP", suffix: "_SPBL"},
	model.MarketUSDTM: {url: "wss://ws.example-venue.com/mix", instType: "UMCBL", suffix: "_UMCBL"},
	model.MarketCoinM: {url: "wss://ws.example-venue.com/mix", instType: "DMCBL", suffix: "_DMCBL"},
	model.MarketUSDCM: {url: "wss://ws.example-venue.com/mix", instType: "CMCBL", suffix: "_CMCBL"},
}

// State is C6's state machine (spec §4.6).
type State int

const (
	Idle State = iota
	Connecting
	Subscribing
	Streaming
	Draining
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// Broadcaster is C7's inbound edge, kept as a narrow interface here to
// avoid an import cycle between upstream and fanout.
type Broadcaster interface {
	Broadcast(symbol string, message interface{}, debounceMS int)
}

const (
	idleFrameTimeout = 60 * time.Second
	pingInterval     = 20 * time.Second
	pongTimeout      = 10 * time.Second
	maxBackoff       = 60 * time.Second
)

// Session is one upstream streaming session for one SubscriptionGroup.
type Session struct {
	group      model.SubscriptionGroup
	privileged bool

	sink     sink.Sink
	broker   Broadcaster
	bucket   *ratelimit.Bucket
	latch    *health.Latch

	mu    sync.RWMutex
	state State

	conn   *websocket.Conn
	stopCh chan struct{}

	symbolSet map[string]bool

	metrics *metrics.Registry
}

// New builds a session for the given group; privileged controls whether
// the 50-level book channel is additionally subscribed.
func New(group model.SubscriptionGroup, privileged bool, sk sink.Sink, broker Broadcaster, bucket *ratelimit.Bucket, latch *health.Latch) *Session {
	set := make(map[string]bool, len(group.Symbols))
	for _, s := range group.Symbols {
		set[s] = true
	}
	return &Session{
		group:      group,
		privileged: privileged,
		sink:       sk,
		broker:     broker,
		bucket:     bucket,
		latch:      latch,
		state:      Idle,
		stopCh:     make(chan struct{}),
		symbolSet:  set,
	}
}

// State reports the current machine state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetMetrics attaches the Prometheus registry this session reports its
// state transitions to. Optional: left unset, setState simply skips it.
func (s *Session) SetMetrics(r *metrics.Registry) { s.metrics = r }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionState.WithLabelValues(s.group.ID, string(s.group.Market)).Set(float64(st))
	}
}

// Run drives the session until ctx is cancelled or Stop is called. It
// never returns an error: failures are handled internally by the
// reconnect loop, per spec §9's "explicit result values, not exceptions".
func (s *Session) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			s.setState(Terminated)
			return
		case <-s.stopCh:
			s.setState(Terminated)
			return
		default:
		}

		s.setState(Connecting)
		if s.latch.Active() {
			s.setState(Idle)
			if !s.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if err := s.connectAndStream(ctx); err != nil {
			log.Warn().Str("group", s.group.ID).Err(err).Msg("upstream: session error, reconnecting")
		}

		attempt++
		backoff := time.Duration(1<<uint(minInt(attempt, 6))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		s.setState(Reconnecting)
		if !s.sleep(ctx, backoff) {
			return
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// Stop signals the session to terminate and closes its current
// connection at once; in-flight frames are not drained.
func (s *Session) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type subscribeEnvelope struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

func (s *Session) connectAndStream(ctx context.Context) error {
	route, ok := routes[s.group.Market]
	if !ok {
		return fmt.Errorf("upstream: unsupported market %s", s.group.Market)
	}

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, route.url, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.setState(Subscribing)
	s.bucket.Acquire(ctx)
	if err := conn.WriteJSON(s.subscribeEnvelope(route)); err != nil {
		s.bucket.ReportError("network", err.Error())
		return fmt.Errorf("subscribe: %w", err)
	}
	s.bucket.ReportSuccess()

	s.setState(Streaming)
	log.Info().Str("group", s.group.ID).Int("symbols", len(s.group.Symbols)).Msg("upstream: streaming")

	return s.readLoop(ctx, conn)
}

func (s *Session) subscribeEnvelope(route marketRoute) subscribeEnvelope {
	args := make([]subscribeArg, 0, len(s.group.Symbols)*2)
	for _, sym := range s.group.Symbols {
		args = append(args, subscribeArg{InstType: route.instType, Channel: "trade", InstID: sym + route.suffix})
		if s.privileged {
			args = append(args, subscribeArg{InstType: route.instType, Channel: "books50", InstID: sym + route.suffix})
		}
	}
	return subscribeEnvelope{Op: "subscribe", Args: args}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	lastFrame := time.Now()
	for {
		if time.Since(lastFrame) > idleFrameTimeout {
			return fmt.Errorf("idle timeout")
		}

		_ = conn.SetReadDeadline(time.Now().Add(idleFrameTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		lastFrame = time.Now()

		s.handleFrame(ctx, raw)

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(pongTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

type updateEnvelope struct {
	Event  string          `json:"event"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"`
	Arg    subscribeArg    `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	if string(raw) == "pong" {
		return
	}

	var env updateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Debug().Err(err).Msg("upstream: dropping undecodable frame")
		return
	}

	switch {
	case env.Event == "subscribe":
		log.Info().Str("group", s.group.ID).Msg("upstream: subscribe confirmed")
	case env.Event == "error":
		log.Warn().Str("group", s.group.ID).Str("msg", env.Msg).Msg("upstream: venue reported error")
		s.bucket.ReportError("venue", env.Msg)
	case env.Action == "update" && env.Arg.Channel == "trade":
		s.handleTradeUpdate(ctx, env.Arg, env.Data)
	case env.Action == "update" && env.Arg.Channel == "books50" && s.privileged:
		s.handleBookUpdate(ctx, env.Arg, env.Data)
	}
}

type tradeTuple [4]interface{} // [ts_ms, price, size, side]

func (s *Session) handleTradeUpdate(ctx context.Context, arg subscribeArg, data json.RawMessage) {
	symbol := s.symbolFromInstID(arg.InstID)
	if symbol == "" {
		log.Warn().Str("instId", arg.InstID).Msg("upstream: unknown symbol in trade frame, dropping")
		return
	}

	var tuples []tradeTuple
	if err := json.Unmarshal(data, &tuples); err != nil {
		log.Debug().Err(err).Msg("upstream: dropping malformed trade frame")
		return
	}

	for _, tup := range tuples {
		trade, ok := parseTrade(symbol, s.group.Market, tup)
		if !ok {
			continue
		}

		published, err := s.sink.PublishTrade(ctx, symbol, s.group.Market, trade)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("upstream: publish failed")
			s.bucket.ReportError("sink", err.Error())
			continue
		}
		if published {
			s.broker.Broadcast(symbol, trade, 0)
		}
	}
}

func (s *Session) handleBookUpdate(ctx context.Context, arg subscribeArg, data json.RawMessage) {
	symbol := s.symbolFromInstID(arg.InstID)
	if symbol == "" {
		log.Warn().Str("instId", arg.InstID).Msg("upstream: unknown symbol in book frame, dropping")
		return
	}

	var frames []struct {
		Bids     [][2]string `json:"bids"`
		Asks     [][2]string `json:"asks"`
		Snapshot bool        `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &frames); err != nil {
		log.Debug().Err(err).Msg("upstream: dropping malformed book frame")
		return
	}

	for _, f := range frames {
		book := model.BookUpdate{
			Symbol:   symbol,
			Market:   s.group.Market,
			SourceTS: time.Now().UTC(),
			Snapshot: f.Snapshot,
			Bids:     levelsFrom(f.Bids),
			Asks:     levelsFrom(f.Asks),
		}
		if err := s.sink.PutBook(ctx, symbol, s.group.Market, book); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("upstream: put_book failed")
			s.bucket.ReportError("sink", err.Error())
			continue
		}
		s.broker.Broadcast(symbol, book, 0)
	}
}

func levelsFrom(raw [][2]string) []model.BookLevel {
	levels := make([]model.BookLevel, 0, len(raw))
	for _, pair := range raw {
		price, _ := strconv.ParseFloat(pair[0], 64)
		size, _ := strconv.ParseFloat(pair[1], 64)
		levels = append(levels, model.BookLevel{Price: price, Size: size})
	}
	if len(levels) > model.BookDepth {
		levels = levels[:model.BookDepth]
	}
	return levels
}

func (s *Session) symbolFromInstID(instID string) string {
	route := routes[s.group.Market]
	symbol := strings.TrimSuffix(instID, route.suffix)
	if !s.symbolSet[symbol] {
		return ""
	}
	return symbol
}

func parseTrade(symbol string, market model.Market, tup tradeTuple) (model.Trade, bool) {
	tsMs, ok := toInt64(tup[0])
	if !ok {
		return model.Trade{}, false
	}
	price, ok := toFloat(tup[1])
	if !ok {
		return model.Trade{}, false
	}
	size, ok := toFloat(tup[2])
	if !ok {
		return model.Trade{}, false
	}
	sideStr, _ := tup[3].(string)

	return model.Trade{
		Symbol:     symbol,
		Market:     market,
		Price:      price,
		Size:       size,
		Side:       model.ParseSide(strings.ToLower(sideStr)),
		SourceTS:   time.UnixMilli(tsMs).UTC(),
		IngestedTS: time.Now().UTC(),
	}, true
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
