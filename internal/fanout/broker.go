// Package fanout implements C7, the fan-out broker: per-symbol client
// sets, debounced coalescing, and a batch flusher feeding dashboard
// websocket sessions.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Metrics is the snapshot surfaced by C10.
type Metrics struct {
	MessagesSent    int64
	MessagesQueued  int64
	ConnectionsTotal int64
	ErrorsCount     int64
	ActiveSymbols   int
	TotalConnections int
}

// ClientSession wraps one dashboard websocket connection.
type ClientSession struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func newClientSession(id string, conn *websocket.Conn) *ClientSession {
	return &ClientSession{id: id, conn: conn}
}

func (c *ClientSession) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *ClientSession) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *ClientSession) close() {
	_ = c.conn.Close()
}

// symbolChannel is one symbol's fan-out state: subscribers plus a
// pending-message queue coalesced by debounce_ms.
type symbolChannel struct {
	mu        sync.Mutex
	clients   map[string]*ClientSession
	pending   interface{}
	hasPending bool
	lastFlush time.Time
	debounce  time.Duration
}

// helloFrame is the one-shot greeting sent to a client right after it
// registers on a symbol's channel.
type helloFrame struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	Symbol       string `json:"symbol"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

const (
	pingInterval = 30 * time.Second
)

// Broker is C7's production implementation.
type Broker struct {
	debounce      time.Duration
	batchInterval time.Duration

	mu       sync.RWMutex
	channels map[string]*symbolChannel

	bus *nats.Conn

	sent, queued, connTotal, errs int64
}

const busSubjectPrefix = "marketfeed.fanout."

type busEnvelope struct {
	Symbol     string          `json:"symbol"`
	Data       json.RawMessage `json:"data"`
	DebounceMS int             `json:"debounce_ms"`
}

// New builds a broker with the topology's debounce/batch intervals.
func New(debounceMS, batchIntervalMS int) *Broker {
	if debounceMS <= 0 {
		debounceMS = 25
	}
	if batchIntervalMS <= 0 {
		batchIntervalMS = 50
	}
	b := &Broker{
		debounce:      time.Duration(debounceMS) * time.Millisecond,
		batchInterval: time.Duration(batchIntervalMS) * time.Millisecond,
		channels:      make(map[string]*symbolChannel),
	}
	go b.flushLoop()
	go b.pingLoop()
	return b
}

// EnableBus joins the optional cross-instance fan-out bus: a message
// broadcast locally on this process is republished on the bus, and
// messages published by other processes are queued as if broadcast
// locally. Without a bus, a symbol's subscribers only ever see this
// process's own upstream sessions.
func (b *Broker) EnableBus(natsURL string) error {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.bus = conn
	b.mu.Unlock()

	_, err = conn.Subscribe(busSubjectPrefix+">", func(msg *nats.Msg) {
		var env busEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Msg("fanout: dropping undecodable bus message")
			return
		}
		b.queueLocal(env.Symbol, json.RawMessage(env.Data), env.DebounceMS)
	})
	if err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Connect registers a dashboard client on a symbol's channel and sends
// it the one-shot hello frame confirming the subscription.
func (b *Broker) Connect(symbol, clientID string, conn *websocket.Conn) *ClientSession {
	session := newClientSession(clientID, conn)

	b.mu.Lock()
	ch, ok := b.channels[symbol]
	if !ok {
		ch = &symbolChannel{clients: make(map[string]*ClientSession), debounce: b.debounce}
		b.channels[symbol] = ch
	}
	b.connTotal++
	b.mu.Unlock()

	ch.mu.Lock()
	ch.clients[clientID] = session
	ch.mu.Unlock()

	hello := helloFrame{
		Type:         "connection",
		Status:       "connected",
		Symbol:       symbol,
		ServerTimeMS: time.Now().UnixMilli(),
	}
	if err := session.send(hello); err != nil {
		log.Warn().Str("symbol", symbol).Str("client", clientID).Err(err).Msg("fanout: hello frame send failed")
	}

	log.Info().Str("symbol", symbol).Str("client", clientID).Msg("fanout: client connected")
	return session
}

// Disconnect removes a client from a symbol's channel, and removes the
// channel itself once its client set is empty: a symbol entry exists
// iff at least one client is subscribed to it.
func (b *Broker) Disconnect(symbol, clientID string) {
	b.mu.RLock()
	ch, ok := b.channels[symbol]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	if c, ok := ch.clients[clientID]; ok {
		c.close()
		delete(ch.clients, clientID)
	}
	empty := len(ch.clients) == 0
	ch.mu.Unlock()
	if !empty {
		return
	}

	b.mu.Lock()
	if cur, ok := b.channels[symbol]; ok && cur == ch {
		cur.mu.Lock()
		stillEmpty := len(cur.clients) == 0
		cur.mu.Unlock()
		if stillEmpty {
			delete(b.channels, symbol)
		}
	}
	b.mu.Unlock()
}

// Broadcast queues a message for a symbol's subscribers. debounceMS
// overrides the broker default for this message; 0 removes the debounce
// gate so the next flush tick sends it. Broadcasts that arrive between two
// flush ticks still collapse to the latest one. Publishes to the bus
// unconditionally (when enabled) since a sibling broker instance may
// have subscribers for this symbol even when this instance has none.
func (b *Broker) Broadcast(symbol string, message interface{}, debounceMS int) {
	b.queueLocal(symbol, message, debounceMS)
	b.publishBus(symbol, message, debounceMS)
}

// queueLocal stages a message on a symbol's pending slot without
// touching the bus. It is the common path for both locally originated
// broadcasts and messages relayed in from other broker instances.
// Reports whether a channel existed to queue onto.
func (b *Broker) queueLocal(symbol string, message interface{}, debounceMS int) bool {
	b.mu.Lock()
	ch, ok := b.channels[symbol]
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.queued++
	b.mu.Unlock()

	ch.mu.Lock()
	ch.pending = message
	ch.hasPending = true
	ch.debounce = time.Duration(debounceMS) * time.Millisecond
	ch.mu.Unlock()
	return true
}

// publishBus republishes a locally originated broadcast onto the bus
// so sibling broker processes can fan it out to their own subscribers,
// preserving the caller's debounce override. No-op when no bus is
// configured.
func (b *Broker) publishBus(symbol string, message interface{}, debounceMS int) {
	b.mu.RLock()
	conn := b.bus
	b.mu.RUnlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("fanout: failed to encode message for bus")
		return
	}
	env := busEnvelope{Symbol: symbol, Data: data, DebounceMS: debounceMS}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("fanout: failed to encode bus envelope")
		return
	}
	if err := conn.Publish(busSubjectPrefix+symbol, payload); err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("fanout: bus publish failed")
	}
}

func (b *Broker) flushLoop() {
	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()
	for range ticker.C {
		b.flushAll()
	}
}

func (b *Broker) flushAll() {
	b.mu.RLock()
	channels := make(map[string]*symbolChannel, len(b.channels))
	for sym, ch := range b.channels {
		channels[sym] = ch
	}
	b.mu.RUnlock()

	for symbol, ch := range channels {
		ch.mu.Lock()
		if !ch.hasPending || time.Since(ch.lastFlush) < ch.debounce {
			ch.mu.Unlock()
			continue
		}
		msg := ch.pending
		ch.hasPending = false
		ch.lastFlush = time.Now()
		clients := make([]*ClientSession, 0, len(ch.clients))
		for _, c := range ch.clients {
			clients = append(clients, c)
		}
		ch.mu.Unlock()

		envelope := struct {
			Symbol string      `json:"symbol"`
			Data   interface{} `json:"data"`
		}{Symbol: symbol, Data: msg}

		for _, c := range clients {
			if err := c.send(envelope); err != nil {
				b.mu.Lock()
				b.errs++
				b.mu.Unlock()
				log.Warn().Str("symbol", symbol).Str("client", c.id).Err(err).Msg("fanout: send failed, disconnecting")
				b.Disconnect(symbol, c.id)
				continue
			}
			b.mu.Lock()
			b.sent++
			b.mu.Unlock()
		}
	}
}

func (b *Broker) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		b.mu.RLock()
		channels := make(map[string]*symbolChannel, len(b.channels))
		for sym, ch := range b.channels {
			channels[sym] = ch
		}
		b.mu.RUnlock()

		for symbol, ch := range channels {
			ch.mu.Lock()
			clients := make([]*ClientSession, 0, len(ch.clients))
			for _, c := range ch.clients {
				clients = append(clients, c)
			}
			ch.mu.Unlock()

			for _, c := range clients {
				if err := c.ping(); err != nil {
					log.Warn().Str("symbol", symbol).Str("client", c.id).Msg("fanout: ping failed, disconnecting")
					b.Disconnect(symbol, c.id)
				}
			}
		}
	}
}

// Metrics reports the current fan-out counters, consumed by C10.
func (b *Broker) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, ch := range b.channels {
		ch.mu.Lock()
		total += len(ch.clients)
		ch.mu.Unlock()
	}

	return Metrics{
		MessagesSent:     b.sent,
		MessagesQueued:   b.queued,
		ConnectionsTotal: b.connTotal,
		ErrorsCount:      b.errs,
		ActiveSymbols:    len(b.channels),
		TotalConnections: total,
	}
}
