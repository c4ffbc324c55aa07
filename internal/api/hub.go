package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"linkora-backend/internal/aggregator"
	"linkora-backend/internal/eventbus"
	"linkora-backend/internal/metrics"
	"linkora-backend/internal/models"
)

const (
	kindCandles   = "candles"
	kindOrderbook = "orderbook"
	allSymbols    = "all"
)

// Aggregate keys the raw streams fan out to. The wildcard subscription is
// pinned to timeframe "1".
const (
	allCandlesKey   = allSymbols + ":1:" + kindCandles
	allOrderbookKey = allSymbols + ":1:" + kindOrderbook
)

func subscriptionKey(symbol, tf, kind string) string {
	return symbol + ":" + tf + ":" + kind
}

// HubConfig carries the liveness cadence. Zero fields fall back to the
// defaults below.
type HubConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	CleanupInterval time.Duration
	RefreshInterval time.Duration
}

// Hub routes bus traffic to websocket subscribers. Subscriptions are keyed
// by "symbol:timeframe:kind"; each candle key that names a concrete symbol
// owns one aggregator folding the raw 1-minute stream into its bucket. The
// aggregator lives exactly as long as the key has subscribers.
type Hub struct {
	bus eventbus.Bus
	cfg HubConfig

	mu          sync.Mutex
	subs        map[string]map[*wsClient]struct{}
	aggregators map[string]*aggregator.Aggregator
	lastPush    map[string]time.Time
}

func NewHub(bus eventbus.Bus, cfg HubConfig) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 120 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	return &Hub{
		bus:         bus,
		cfg:         cfg,
		subs:        make(map[string]map[*wsClient]struct{}),
		aggregators: make(map[string]*aggregator.Aggregator),
		lastPush:    make(map[string]time.Time),
	}
}

// Run consumes the aggregate bus channels and drives the heartbeat, reaper
// and refresh tasks. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	stream, err := h.bus.Subscribe(ctx, eventbus.CandlesAll, eventbus.OrderbookAll)
	if err != nil {
		return fmt.Errorf("hub subscribe: %w", err)
	}

	heartbeat := time.NewTicker(h.cfg.PingInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(h.cfg.CleanupInterval)
	defer cleanup.Stop()
	refresh := time.NewTicker(h.cfg.RefreshInterval)
	defer refresh.Stop()

	log.Printf("[hub] running (ping %s, pong timeout %s, cleanup %s, refresh %s)",
		h.cfg.PingInterval, h.cfg.PongTimeout, h.cfg.CleanupInterval, h.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg, ok := <-stream:
			if !ok {
				h.closeAll()
				return nil
			}
			switch msg.Channel {
			case eventbus.CandlesAll:
				h.onCandle(msg.Payload)
			case eventbus.OrderbookAll:
				h.onOrderbook(msg.Payload)
			}
		case <-heartbeat.C:
			h.heartbeat()
		case <-cleanup.C:
			h.reapStale()
		case <-refresh.C:
			h.pushRefresh()
		}
	}
}

// add registers a connection under its subscription key, creating the
// key's aggregator on first use. The caller has already validated the
// timeframe and kind.
func (h *Hub) add(symbol, tf, kind string, c *wsClient) error {
	key := subscriptionKey(symbol, tf, kind)
	c.key = key

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.aggregators[key]; !ok && symbol != allSymbols && kind == kindCandles {
		agg, err := aggregator.New(symbol, tf)
		if err != nil {
			return err
		}
		h.aggregators[key] = agg
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*wsClient]struct{})
	}
	h.subs[key][c] = struct{}{}
	metrics.ActiveSubscriptions.Inc()
	log.Printf("[hub] subscribed %s (%d on key)", key, len(h.subs[key]))
	return nil
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked unregisters one connection and tears down the key's
// aggregator when the last subscriber leaves. Safe to call twice for the
// same client: map membership is the guard.
func (h *Hub) dropLocked(c *wsClient) {
	set, ok := h.subs[c.key]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	metrics.ActiveSubscriptions.Dec()
	if len(set) == 0 {
		if agg := h.aggregators[c.key]; agg != nil {
			if final := agg.ForceComplete(); final != nil {
				log.Printf("[hub] flushed in-progress bucket for %s at %d", c.key, final.Timestamp)
			}
		}
		delete(h.subs, c.key)
		delete(h.aggregators, c.key)
		delete(h.lastPush, c.key)
	}
	log.Printf("[hub] unsubscribed %s", c.key)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for c := range set {
			h.dropLocked(c)
		}
	}
}

// offer queues one frame without ever blocking the hub. A full buffer
// means the writer is stuck or gone; the reaper collects it.
func (h *Hub) offer(c *wsClient, payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.alive.Store(false)
	}
}

func (h *Hub) broadcastLocked(key string, payload []byte) {
	for c := range h.subs[key] {
		h.offer(c, payload)
	}
}

// onCandle fans one raw 1-minute candle out: verbatim to the wildcard key,
// folded through the aggregator of every candle key on the same symbol.
// Between bucket closes, subscribers still see the in-progress bucket at
// most once per refresh interval.
func (h *Hub) onCandle(payload []byte) {
	var c models.Candle
	if err := json.Unmarshal(payload, &c); err != nil {
		log.Printf("[hub] dropping malformed candle payload: %v", err)
		return
	}
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcastLocked(allCandlesKey, payload)

	for key, agg := range h.aggregators {
		if agg.Symbol() != c.Symbol {
			continue
		}
		if closed := agg.Fold(c); closed != nil {
			h.pushLocked(key, closed, now)
		} else if now.Sub(h.lastPush[key]) >= h.cfg.RefreshInterval {
			if cur := agg.Peek(); cur != nil {
				h.pushLocked(key, cur, now)
			}
		}
	}
}

// onOrderbook fans one depth snapshot out verbatim. Orderbook streams are
// raw only, so just the wildcard and the symbol's own key receive it.
func (h *Hub) onOrderbook(payload []byte) {
	var snap struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Printf("[hub] dropping malformed orderbook payload: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(allOrderbookKey, payload)
	h.broadcastLocked(subscriptionKey(snap.Symbol, "1", kindOrderbook), payload)
}

func (h *Hub) pushLocked(key string, c *models.Candle, now time.Time) {
	payload, err := json.Marshal(c)
	if err != nil {
		log.Printf("[hub] failed to encode candle for %s: %v", key, err)
		return
	}
	h.broadcastLocked(key, payload)
	h.lastPush[key] = now
}

// pushRefresh sends the in-progress bucket to candle keys that have been
// quiet for a full refresh interval, so charts keep moving between closes.
func (h *Hub) pushRefresh() {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, agg := range h.aggregators {
		if now.Sub(h.lastPush[key]) < h.cfg.RefreshInterval {
			continue
		}
		cur := agg.Peek()
		if cur == nil {
			continue
		}
		h.pushLocked(key, cur, now)
	}
}

type heartbeatMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Hub) heartbeat() {
	payload, err := json.Marshal(heartbeatMessage{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for c := range set {
			h.offer(c, payload)
		}
	}
}

// reapStale removes connections that failed a send or stopped answering
// heartbeats.
func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-h.cfg.PongTimeout).UnixMilli()

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, set := range h.subs {
		for c := range set {
			if !c.alive.Load() || c.lastPong.Load() < cutoff {
				log.Printf("[hub] reaping stale connection on %s", key)
				h.dropLocked(c)
				metrics.ReapedSubscriptions.Inc()
			}
		}
	}
}

// Peek returns the in-progress bucket for a live candle subscription, or
// nil when nobody is aggregating that pair. The price endpoint prefers
// this over a database read.
func (h *Hub) Peek(symbol, tf string) *models.Candle {
	h.mu.Lock()
	agg := h.aggregators[subscriptionKey(symbol, tf, kindCandles)]
	h.mu.Unlock()

	if agg == nil {
		return nil
	}
	return agg.Peek()
}
