// Package userstream fans out Binance USDT-M futures user-data stream
// events (fills, account/position snapshots) to per-symbol subscribers and
// an account-update callback, with listen-key lifecycle management, a
// health check, idempotent redelivery handling, and a REST-polling fallback
// plus reconnect reconciliation sweep that keep fills and balance flowing
// through a websocket outage.
package userstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/internal/live/exchange"
)

// healthCheckInterval is the hub's periodic liveness check cadence.
const healthCheckInterval = 5 * time.Second

// staleThreshold is how long without any message (including keepalive pings)
// before the health loop logs the connection as likely stale. It does not
// force a reconnect.
const staleThreshold = 90 * time.Second

// restFallbackInterval is how often the REST-polling fallback refreshes
// account balance and trade history while the websocket is disconnected.
const restFallbackInterval = 2 * time.Second

// AccountUpdate is a balance/position snapshot delivered by the user-data
// stream's ACCOUNT_UPDATE event (or synthesized from a REST account-balance
// poll while the stream is down).
type AccountUpdate struct {
	WalletBalance float64
	UnrealizedPnL float64
	Positions     []PositionUpdate
}

// PositionUpdate is one symbol's position as reported by ACCOUNT_UPDATE.
type PositionUpdate struct {
	Symbol        string
	PositionAmt   float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// Fill represents one trade execution delivered over the user-data stream.
type Fill struct {
	Symbol          string
	Side            string // BUY or SELL
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	Status          string // order status after this execution
	LastQty         float64
	LastPrice       float64
	CumQty          float64
	Commission      float64
	IsMaker         bool
}

// Hub owns the single listen-key-backed websocket connection and fans fills
// out to per-symbol subscribers.
type Hub struct {
	client  *exchange.Client
	testnet bool

	mu   sync.RWMutex
	subs map[string][]chan Fill

	processedTrades *ProcessedSet
	processedOrders *ProcessedSet

	lastMsgAt atomic.Int64 // unix nanos
	connected atomic.Bool

	accountMu sync.RWMutex
	onAccount func(AccountUpdate)
}

// New builds a user-data stream hub.
func New(client *exchange.Client, testnet bool) *Hub {
	return &Hub{
		client:          client,
		testnet:         testnet,
		subs:            make(map[string][]chan Fill),
		processedTrades: NewProcessedSet(),
		processedOrders: NewProcessedSet(),
	}
}

// OnAccountUpdate installs a callback invoked for every ACCOUNT_UPDATE event
// the stream delivers (balance and position snapshots), replacing any
// previously installed callback.
func (h *Hub) OnAccountUpdate(fn func(AccountUpdate)) {
	h.accountMu.Lock()
	defer h.accountMu.Unlock()
	h.onAccount = fn
}

// Subscribe registers a fill listener for one symbol. The returned function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(symbol string, buffer int) (<-chan Fill, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Fill, buffer)
	h.subs[symbol] = append(h.subs[symbol], ch)

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[symbol]
		for i, c := range list {
			if c == ch {
				close(c)
				h.subs[symbol] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
	return ch, unsub
}

// symbols returns the set of symbols with at least one active subscriber,
// the REST fallback and reconciliation sweep's scope.
func (h *Hub) symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for sym := range h.subs {
		out = append(out, sym)
	}
	return out
}

func (h *Hub) publish(f Fill) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[f.Symbol] {
		select {
		case ch <- f:
		default:
			log.Printf("userstream: subscriber for %s is slow, dropping fill %s", f.Symbol, f.TradeID)
		}
	}
}

// Start begins the listen-key lifecycle, the websocket reader, and the
// health-check loop. It reconnects on error until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
	go h.healthLoop(ctx)
}

func (h *Hub) run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h.connected.Store(false)
		restCtx, stopRest := context.WithCancel(ctx)
		go h.restFallback(restCtx)

		err := h.connectOnce(ctx, stopRest)
		stopRest()
		h.connected.Store(false)
		if err != nil {
			log.Printf("userstream: connection error: %v (reconnecting in %s)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// connectOnce dials the listen-key-backed websocket and reads until a read
// error, a listenKeyExpired event, or ctx cancellation. onLive is called
// once the socket is up (stopping the REST-polling fallback) and a missed-
// trade reconciliation sweep runs before the first message is read.
func (h *Hub) connectOnce(ctx context.Context, onLive func()) error {
	listenKey, err := h.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	host := "fstream.binance.com"
	if h.testnet {
		host = "stream.binancefuture.com"
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws/" + listenKey}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	h.lastMsgAt.Store(time.Now().UnixNano())
	onLive()
	h.connected.Store(true)
	h.reconcileMissedTrades(ctx)

	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.keepalive(keepaliveCtx, listenKey)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		h.lastMsgAt.Store(time.Now().UnixNano())
		if h.handleMessage(msg) {
			return fmt.Errorf("listen key expired")
		}
	}
}

// restFallback polls account balance and per-symbol trade history every
// restFallbackInterval while the websocket is down, so fills and balance
// updates keep flowing through an outage instead of stalling until
// reconnect.
func (h *Hub) restFallback(ctx context.Context) {
	ticker := time.NewTicker(restFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.connected.Load() {
				return
			}
			if wallet, unrealized, err := h.client.AccountBalance(ctx); err == nil {
				h.dispatchAccountUpdate(AccountUpdate{WalletBalance: wallet, UnrealizedPnL: unrealized})
			}
			for _, sym := range h.symbols() {
				h.pollTrades(ctx, sym)
			}
		}
	}
}

// reconcileMissedTrades fetches each subscribed symbol's recent trade
// history right after reconnecting and publishes any trade not yet in
// processedTrades, catching fills that happened during the outage.
func (h *Hub) reconcileMissedTrades(ctx context.Context) {
	for _, sym := range h.symbols() {
		h.pollTrades(ctx, sym)
	}
}

func (h *Hub) pollTrades(ctx context.Context, symbol string) {
	trades, err := h.client.UserTrades(ctx, symbol, 0)
	if err != nil {
		log.Printf("userstream: trade history fetch for %s failed: %v", symbol, err)
		return
	}
	for _, t := range trades {
		h.publishTrade(t)
	}
}

func (h *Hub) publishTrade(t exchange.UserTrade) {
	tradeID := strconv.FormatInt(t.TradeID, 10)
	if !h.processedTrades.Add(tradeID) {
		return
	}
	h.publish(Fill{
		Symbol:          t.Symbol,
		Side:            t.Side,
		ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
		TradeID:         tradeID,
		Status:          exchange.StatusFilled,
		LastQty:         t.Qty,
		LastPrice:       t.Price,
		CumQty:          t.Qty,
		Commission:      t.Commission,
		IsMaker:         t.Maker,
	})
}

func (h *Hub) dispatchAccountUpdate(u AccountUpdate) {
	h.accountMu.RLock()
	fn := h.onAccount
	h.accountMu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (h *Hub) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("userstream: keepalive error: %v", err)
			}
		}
	}
}

// healthLoop logs loudly when no message, including pings, has arrived
// within staleThreshold, so the engine's monitor can alert. It does not
// force a reconnect; connectOnce's read loop owns that, returning on a read
// error or a listenKeyExpired event.
func (h *Hub) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := h.lastMsgAt.Load()
			if last == 0 {
				continue
			}
			if time.Since(time.Unix(0, last)) > staleThreshold {
				log.Printf("userstream: no messages in over %s, connection likely stale", staleThreshold)
			}
		}
	}
}

// handleMessage dispatches one user-data stream event. It returns true when
// the caller should force a reconnect (a listenKeyExpired event — the
// exchange will silently stop delivering on this key).
func (h *Hub) handleMessage(msg []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("userstream: parse error: %v", err)
		return false
	}
	var eventType string
	if v, ok := raw["e"]; ok {
		_ = json.Unmarshal(v, &eventType)
	}
	switch eventType {
	case "ORDER_TRADE_UPDATE":
		h.handleOrderTradeUpdate(msg)
		return false
	case "ACCOUNT_UPDATE":
		h.handleAccountUpdate(msg)
		return false
	case "listenKeyExpired":
		log.Printf("userstream: listen key expired, forcing reconnect")
		return true
	default:
		return false
	}
}

func (h *Hub) handleOrderTradeUpdate(msg []byte) {
	var wrap struct {
		Order struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			Status        string `json:"X"`
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			LastPrice     string `json:"L"`
			LastQty       string `json:"l"`
			CumQty        string `json:"z"`
			Commission    string `json:"n"`
			TradeID       int64  `json:"t"`
			IsMaker       bool   `json:"m"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("userstream: order update parse error: %v", err)
		return
	}
	if strings.ToUpper(wrap.Order.ExecutionType) != "TRADE" {
		return
	}

	tradeID := strconv.FormatInt(wrap.Order.TradeID, 10)
	if !h.processedTrades.Add(tradeID) {
		return // already reconciled this trade, skip (idempotent)
	}

	h.publish(Fill{
		Symbol:          wrap.Order.Symbol,
		Side:            strings.ToUpper(wrap.Order.Side),
		ClientOrderID:   wrap.Order.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(wrap.Order.OrderID, 10),
		TradeID:         tradeID,
		Status:          strings.ToUpper(wrap.Order.Status),
		LastQty:         parseFloat(wrap.Order.LastQty),
		LastPrice:       parseFloat(wrap.Order.LastPrice),
		CumQty:          parseFloat(wrap.Order.CumQty),
		Commission:      parseFloat(wrap.Order.Commission),
		IsMaker:         wrap.Order.IsMaker,
	})
}

// handleAccountUpdate parses an ACCOUNT_UPDATE event's balance and position
// snapshot and forwards it to the installed callback, if any.
func (h *Hub) handleAccountUpdate(msg []byte) {
	var wrap struct {
		Update struct {
			Balances []struct {
				Asset         string `json:"a"`
				WalletBalance string `json:"wb"`
			} `json:"B"`
			Positions []struct {
				Symbol        string `json:"s"`
				PositionAmt   string `json:"pa"`
				EntryPrice    string `json:"ep"`
				UnrealizedPnL string `json:"up"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("userstream: account update parse error: %v", err)
		return
	}

	var wallet float64
	for _, b := range wrap.Update.Balances {
		if b.Asset == "USDT" {
			wallet += parseFloat(b.WalletBalance)
		}
	}
	positions := make([]PositionUpdate, 0, len(wrap.Update.Positions))
	var unrealized float64
	for _, p := range wrap.Update.Positions {
		pu := PositionUpdate{
			Symbol:        p.Symbol,
			PositionAmt:   parseFloat(p.PositionAmt),
			EntryPrice:    parseFloat(p.EntryPrice),
			UnrealizedPnL: parseFloat(p.UnrealizedPnL),
		}
		unrealized += pu.UnrealizedPnL
		positions = append(positions, pu)
	}
	h.dispatchAccountUpdate(AccountUpdate{WalletBalance: wallet, UnrealizedPnL: unrealized, Positions: positions})
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
