package symbol

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"trading-core/internal/live/bookfeed"
	"trading-core/internal/live/exchange"
	"trading-core/internal/live/indicator"
	"trading-core/internal/live/userstream"
)

// RiskChecker is the per-symbol + portfolio risk gate a Context consults
// before routing any order-growing trade. newPositionQty is the signed
// position size the order would produce if filled, used for the
// leverage-aware position-size check; it is ignored for reduce-only orders.
type RiskChecker interface {
	CanTrade(symbol, side string, qty, price, newPositionQty float64) (bool, string)
	RecordTrade(symbol string, pnl float64)
	Equity() float64
}

// mailboxItem is the closed set of work items a symbol's single worker
// goroutine drains FIFO, serializing all mutation of Position/Counters/
// open orders/cooldown/audit log.
type mailboxItem struct {
	candle *exchange.Candle
	fill   *userstream.Fill
	cmd    func()
	done   chan struct{}
}

// Config tunes the chase-limit router and cooldown behavior for one symbol.
type Config struct {
	ChaseMaxAttempts int
	ChaseInterval    time.Duration
	ChaseSlippageBps float64
	ChaseFallbackMkt bool
	ChaseEnabled     bool // default dispatch mode for Buy/Sell when useChase is unspecified
	StopLossPct      float64
	CooldownBars     int
	RecvFillTimeout  time.Duration

	// MaxLeverage and MaxPositionSize (fraction of equity*leverage) feed
	// CalcEntryQuantity's sizing formula; they mirror the symbol's
	// risk.Config entry so the actor doesn't need a separate risk lookup.
	MaxLeverage     float64
	MaxPositionSize float64
}

// DefaultConfig mirrors original_source/src/live/context.py's chase-order
// defaults (max_attempts=5, interval=1s, slippage=1bps, fallback=true).
func DefaultConfig() Config {
	return Config{
		ChaseMaxAttempts: 5,
		ChaseInterval:    time.Second,
		ChaseSlippageBps: 1.0,
		ChaseFallbackMkt: true,
		ChaseEnabled:     true,
		StopLossPct:      0.05,
		CooldownBars:     3,
		RecvFillTimeout:  500 * time.Millisecond,
		MaxLeverage:      1,
		MaxPositionSize:  1,
	}
}

// Context is the mailbox actor owning all mutable state for one symbol.
type Context struct {
	symbol string
	cfg    Config

	exch      *exchange.Client
	book      *bookfeed.Feed
	indicator *indicator.Context
	risk      RiskChecker
	filters   PrecisionFilters

	mailbox chan mailboxItem

	mu             sync.Mutex
	position       Position
	counters       Counters
	openOrders     map[string]OpenOrder
	cooldownBar    int64 // bar close_time until which entry orders are blocked
	state          RunState
	stateSince     time.Time
	audit          []AuditEntry
	currentBarTime int64
	barMs          int64 // length of the last closed bar, ms
}

// New builds a symbol context. Run must be called to start its worker.
func New(sym string, cfg Config, exch *exchange.Client, book *bookfeed.Feed, ind *indicator.Context, risk RiskChecker) *Context {
	return &Context{
		symbol:     sym,
		cfg:        cfg,
		exch:       exch,
		book:       book,
		indicator:  ind,
		risk:       risk,
		mailbox:    make(chan mailboxItem, 256),
		openOrders: make(map[string]OpenOrder),
		state:      StateIdle,
		stateSince: time.Now(),
	}
}

// Symbol returns the symbol this context owns.
func (c *Context) Symbol() string { return c.symbol }

// SetFilters installs the exchange's precision/notional filters for rounding
// chase-limit prices and quantities.
func (c *Context) SetFilters(f PrecisionFilters) { c.filters = f }

// Indicator reads one registered indicator's current value, for strategy
// callbacks that need more than the raw close price.
func (c *Context) Indicator(name string, params map[string]float64) float64 {
	return c.indicator.Value(name, params)
}

// RegisterIndicator adds or replaces a named indicator function, for
// strategies that compute something beyond the built-in sma/rsi set.
func (c *Context) RegisterIndicator(name string, fn indicator.Func) {
	c.indicator.Register(name, fn)
}

// CurrentPrice returns the latest known mark price, closed bar or not.
func (c *Context) CurrentPrice() float64 {
	return c.indicator.MarkPrice()
}

// UnrealizedPnL computes the current position's unrealized pnl at the latest
// mark price, zero when flat.
func (c *Context) UnrealizedPnL() float64 {
	pos := c.Position()
	if pos.IsFlat() {
		return 0
	}
	mark := c.CurrentPrice()
	if pos.Side == "LONG" {
		return (mark - pos.EntryPrice) * pos.Qty
	}
	return (pos.EntryPrice - mark) * pos.Qty
}

// Run drains the mailbox until ctx is cancelled. One goroutine per symbol
// owns all mutation of this Context's state.
func (c *Context) Run(ctx context.Context) {
	watchdog := time.NewTicker(30 * time.Second)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.mailbox:
			c.dispatch(ctx, item)
		case <-watchdog.C:
			c.checkWatchdog()
		}
	}
}

func (c *Context) dispatch(ctx context.Context, item mailboxItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("symbol %s: recovered from panic in mailbox item: %v", c.symbol, r)
		}
		if item.done != nil {
			close(item.done)
		}
	}()
	switch {
	case item.candle != nil:
		c.onCandle(*item.candle)
	case item.fill != nil:
		c.onFill(*item.fill)
	case item.cmd != nil:
		item.cmd()
	}
}

// SubmitCandle enqueues a price tick. Non-blocking from the caller's
// perspective is not guaranteed by design — a full mailbox means the symbol
// really is behind, and backpressure is the correct response.
func (c *Context) SubmitCandle(cd exchange.Candle) {
	c.mailbox <- mailboxItem{candle: &cd}
}

// SubmitFill enqueues a confirmed fill from the user-data stream.
func (c *Context) SubmitFill(f userstream.Fill) {
	c.mailbox <- mailboxItem{fill: &f}
}

// Do runs fn serialized inside the symbol's mailbox and blocks until done.
// Used by the Engine/strategy callback boundary to submit chase orders
// without racing the actor's own state.
func (c *Context) Do(fn func()) {
	done := make(chan struct{})
	c.mailbox <- mailboxItem{cmd: fn, done: done}
	<-done
}

func (c *Context) onCandle(cd exchange.Candle) {
	c.indicator.OnCandle(cd)
	if cd.Closed {
		c.currentBarTime = cd.CloseTime
		c.barMs = cd.CloseTime - cd.OpenTime + 1
	}
	c.evaluateStopLoss(cd.Close)
}

// onFill reconciles a confirmed trade execution against the tracked open
// order, updating position, counters, and removing the order once terminal.
func (c *Context) onFill(f userstream.Fill) {
	oo, tracked := c.openOrders[f.ClientOrderID]
	if !tracked {
		log.Printf("symbol %s: fill for untracked order %s (external or stale)", c.symbol, f.ClientOrderID)
	}

	c.applyFillToPosition(f)

	oo.Status = f.Status
	if exchange.IsTerminal(f.Status) {
		delete(c.openOrders, f.ClientOrderID)
		if c.state == StateSettling {
			c.setState(StateIdle)
		}
	} else {
		c.openOrders[f.ClientOrderID] = oo
	}

	c.record("fill", fmt.Sprintf("%s %s qty=%.8f price=%.8f status=%s", f.Symbol, f.Side, f.LastQty, f.LastPrice, f.Status))
}

// applyFillToPosition applies BUY/SELL weighted-average/flip arithmetic
// (internal/state/manager.go's RecordFill shape), extended to track
// EntryBalance on a flat-to-open transition for pnl_pct cooldown evaluation.
func (c *Context) applyFillToPosition(f userstream.Fill) {
	p := c.position
	oldQty := p.Signed()
	qty := f.LastQty
	price := f.LastPrice

	var newQty, newAvg float64
	switch f.Side {
	case "BUY":
		newQty = oldQty + qty
		newAvg = flipAwareAvg(oldQty, p.EntryPrice, qty, price, newQty, true)
	case "SELL":
		newQty = oldQty - qty
		newAvg = flipAwareAvg(oldQty, p.EntryPrice, qty, price, newQty, false)
	default:
		return
	}

	wasFlat := p.IsFlat()
	if math.Abs(newQty) < 1e-9 {
		c.position = Position{}
		c.recordTradeResult(f, oldQty, p.EntryPrice)
		return
	}

	side := "LONG"
	if newQty < 0 {
		side = "SHORT"
	}
	c.position = Position{
		Side:       side,
		Qty:        math.Abs(newQty),
		EntryPrice: newAvg,
	}
	if wasFlat {
		if c.risk != nil {
			c.position.EntryBalance = c.risk.Equity()
		}
	} else {
		c.position.EntryBalance = p.EntryBalance
	}
}

func (c *Context) recordTradeResult(f userstream.Fill, oldQty, entryPrice float64) {
	var pnl float64
	if oldQty > 0 {
		pnl = (f.LastPrice - entryPrice) * f.LastQty
	} else {
		pnl = (entryPrice - f.LastPrice) * f.LastQty
	}
	pnl -= f.Commission

	c.counters.TotalTrades++
	c.resetDailyCountersIfNeeded()
	c.counters.DailyTrades++
	if pnl < 0 {
		c.counters.ConsecutiveLosses++
		c.counters.DailyLossTotal += -pnl
	} else {
		c.counters.ConsecutiveLosses = 0
	}
	if c.risk != nil {
		c.risk.RecordTrade(c.symbol, pnl)
	}
}

func (c *Context) resetDailyCountersIfNeeded() {
	day := time.Now().YearDay()
	if c.counters.LastResetDay != day {
		c.counters.LastResetDay = day
		c.counters.DailyTrades = 0
		c.counters.DailyLossTotal = 0
	}
}

// evaluateStopLoss closes the position if unrealized pnl_pct breaches
// StopLossPct, then opens the cooldown window.
func (c *Context) evaluateStopLoss(markPrice float64) {
	if c.position.IsFlat() || c.position.EntryBalance == 0 {
		return
	}
	var unrealized float64
	if c.position.Side == "LONG" {
		unrealized = (markPrice - c.position.EntryPrice) * c.position.Qty
	} else {
		unrealized = (c.position.EntryPrice - markPrice) * c.position.Qty
	}
	pnlPct := unrealized / c.position.EntryBalance
	if pnlPct <= -c.cfg.StopLossPct {
		c.record("stop_loss", fmt.Sprintf("pnl_pct=%.4f breached -%.4f, closing", pnlPct, c.cfg.StopLossPct))
		c.cooldownBar = c.currentBarTime + int64(c.cfg.CooldownBars)*c.barMs
		go func() {
			if err := c.ClosePosition(context.Background(), "StopLoss", nil); err != nil {
				log.Printf("symbol %s: stop-loss close order failed: %v", c.symbol, err)
			}
		}()
	}
}

// InCooldown reports whether entry-growing orders are currently blocked.
// Exit (reduce-only) orders are never blocked by cooldown.
func (c *Context) InCooldown() bool {
	return c.currentBarTime < c.cooldownBar
}

func (c *Context) setState(s RunState) {
	c.state = s
	c.stateSince = time.Now()
}

func (c *Context) checkWatchdog() {
	if c.state != StateIdle && time.Since(c.stateSince) > 2*time.Minute {
		log.Printf("symbol %s: watchdog — stuck in state %s since %s, forcing reset", c.symbol, c.state, c.stateSince)
		c.setState(StateIdle)
	}
}

func (c *Context) record(action, detail string) {
	c.audit = append(c.audit, AuditEntry{At: time.Now(), Action: action, Detail: detail})
	if len(c.audit) > 1000 {
		c.audit = c.audit[len(c.audit)-1000:]
	}
}

// Position returns a snapshot of the current position.
func (c *Context) Position() Position { return c.position }

// Counters returns a snapshot of the trade counters.
func (c *Context) Counters() Counters { return c.counters }

// Audit returns a copy of the recent audit log.
func (c *Context) Audit() []AuditEntry {
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}

// GetOpenOrders returns a snapshot of the orders the router currently
// considers live.
func (c *Context) GetOpenOrders() []OpenOrder {
	var out []OpenOrder
	c.Do(func() {
		out = make([]OpenOrder, 0, len(c.openOrders))
		for _, oo := range c.openOrders {
			out = append(out, oo)
		}
	})
	return out
}

// Buy routes a BUY order for qty. If price is nil, the chase-limit router
// is used (unless useChase resolves false, in which case a market order is
// placed); a non-nil price always places a single non-chase LIMIT order at
// that price. reason is threaded through to the audit log and any
// rejection.
func (c *Context) Buy(ctx context.Context, qty float64, price *float64, reason string, useChase *bool) error {
	return c.placeIntent(ctx, "BUY", qty, price, reason, useChase, false)
}

// Sell is Buy's counterpart for the SELL side.
func (c *Context) Sell(ctx context.Context, qty float64, price *float64, reason string, useChase *bool) error {
	return c.placeIntent(ctx, "SELL", qty, price, reason, useChase, false)
}

// ClosePosition flattens the current position (a no-op if already flat)
// with the given audit reason.
func (c *Context) ClosePosition(ctx context.Context, reason string, useChase *bool) error {
	pos := c.Position()
	if pos.IsFlat() {
		return nil
	}
	side := "SELL"
	if pos.Side == "SHORT" {
		side = "BUY"
	}
	return c.placeIntent(ctx, side, pos.Qty, nil, reason, useChase, true)
}

func (c *Context) placeIntent(ctx context.Context, side string, qty float64, price *float64, reason string, useChase *bool, reduceOnly bool) error {
	chase := c.cfg.ChaseEnabled
	if useChase != nil {
		chase = *useChase
	}
	if chase && price == nil {
		return c.RouteOrder(ctx, side, qty, reduceOnly, reason)
	}
	px := 0.0
	if price != nil {
		px = *price
	}
	return c.PlaceDirect(ctx, side, qty, px, reduceOnly, reason)
}

// CalcEntryQuantity sizes an entry order as
// equity · leverage · min(entryPct, MaxPositionSize), converted to a base
// quantity at price (mark price when price <= 0), rounded down to the
// symbol's step size and clamped to [min_qty, max_qty]. Returns 0 if the
// resulting notional would fall below min_notional or no equity/price is
// available.
func (c *Context) CalcEntryQuantity(entryPct float64, price float64) float64 {
	if c.risk == nil {
		return 0
	}
	if price <= 0 {
		price = c.indicator.MarkPrice()
	}
	if price <= 0 {
		return 0
	}
	pct := entryPct
	if pct <= 0 || (c.cfg.MaxPositionSize > 0 && pct > c.cfg.MaxPositionSize) {
		pct = c.cfg.MaxPositionSize
	}
	if pct <= 0 {
		return 0
	}
	equity := c.risk.Equity()
	if equity <= 0 {
		return 0
	}
	notional := equity * c.cfg.MaxLeverage * pct
	qty := c.roundQty(notional / price)
	if c.filters.MinQty > 0 && qty < c.filters.MinQty {
		return 0
	}
	if c.filters.MaxQty > 0 && qty > c.filters.MaxQty {
		qty = c.filters.MaxQty
	}
	if c.filters.MinNotional > 0 && qty*price < c.filters.MinNotional {
		return 0
	}
	return qty
}

// flipAwareAvg implements state.Manager.RecordFill's averaging rules for
// adding-to/covering/flipping a position on one side.
func flipAwareAvg(oldQty, oldAvg, qty, price, newQty float64, isBuy bool) float64 {
	if isBuy {
		if oldQty >= 0 {
			if newQty > 0 {
				return (oldAvg*oldQty + price*qty) / newQty
			}
			return price
		}
		if newQty < 0 {
			return oldAvg
		}
		return price
	}
	if oldQty <= 0 {
		if newQty < 0 {
			oldNotional := math.Abs(oldQty) * oldAvg
			newNotional := qty * price
			return (oldNotional + newNotional) / math.Abs(newQty)
		}
		return price
	}
	if newQty > 0 {
		return oldAvg
	}
	return price
}
