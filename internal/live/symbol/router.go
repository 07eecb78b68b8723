package symbol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/live/exchange"
)

// RouteOrder implements the chase-limit algorithm: repeatedly post a
// post-only (GTX) limit order priced just inside the book, waiting
// ChaseInterval for a fill before cancelling and re-pricing, falling back to
// a market order after ChaseMaxAttempts when configured. Every attempt
// short-circuits if the live position has already reached the order's
// target (ALREADY_FILLED) and re-checks the exchange's precision filters.
//
// reduceOnly distinguishes exit/stop-loss orders (never blocked by cooldown)
// from entry-growing orders (blocked while InCooldown()). reason is recorded
// on every audit entry this call produces.
func (c *Context) RouteOrder(ctx context.Context, side string, qty float64, reduceOnly bool, reason string) error {
	var resultErr error
	done := make(chan struct{})
	c.mailbox <- mailboxItem{cmd: func() {
		resultErr = c.routeOrderLocked(ctx, side, qty, reduceOnly, reason)
	}, done: done}
	<-done
	return resultErr
}

// targetSignedQty returns the signed position size side/qty would produce
// against the live position if fully filled.
func targetSignedQty(pos Position, side string, qty float64) float64 {
	t := pos.Signed()
	if side == "BUY" {
		return t + qty
	}
	return t - qty
}

// reachedTarget reports whether the live position has already moved to (or
// past) target for the given side — the ALREADY_FILLED short-circuit.
func reachedTarget(pos Position, side string, target float64) bool {
	cur := pos.Signed()
	if side == "BUY" {
		return cur >= target-1e-9
	}
	return cur <= target+1e-9
}

// checkPrecision rejects an order that would violate the symbol's exchange
// filters: below min_qty, above max_qty, or below min_notional at the given
// reference price.
func (c *Context) checkPrecision(qty, price float64) error {
	if c.filters.MinQty > 0 && qty < c.filters.MinQty {
		return fmt.Errorf("symbol %s: qty %.8f below min_qty %.8f", c.symbol, qty, c.filters.MinQty)
	}
	if c.filters.MaxQty > 0 && qty > c.filters.MaxQty {
		return fmt.Errorf("symbol %s: qty %.8f above max_qty %.8f", c.symbol, qty, c.filters.MaxQty)
	}
	if price > 0 && c.filters.MinNotional > 0 && qty*price < c.filters.MinNotional {
		return fmt.Errorf("symbol %s: notional %.8f below min_notional %.8f", c.symbol, qty*price, c.filters.MinNotional)
	}
	return nil
}

func (c *Context) routeOrderLocked(ctx context.Context, side string, qty float64, reduceOnly bool, reason string) error {
	if !reduceOnly && c.InCooldown() {
		return fmt.Errorf("symbol %s: entry blocked, in cooldown until bar %d", c.symbol, c.cooldownBar)
	}
	if c.state != StateIdle {
		return fmt.Errorf("symbol %s: router busy (state=%s)", c.symbol, c.state)
	}

	qty = c.roundQty(qty)
	if qty <= 0 {
		return errors.New("symbol: rounded quantity is zero")
	}

	target := targetSignedQty(c.position, side, qty)
	if reachedTarget(c.position, side, target) {
		c.record("already_filled", fmt.Sprintf("reason=%s side=%s qty=%.8f", reason, side, qty))
		return nil
	}

	if err := c.checkPrecision(qty, c.indicator.MarkPrice()); err != nil {
		c.record("order_rejected", fmt.Sprintf("reason=%s detail=%v", reason, err))
		return err
	}

	if !reduceOnly && c.risk != nil {
		notional := qty * c.indicator.MarkPrice()
		if ok, rsn := c.risk.CanTrade(c.symbol, side, qty, c.indicator.MarkPrice(), target); !ok {
			c.record("order_rejected", fmt.Sprintf("reason=%s risk=%s notional=%.8f", reason, rsn, notional))
			return fmt.Errorf("symbol %s: risk rejected order: %s", c.symbol, rsn)
		}
	}

	c.setState(StatePlacing)
	defer func() {
		if c.state == StatePlacing {
			c.setState(StateIdle)
		}
	}()

	for attempt := 0; attempt < c.cfg.ChaseMaxAttempts; attempt++ {
		if reachedTarget(c.position, side, target) {
			c.record("already_filled", fmt.Sprintf("reason=%s side=%s qty=%.8f attempt=%d", reason, side, qty, attempt))
			return nil
		}

		price, err := c.chasePrice(side, attempt)
		if err != nil {
			return err
		}
		if err := c.checkPrecision(qty, price); err != nil {
			c.record("order_rejected", fmt.Sprintf("reason=%s detail=%v attempt=%d", reason, err, attempt))
			return err
		}

		clientID := "chase-" + uuid.NewString()
		ack, err := c.exch.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        c.symbol,
			Side:          side,
			Type:          "LIMIT",
			Qty:           qty,
			Price:         price,
			TimeInForce:   "GTX",
			ReduceOnly:    reduceOnly,
			ClientOrderID: clientID,
		})
		if err != nil {
			c.record("chase_attempt_error", fmt.Sprintf("reason=%s attempt=%d err=%v", reason, attempt, err))
			continue // GTX can be rejected immediately if it would cross; retry at a fresh price
		}

		c.openOrders[clientID] = OpenOrder{ClientOrderID: clientID, Side: side, Price: price, Qty: qty, Status: ack.Status, PlacedAt: time.Now()}
		c.setState(StateSettling)
		c.record("chase_attempt", fmt.Sprintf("reason=%s attempt=%d side=%s qty=%.8f price=%.8f", reason, attempt, side, qty, price))

		if filled := c.waitForFill(ctx, clientID); filled {
			return nil
		}

		if err := c.exch.CancelOrder(ctx, c.symbol, clientID); err != nil {
			log.Printf("symbol %s: cancel chase attempt %d failed (may have filled): %v", c.symbol, attempt, err)
		}
		delete(c.openOrders, clientID)
		c.setState(StatePlacing)
	}

	if reachedTarget(c.position, side, target) {
		c.record("already_filled", fmt.Sprintf("reason=%s side=%s qty=%.8f", reason, side, qty))
		return nil
	}

	if !c.cfg.ChaseFallbackMkt {
		return fmt.Errorf("symbol %s: chase exhausted %d attempts, no fallback configured", c.symbol, c.cfg.ChaseMaxAttempts)
	}

	if err := c.checkPrecision(qty, c.indicator.MarkPrice()); err != nil {
		c.record("order_rejected", fmt.Sprintf("reason=%s detail=%v", reason, err))
		return err
	}

	clientID := "mkt-" + uuid.NewString()
	ack, err := c.exch.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        c.symbol,
		Side:          side,
		Type:          "MARKET",
		Qty:           qty,
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientID,
	})
	if err != nil {
		return fmt.Errorf("symbol %s: market fallback failed: %w", c.symbol, err)
	}
	c.openOrders[clientID] = OpenOrder{ClientOrderID: clientID, Side: side, Qty: qty, Status: ack.Status, PlacedAt: time.Now()}
	c.setState(StateSettling)
	c.record("chase_fallback_market", fmt.Sprintf("reason=%s side=%s qty=%.8f", reason, side, qty))
	return nil
}

// PlaceDirect places a single non-chase order: LIMIT at price if price > 0,
// MARKET otherwise. Unlike RouteOrder it makes exactly one attempt — no
// chase loop — matching the original bot's _place_order path used when a
// strategy supplies an explicit price or opts out of chasing.
func (c *Context) PlaceDirect(ctx context.Context, side string, qty, price float64, reduceOnly bool, reason string) error {
	var resultErr error
	done := make(chan struct{})
	c.mailbox <- mailboxItem{cmd: func() {
		resultErr = c.placeDirectLocked(ctx, side, qty, price, reduceOnly, reason)
	}, done: done}
	<-done
	return resultErr
}

func (c *Context) placeDirectLocked(ctx context.Context, side string, qty, price float64, reduceOnly bool, reason string) error {
	if !reduceOnly && c.InCooldown() {
		return fmt.Errorf("symbol %s: entry blocked, in cooldown until bar %d", c.symbol, c.cooldownBar)
	}
	if c.state != StateIdle {
		return fmt.Errorf("symbol %s: router busy (state=%s)", c.symbol, c.state)
	}

	qty = c.roundQty(qty)
	if qty <= 0 {
		return errors.New("symbol: rounded quantity is zero")
	}

	refPrice := price
	if refPrice <= 0 {
		refPrice = c.indicator.MarkPrice()
	}
	if err := c.checkPrecision(qty, refPrice); err != nil {
		c.record("order_rejected", fmt.Sprintf("reason=%s detail=%v", reason, err))
		return err
	}

	target := targetSignedQty(c.position, side, qty)
	if !reduceOnly && c.risk != nil {
		if ok, rsn := c.risk.CanTrade(c.symbol, side, qty, refPrice, target); !ok {
			c.record("order_rejected", fmt.Sprintf("reason=%s risk=%s", reason, rsn))
			return fmt.Errorf("symbol %s: risk rejected order: %s", c.symbol, rsn)
		}
	}

	c.setState(StatePlacing)
	defer func() {
		if c.state == StatePlacing {
			c.setState(StateIdle)
		}
	}()

	orderType := "MARKET"
	orderPrice := 0.0
	tif := ""
	if price > 0 {
		orderType = "LIMIT"
		orderPrice = c.roundPrice(price)
		tif = "GTC"
	}

	clientID := "direct-" + uuid.NewString()
	ack, err := c.exch.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        c.symbol,
		Side:          side,
		Type:          orderType,
		Qty:           qty,
		Price:         orderPrice,
		TimeInForce:   tif,
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientID,
	})
	if err != nil {
		c.record("order_failed", fmt.Sprintf("reason=%s err=%v", reason, err))
		return fmt.Errorf("symbol %s: place order failed: %w", c.symbol, err)
	}
	c.openOrders[clientID] = OpenOrder{ClientOrderID: clientID, Side: side, Price: orderPrice, Qty: qty, Status: ack.Status, PlacedAt: time.Now()}
	c.setState(StateSettling)
	c.record("order_placed", fmt.Sprintf("reason=%s side=%s qty=%.8f price=%.8f type=%s", reason, side, qty, orderPrice, orderType))
	return nil
}

// chasePrice prices the next attempt just inside the book (bid+tick for
// BUY, ask-tick for SELL), falling back to a slippage-bps offset off the
// mark price when no book-ticker quote has arrived yet.
func (c *Context) chasePrice(side string, attempt int) (float64, error) {
	q := c.book.Quote()
	tick := c.filters.TickSize
	if tick <= 0 {
		tick = 0.01
	}

	if q.Bid > 0 && q.Ask > 0 {
		if side == "BUY" {
			return c.roundPrice(q.Bid + tick), nil
		}
		return c.roundPrice(q.Ask - tick), nil
	}

	mark := c.indicator.MarkPrice()
	if mark <= 0 {
		return 0, errors.New("symbol: no book quote or mark price available for chase pricing")
	}
	slip := mark * (c.cfg.ChaseSlippageBps / 10000.0) * float64(attempt+1)
	if side == "BUY" {
		return c.roundPrice(mark + slip), nil
	}
	return c.roundPrice(mark - slip), nil
}

// waitForFill blocks up to ChaseInterval for a terminal status on clientID.
// Because the router itself runs as a mailbox item, it keeps draining the
// mailbox (candles, fills for other in-flight orders) inline while it
// waits, instead of sleeping and starving the actor — the fill for this
// very clientID arrives the same way, via onFill, and is what usually ends
// the wait early. If nothing terminal arrives in time, it falls back to a
// REST QueryOrder as a reconciliation fallback.
func (c *Context) waitForFill(ctx context.Context, clientID string) bool {
	deadline := time.After(c.cfg.ChaseInterval)
	for {
		if oo, ok := c.openOrders[clientID]; !ok || exchange.IsTerminal(oo.Status) {
			return !ok || oo.Status == exchange.StatusFilled
		}
		select {
		case <-deadline:
			goto pollREST
		case item := <-c.mailbox:
			c.dispatch(ctx, item)
		}
	}

pollREST:
	ack, err := c.exch.QueryOrder(ctx, c.symbol, clientID)
	if err != nil {
		log.Printf("symbol %s: query order %s failed: %v", c.symbol, clientID, err)
		return false
	}
	if oo, ok := c.openOrders[clientID]; ok {
		oo.Status = ack.Status
		c.openOrders[clientID] = oo
	}
	return ack.Status == exchange.StatusFilled
}

func (c *Context) roundPrice(p float64) float64 {
	tick := c.filters.TickSize
	if tick <= 0 {
		return p
	}
	return math.Round(p/tick) * tick
}

func (c *Context) roundQty(q float64) float64 {
	step := c.filters.StepSize
	if step <= 0 {
		return q
	}
	return math.Floor(q/step) * step
}
