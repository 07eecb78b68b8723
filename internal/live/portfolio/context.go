// Package portfolio implements the account-wide equity/exposure view shared
// across every SymbolContext, grounded on
// original_source/src/live/portfolio_context.py's aggregation shape and
// internal/balance/manager.go's multi-account aggregation style.
package portfolio

import (
	"context"
	"log"
	"sync"
	"time"

	"trading-core/internal/live/exchange"
)

// AccountSnapshot is one poll of exchange-reported account state.
type AccountSnapshot struct {
	Equity           float64
	AvailableBalance float64
	UnrealizedPnL    float64
}

// SymbolExposure is one symbol's current notional exposure, reported by its
// SymbolContext.
type SymbolExposure struct {
	Symbol   string
	Notional float64
}

// Context aggregates account equity and per-symbol exposure into the
// figures risk.Manager needs for portfolio-level checks.
type Context struct {
	client *exchange.Client

	mu        sync.RWMutex
	snapshot  AccountSnapshot
	exposures map[string]float64
	leverages map[string]float64
	updatedAt time.Time
}

// New builds a portfolio context. Start (or an initial Refresh) must run
// before Equity()/TotalExposure() return meaningful data.
func New(client *exchange.Client) *Context {
	return &Context{
		client:    client,
		exposures: make(map[string]float64),
		leverages: make(map[string]float64),
	}
}

// SetExposure updates one symbol's notional exposure; called by the Engine
// on every candle with the symbol's position size times the candle close.
func (c *Context) SetExposure(symbol string, notional float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if notional == 0 {
		delete(c.exposures, symbol)
		return
	}
	c.exposures[symbol] = notional
}

// SetLeverage records one symbol's configured leverage, so the portfolio can
// report an effective leverage for risk.Manager's aggregate exposure checks
// without each SymbolContext needing a separate lookup.
func (c *Context) SetLeverage(symbol string, leverage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverages[symbol] = leverage
}

// Leverage returns the highest leverage configured across tracked symbols,
// implementing risk.PortfolioView's Leverage(). Callers that find 0 should
// fall back to the requesting symbol's own configured leverage.
func (c *Context) Leverage() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	max := 0.0
	for _, lev := range c.leverages {
		if lev > max {
			max = lev
		}
	}
	return max
}

// Equity returns the last polled account equity (wallet balance + unrealized PnL).
func (c *Context) Equity() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Equity
}

// AvailableBalance returns the last polled wallet balance (excluding
// unrealized pnl).
func (c *Context) AvailableBalance() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.AvailableBalance
}

// TotalExposure sums notional exposure across all tracked symbols.
func (c *Context) TotalExposure() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0.0
	for _, v := range c.exposures {
		total += v
	}
	return total
}

// SymbolCount returns the number of symbols with nonzero exposure, the input
// to risk.Manager's portfolio multiplier (max(1, symbol count)).
func (c *Context) SymbolCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exposures)
}

// Exposures returns a snapshot of per-symbol exposure for reporting.
func (c *Context) Exposures() []SymbolExposure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SymbolExposure, 0, len(c.exposures))
	for sym, v := range c.exposures {
		out = append(out, SymbolExposure{Symbol: sym, Notional: v})
	}
	return out
}

// Start refreshes the account snapshot once, then keeps polling the exchange
// at interval until ctx is cancelled. This is the one place the account
// balance endpoint is polled; callers should not run a second poller against
// the same Client.
func (c *Context) Start(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil {
		log.Printf("portfolio: initial balance refresh failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					log.Printf("portfolio: balance refresh failed: %v", err)
				}
			}
		}
	}()
}

// Refresh polls the exchange's account balance endpoint and installs the
// result as the current snapshot.
func (c *Context) Refresh(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	wallet, unrealized, err := c.client.AccountBalance(ctx)
	if err != nil {
		return err
	}
	c.SetSnapshot(AccountSnapshot{
		Equity:           wallet + unrealized,
		AvailableBalance: wallet,
		UnrealizedPnL:    unrealized,
	})
	return nil
}

// SetSnapshot installs a freshly polled account snapshot directly, bypassing
// the exchange client — used by tests and by callers that source balance
// data some other way.
func (c *Context) SetSnapshot(s AccountSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	c.updatedAt = time.Now()
}
