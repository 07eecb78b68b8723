package portfolio

import (
	"context"

	"trading-core/internal/live/indicator"
	"trading-core/internal/live/symbol"
)

// StreamBoundStrategyContext is the portfolio-aware facade a multi-symbol
// strategy is handed instead of a bare *symbol.Context, grounded on
// original_source/src/live/portfolio_context.py's _SymbolTradingProxy: every
// read-only property delegates straight to the wrapped symbol, and every
// trade-submitting method delegates directly too; the portfolio-level
// exposure check runs inside the symbol's router via risk.Manager.CanTrade.
type StreamBoundStrategyContext struct {
	portfolio *Context
	sym       *symbol.Context
}

// ForSymbol builds the facade for one managed symbol.
func (c *Context) ForSymbol(s *symbol.Context) *StreamBoundStrategyContext {
	return &StreamBoundStrategyContext{portfolio: c, sym: s}
}

// Symbol returns the underlying symbol name.
func (s *StreamBoundStrategyContext) Symbol() string { return s.sym.Symbol() }

// CurrentPrice returns the latest mark price for this symbol.
func (s *StreamBoundStrategyContext) CurrentPrice() float64 { return s.sym.CurrentPrice() }

// PositionSize returns the signed position size (positive long, negative
// short, zero flat).
func (s *StreamBoundStrategyContext) PositionSize() float64 { return s.sym.Position().Signed() }

// PositionEntryPrice returns the position's average entry price.
func (s *StreamBoundStrategyContext) PositionEntryPrice() float64 {
	return s.sym.Position().EntryPrice
}

// UnrealizedPnL returns this symbol's unrealized pnl at the current mark price.
func (s *StreamBoundStrategyContext) UnrealizedPnL() float64 { return s.sym.UnrealizedPnL() }

// Balance returns the portfolio's last-polled available wallet balance.
func (s *StreamBoundStrategyContext) Balance() float64 { return s.portfolio.AvailableBalance() }

// TotalEquity returns the whole portfolio's equity (balance + unrealized
// pnl across every tracked symbol), matching portfolio_total_equity in the
// original implementation rather than a single symbol's legacy total_equity.
func (s *StreamBoundStrategyContext) TotalEquity() float64 { return s.portfolio.Equity() }

// Leverage returns the portfolio's effective leverage (the max configured
// across tracked symbols); there is no separate fallback to this symbol's
// own configuration.
func (s *StreamBoundStrategyContext) Leverage() float64 { return s.portfolio.Leverage() }

// GetOpenOrders returns the symbol's currently tracked live orders.
func (s *StreamBoundStrategyContext) GetOpenOrders() []symbol.OpenOrder { return s.sym.GetOpenOrders() }

// GetIndicator reads a registered indicator's value for this symbol.
func (s *StreamBoundStrategyContext) GetIndicator(name string, params map[string]float64) float64 {
	return s.sym.Indicator(name, params)
}

// RegisterIndicator adds or replaces a named indicator function on this
// symbol's stream.
func (s *StreamBoundStrategyContext) RegisterIndicator(name string, fn indicator.Func) {
	s.sym.RegisterIndicator(name, fn)
}

// Buy routes a BUY order for qty. The portfolio-level exposure/order-size
// check runs inside the symbol's router (risk.Manager.CanTrade already
// folds in the portfolio aggregate limits), so this delegates directly.
func (s *StreamBoundStrategyContext) Buy(ctx context.Context, qty float64, price *float64, reason string, useChase *bool) error {
	return s.sym.Buy(ctx, qty, price, reason, useChase)
}

// Sell is Buy's counterpart for the SELL side.
func (s *StreamBoundStrategyContext) Sell(ctx context.Context, qty float64, price *float64, reason string, useChase *bool) error {
	return s.sym.Sell(ctx, qty, price, reason, useChase)
}

// ClosePosition flattens the position. Exits always bypass the portfolio
// exposure check, matching the original's close_position semantics.
func (s *StreamBoundStrategyContext) ClosePosition(ctx context.Context, reason string, useChase *bool) error {
	return s.sym.ClosePosition(ctx, reason, useChase)
}

// CalcEntryQuantity sizes an entry order for this symbol.
func (s *StreamBoundStrategyContext) CalcEntryQuantity(entryPct, price float64) float64 {
	return s.sym.CalcEntryQuantity(entryPct, price)
}

// EnterLong sizes and places a BUY order using CalcEntryQuantity, a no-op if
// the computed quantity is zero.
func (s *StreamBoundStrategyContext) EnterLong(ctx context.Context, reason string, entryPct float64) error {
	qty := s.CalcEntryQuantity(entryPct, 0)
	if qty <= 0 {
		return nil
	}
	return s.Buy(ctx, qty, nil, reason, nil)
}

// EnterShort is EnterLong's counterpart for the SELL side.
func (s *StreamBoundStrategyContext) EnterShort(ctx context.Context, reason string, entryPct float64) error {
	qty := s.CalcEntryQuantity(entryPct, 0)
	if qty <= 0 {
		return nil
	}
	return s.Sell(ctx, qty, nil, reason, nil)
}
