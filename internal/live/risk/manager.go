package risk

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// PortfolioView is the read-only view of account state the Manager needs
// to evaluate the portfolio-level checks: aggregate equity, exposure, the
// number of actively-traded symbols (the exposure multiplier), and the
// portfolio's effective leverage (the maximum leverage configured across
// its symbols).
type PortfolioView interface {
	Equity() float64
	TotalExposure() float64
	SymbolCount() int
	Leverage() float64
}

// Metrics tracks running risk counters, mirroring internal/risk.RiskMetrics's
// shape but scoped per symbol.
type Metrics struct {
	DailyPnL          float64
	DailyTrades       int
	DailyLosses       float64
	ConsecutiveLosses int
	TotalRealizedPnL  float64
}

// Manager evaluates per-symbol and portfolio-aggregate risk. One Manager
// instance is shared across all SymbolContexts in a deployment.
type Manager struct {
	mu        sync.RWMutex
	portfolio PortfolioView
	configs   map[string]Config
	metrics   map[string]*Metrics
	lastResetDay int
}

// NewManager builds a risk manager. portfolio may be nil until the
// PortfolioContext is wired up (portfolio-level checks are skipped until
// then, per-symbol checks still apply).
func NewManager(portfolio PortfolioView, symbolConfigs map[string]Config) *Manager {
	if symbolConfigs == nil {
		symbolConfigs = map[string]Config{}
	}
	return &Manager{
		portfolio:    portfolio,
		configs:      symbolConfigs,
		metrics:      make(map[string]*Metrics),
		lastResetDay: time.Now().YearDay(),
	}
}

// SetPortfolio wires or replaces the portfolio view after construction.
func (m *Manager) SetPortfolio(p PortfolioView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio = p
}

func (m *Manager) configFor(symbol string) Config {
	if c, ok := m.configs[symbol]; ok {
		return c
	}
	return DefaultConfig()
}

func (m *Manager) metricsFor(symbol string) *Metrics {
	if m.metrics[symbol] == nil {
		m.metrics[symbol] = &Metrics{}
	}
	return m.metrics[symbol]
}

// validateLeverage rejects a configured leverage above the symbol's ceiling.
func validateLeverage(cfg Config, leverage float64) (bool, string) {
	if cfg.MaxLeverage > 0 && leverage > cfg.MaxLeverage {
		return false, fmt.Sprintf("leverage %.1fx exceeds max %.1fx", leverage, cfg.MaxLeverage)
	}
	return true, ""
}

// validateOrderSize rejects an order whose notional exceeds
// equity * leverage * max_order_size.
func validateOrderSize(cfg Config, qty, price, equity, leverage float64) (bool, string) {
	if cfg.MaxOrderSize <= 0 || equity <= 0 || leverage <= 0 {
		return true, ""
	}
	limit := equity * leverage * cfg.MaxOrderSize
	notional := qty * price
	if notional > limit {
		return false, fmt.Sprintf("order notional %.2f exceeds %.2f (equity=%.2f leverage=%.1fx max_order_size=%.2f)",
			notional, limit, equity, leverage, cfg.MaxOrderSize)
	}
	return true, ""
}

// validatePositionSize rejects a resulting position whose notional exceeds
// equity * leverage * max_position_size.
func validatePositionSize(cfg Config, newPositionQty, price, equity, leverage float64) (bool, string) {
	if cfg.MaxPositionSize <= 0 || equity <= 0 || leverage <= 0 {
		return true, ""
	}
	limit := equity * leverage * cfg.MaxPositionSize
	exposure := math.Abs(newPositionQty) * price
	if exposure > limit {
		return false, fmt.Sprintf("position exposure %.2f exceeds %.2f (equity=%.2f leverage=%.1fx max_position_size=%.2f)",
			exposure, limit, equity, leverage, cfg.MaxPositionSize)
	}
	return true, ""
}

// CanTrade implements symbol.RiskChecker: per-symbol counters first (cheaper,
// and symbol-scoped failures shouldn't require portfolio state), then the
// leverage-aware order/position-size checks, then the portfolio-level
// aggregate checks scaled by the exposure multiplier (max(1, active symbol
// count)). qty/price/newPositionQty describe the order being evaluated and
// the signed position it would produce if filled.
func (m *Manager) CanTrade(symbol, side string, qty, price, newPositionQty float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfNeededLocked()

	cfg := m.configFor(symbol)
	met := m.metricsFor(symbol)

	if cfg.MaxDailyTrades > 0 && met.DailyTrades >= cfg.MaxDailyTrades {
		return false, fmt.Sprintf("symbol %s: daily trade limit reached (%d/%d)", symbol, met.DailyTrades, cfg.MaxDailyTrades)
	}
	if cfg.DailyLossLimit > 0 && met.DailyLosses >= cfg.DailyLossLimit {
		return false, fmt.Sprintf("symbol %s: daily loss limit exceeded (%.2f/%.2f)", symbol, met.DailyLosses, cfg.DailyLossLimit)
	}
	if cfg.MaxConsecutiveLosses > 0 && met.ConsecutiveLosses >= cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("symbol %s: consecutive loss limit reached (%d)", symbol, met.ConsecutiveLosses)
	}

	leverage := cfg.MaxLeverage
	if ok, reason := validateLeverage(cfg, leverage); !ok {
		return false, fmt.Sprintf("symbol %s: %s", symbol, reason)
	}

	var equity float64
	if m.portfolio != nil {
		equity = m.portfolio.Equity()
	}
	if ok, reason := validateOrderSize(cfg, qty, price, equity, leverage); !ok {
		return false, fmt.Sprintf("symbol %s: %s", symbol, reason)
	}
	if ok, reason := validatePositionSize(cfg, newPositionQty, price, equity, leverage); !ok {
		return false, fmt.Sprintf("symbol %s: %s", symbol, reason)
	}

	if m.portfolio == nil {
		return true, ""
	}

	multiplier := math.Max(1, float64(m.portfolio.SymbolCount()))
	portfolioLeverage := m.portfolio.Leverage()
	if portfolioLeverage <= 0 {
		portfolioLeverage = leverage
	}
	maxExposure := equity * portfolioLeverage * cfg.MaxPositionSize * multiplier
	if maxExposure > 0 && m.portfolio.TotalExposure()+qty*price > maxExposure {
		return false, fmt.Sprintf("portfolio: exposure %.2f + order %.2f would exceed limit %.2f (multiplier=%.0f)",
			m.portfolio.TotalExposure(), qty*price, maxExposure, multiplier)
	}
	maxOrderValue := equity * portfolioLeverage * cfg.MaxOrderSize * multiplier
	if maxOrderValue > 0 && qty*price > maxOrderValue {
		return false, fmt.Sprintf("portfolio: order notional %.2f exceeds %.2f (equity=%.2f leverage=%.1fx multiplier=%.0f)",
			qty*price, maxOrderValue, equity, portfolioLeverage, multiplier)
	}
	return true, ""
}

// Equity implements symbol.RiskChecker's Equity() — the live portfolio
// equity CalcEntryQuantity sizes new entries against. Returns 0 until a
// portfolio is wired up.
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.portfolio == nil {
		return 0
	}
	return m.portfolio.Equity()
}

// RecordTrade updates per-symbol counters from a realized pnl, net of fees —
// the symbol context computes commission-adjusted pnl before calling this.
func (m *Manager) RecordTrade(symbol string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyIfNeededLocked()

	met := m.metricsFor(symbol)
	met.DailyTrades++
	met.TotalRealizedPnL += pnl
	met.DailyPnL += pnl
	if pnl < 0 {
		met.ConsecutiveLosses++
		met.DailyLosses += -pnl
	} else {
		met.ConsecutiveLosses = 0
	}
}

func (m *Manager) resetDailyIfNeededLocked() {
	day := time.Now().YearDay()
	if m.lastResetDay == day {
		return
	}
	m.lastResetDay = day
	for _, met := range m.metrics {
		met.DailyTrades = 0
		met.DailyLosses = 0
		met.DailyPnL = 0
	}
}

// Snapshot returns a copy of the current metrics for a symbol, for
// reporting over the control-plane event stream.
func (m *Manager) Snapshot(symbol string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if met, ok := m.metrics[symbol]; ok {
		return *met
	}
	return Metrics{}
}
