// Package symbol implements the per-symbol mailbox actor (SymbolContext)
// that owns position state, open orders, cooldown, and the chase-limit
// order router.
package symbol

import "time"

// PrecisionFilters mirrors the exchange's per-symbol LOT_SIZE/PRICE_FILTER/
// MIN_NOTIONAL constraints.
type PrecisionFilters struct {
	TickSize    float64
	StepSize    float64
	MinNotional float64
	MinQty      float64
	MaxQty      float64
	PricePrec   int
	QtyPrec     int
}

// Position is the symbol's current net position.
type Position struct {
	Side         string // LONG, SHORT, or "" when flat
	Qty          float64
	EntryPrice   float64
	EntryBalance float64 // account balance at entry, for pnl_pct
}

// IsFlat reports whether the position has been closed out.
func (p Position) IsFlat() bool { return p.Qty == 0 }

// Signed returns the position size as a signed quantity: positive for LONG,
// negative for SHORT, zero when flat.
func (p Position) Signed() float64 {
	if p.Side == "SHORT" {
		return -p.Qty
	}
	return p.Qty
}

// Counters tracks consecutive losses, daily loss total, and trade counts
// for stop-loss/cooldown decisions and risk reporting.
type Counters struct {
	ConsecutiveLosses int
	DailyLossTotal    float64
	DailyTrades       int
	TotalTrades       int
	LastResetDay      int // day-of-year the daily counters were last reset
}

// OpenOrder is a live order the router is tracking.
type OpenOrder struct {
	ClientOrderID string
	Side          string
	Price         float64
	Qty           float64
	Status        string
	PlacedAt      time.Time
}

// RunState is the symbol's inflight order state machine: an explicit
// Idle/Placing/Settling machine instead of a single boolean inflight flag,
// so a watchdog can detect and recover a stuck Placing/Settling state.
type RunState int

const (
	StateIdle RunState = iota
	StatePlacing
	StateSettling
)

func (s RunState) String() string {
	switch s {
	case StatePlacing:
		return "PLACING"
	case StateSettling:
		return "SETTLING"
	default:
		return "IDLE"
	}
}

// AuditEntry records one routed action for the symbol's audit log.
type AuditEntry struct {
	At     time.Time
	Action string
	Detail string
}
