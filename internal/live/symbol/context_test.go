package symbol

import (
	"testing"

	"trading-core/internal/live/indicator"
	"trading-core/internal/live/userstream"
)

func TestFlipAwareAvg(t *testing.T) {
	tests := []struct {
		name   string
		oldQty float64
		oldAvg float64
		qty    float64
		price  float64
		newQty float64
		isBuy  bool
		want   float64
	}{
		{"open long from flat", 0, 0, 1, 100, 1, true, 100},
		{"add to long averages in", 1, 100, 1, 200, 2, true, 150},
		{"buy covers part of a short", -2, 100, 1, 90, -1, true, 100},
		{"buy flips a short to long", -1, 100, 2, 90, 1, true, 90},
		{"sell reduces a long, avg unchanged", 2, 100, 1, 120, 1, false, 100},
		{"sell flips a long to short", 1, 100, 2, 120, -1, false, 120},
		{"add to short averages in", -1, 100, 1, 120, -2, false, 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := flipAwareAvg(tt.oldQty, tt.oldAvg, tt.qty, tt.price, tt.newQty, tt.isBuy)
			if got != tt.want {
				t.Fatalf("flipAwareAvg()=%v, want %v", got, tt.want)
			}
		})
	}
}

type fakeRiskChecker struct {
	allow    bool
	equity   float64
	recorded []float64
}

func (f *fakeRiskChecker) CanTrade(symbol, side string, qty, price, newPositionQty float64) (bool, string) {
	if !f.allow {
		return false, "fake: blocked"
	}
	return true, ""
}

func (f *fakeRiskChecker) RecordTrade(symbol string, pnl float64) {
	f.recorded = append(f.recorded, pnl)
}

func (f *fakeRiskChecker) Equity() float64 { return f.equity }

func newTestContext(risk RiskChecker) *Context {
	return New("BTCUSDT", DefaultConfig(), nil, nil, indicator.NewContext(10), risk)
}

func TestOnFillOpensAndClosesPosition(t *testing.T) {
	risk := &fakeRiskChecker{allow: true}
	c := newTestContext(risk)

	c.onFill(userstream.Fill{
		Symbol: "BTCUSDT", Side: "BUY", ClientOrderID: "c1",
		Status: "FILLED", LastQty: 1, LastPrice: 100,
	})
	pos := c.Position()
	if pos.Side != "LONG" || pos.Qty != 1 || pos.EntryPrice != 100 {
		t.Fatalf("unexpected position after open: %+v", pos)
	}

	c.onFill(userstream.Fill{
		Symbol: "BTCUSDT", Side: "SELL", ClientOrderID: "c2",
		Status: "FILLED", LastQty: 1, LastPrice: 110, Commission: 0.5,
	})
	pos = c.Position()
	if !pos.IsFlat() {
		t.Fatalf("expected flat position after closing fill, got %+v", pos)
	}
	if len(risk.recorded) != 1 {
		t.Fatalf("expected one recorded trade result, got %d", len(risk.recorded))
	}
	wantPnL := (110.0-100.0)*1 - 0.5
	if risk.recorded[0] != wantPnL {
		t.Fatalf("recorded pnl=%v, want %v", risk.recorded[0], wantPnL)
	}
	if c.Counters().ConsecutiveLosses != 0 {
		t.Fatalf("expected a winning trade to reset consecutive losses")
	}
}

func TestOnFillTracksConsecutiveLosses(t *testing.T) {
	c := newTestContext(&fakeRiskChecker{allow: true})

	c.onFill(userstream.Fill{Symbol: "BTCUSDT", Side: "BUY", ClientOrderID: "c1", Status: "FILLED", LastQty: 1, LastPrice: 100})
	c.onFill(userstream.Fill{Symbol: "BTCUSDT", Side: "SELL", ClientOrderID: "c2", Status: "FILLED", LastQty: 1, LastPrice: 90})

	if c.Counters().ConsecutiveLosses != 1 {
		t.Fatalf("ConsecutiveLosses=%d, want 1 after a losing round-trip", c.Counters().ConsecutiveLosses)
	}
	if c.Counters().DailyLossTotal <= 0 {
		t.Fatalf("DailyLossTotal should be positive after a loss, got %v", c.Counters().DailyLossTotal)
	}
}

func TestInCooldownBlocksUntilBarTimeAdvances(t *testing.T) {
	c := newTestContext(&fakeRiskChecker{allow: true})
	c.currentBarTime = 100
	c.cooldownBar = 130

	if !c.InCooldown() {
		t.Fatal("expected cooldown to be active while currentBarTime < cooldownBar")
	}
	c.currentBarTime = 130
	if c.InCooldown() {
		t.Fatal("expected cooldown to clear once currentBarTime reaches cooldownBar")
	}
}
