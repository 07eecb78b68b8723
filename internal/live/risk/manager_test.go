package risk

import "testing"

type fakePortfolio struct {
	equity   float64
	exposure float64
	symbols  int
	leverage float64
}

func (f fakePortfolio) Equity() float64        { return f.equity }
func (f fakePortfolio) TotalExposure() float64  { return f.exposure }
func (f fakePortfolio) SymbolCount() int        { return f.symbols }
func (f fakePortfolio) Leverage() float64       { return f.leverage }

func TestCanTradeRejectsPerSymbolLimits(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		metrics Metrics
		wantOK  bool
	}{
		{
			name:    "daily trades exhausted",
			cfg:     Config{MaxDailyTrades: 2},
			metrics: Metrics{DailyTrades: 2},
			wantOK:  false,
		},
		{
			name:    "daily loss exceeded",
			cfg:     Config{DailyLossLimit: 100},
			metrics: Metrics{DailyLosses: 150},
			wantOK:  false,
		},
		{
			name:    "consecutive losses",
			cfg:     Config{MaxConsecutiveLosses: 3},
			metrics: Metrics{ConsecutiveLosses: 3},
			wantOK:  false,
		},
		{
			name:   "within limits",
			cfg:    Config{MaxDailyTrades: 10, DailyLossLimit: 1000, MaxConsecutiveLosses: 5},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(nil, map[string]Config{"BTCUSDT": tt.cfg})
			mgr.metrics["BTCUSDT"] = &tt.metrics

			ok, reason := mgr.CanTrade("BTCUSDT", "BUY", 10, 1, 10)
			if ok != tt.wantOK {
				t.Fatalf("CanTrade() ok=%v reason=%q, want ok=%v", ok, reason, tt.wantOK)
			}
		})
	}
}

func TestCanTradeAppliesPortfolioMultiplier(t *testing.T) {
	port := fakePortfolio{equity: 10000, exposure: 9000, symbols: 3, leverage: 1}
	cfg := Config{MaxLeverage: 1, MaxPositionSize: 0.3} // limit = equity*leverage*maxPositionSize*multiplier
	mgr := NewManager(port, map[string]Config{"BTCUSDT": cfg})

	// 9000 exposure + 500 new = 9500, limit is 10000*1*0.3*3=9000 -> rejected
	if ok, _ := mgr.CanTrade("BTCUSDT", "BUY", 500, 1, 500); ok {
		t.Fatal("expected order to be rejected: exceeds multiplied portfolio exposure limit")
	}

	// Smaller existing exposure stays under the multiplied limit.
	port.exposure = 1000
	mgr.SetPortfolio(port)
	if ok, reason := mgr.CanTrade("BTCUSDT", "BUY", 500, 1, 500); !ok {
		t.Fatalf("expected order within multiplied limit to pass, got reason=%q", reason)
	}
}

func TestCanTradeRejectsOrderAboveLeverageLimit(t *testing.T) {
	port := fakePortfolio{equity: 1000, leverage: 1}
	// limit = equity * leverage * max_order_size = 1000*1*4 = 4000
	cfg := Config{MaxLeverage: 1, MaxOrderSize: 4}
	mgr := NewManager(port, map[string]Config{"BTCUSDT": cfg})

	if ok, _ := mgr.CanTrade("BTCUSDT", "BUY", 6000, 1, 6000); ok {
		t.Fatal("expected order exceeding the leverage-scaled order-size limit to be rejected")
	}
	if ok, reason := mgr.CanTrade("BTCUSDT", "BUY", 4000, 1, 4000); !ok {
		t.Fatalf("expected order within the leverage-scaled limit to pass, got reason=%q", reason)
	}
}

func TestValidateLeverageRejectsAboveMax(t *testing.T) {
	cfg := Config{MaxLeverage: 10}
	if ok, _ := validateLeverage(cfg, 15); ok {
		t.Fatal("expected leverage above max to be rejected")
	}
	if ok, reason := validateLeverage(cfg, 5); !ok {
		t.Fatalf("expected leverage under max to pass, got reason=%q", reason)
	}
}

func TestRecordTradeTracksConsecutiveLosses(t *testing.T) {
	mgr := NewManager(nil, nil)

	mgr.RecordTrade("ETHUSDT", -10)
	mgr.RecordTrade("ETHUSDT", -5)
	snap := mgr.Snapshot("ETHUSDT")
	if snap.ConsecutiveLosses != 2 {
		t.Fatalf("ConsecutiveLosses=%d, want 2", snap.ConsecutiveLosses)
	}
	if snap.DailyLosses != 15 {
		t.Fatalf("DailyLosses=%v, want 15", snap.DailyLosses)
	}

	mgr.RecordTrade("ETHUSDT", 20)
	snap = mgr.Snapshot("ETHUSDT")
	if snap.ConsecutiveLosses != 0 {
		t.Fatalf("ConsecutiveLosses=%d after a win, want 0", snap.ConsecutiveLosses)
	}
	if snap.TotalRealizedPnL != 5 {
		t.Fatalf("TotalRealizedPnL=%v, want 5", snap.TotalRealizedPnL)
	}
}
