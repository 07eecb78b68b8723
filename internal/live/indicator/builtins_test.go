package indicator

import (
	"testing"

	"trading-core/internal/live/exchange"
)

func closedCandle(closeTime int64, close float64) exchange.Candle {
	return exchange.Candle{CloseTime: closeTime, Close: close, Closed: true}
}

func unclosedCandle(close float64) exchange.Candle {
	return exchange.Candle{Close: close, Closed: false}
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		period float64
		want   float64
	}{
		{"insufficient history", []float64{1, 2}, 3, 0},
		{"exact window", []float64{1, 2, 3}, 3, 2},
		{"uses only the trailing window", []float64{10, 10, 1, 2, 3}, 3, 2},
		{"default period when unset", []float64{1, 2, 3}, 0, 0}, // defaults to 20, under-filled
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SMA(tt.closes, map[string]float64{"period": tt.period})
			if got != tt.want {
				t.Fatalf("SMA()=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	got := RSI(closes, map[string]float64{"period": 4})
	if got != 100 {
		t.Fatalf("RSI()=%v, want 100 for an all-gains window", got)
	}
}

func TestRSIMixedWindow(t *testing.T) {
	// changes: +1,+1,-2,+1 over period=4 -> gain=3, loss=2
	closes := []float64{10, 11, 12, 10, 11}
	got := RSI(closes, map[string]float64{"period": 4})
	want := 100 - (100 / (1 + 3.0/2.0))
	if got != want {
		t.Fatalf("RSI()=%v, want %v", got, want)
	}
}

func TestContextValueIsMemoizedPerClosedBar(t *testing.T) {
	c := NewContext(10)
	calls := 0
	c.Register("counting", func(closes []float64, params map[string]float64) float64 {
		calls++
		return float64(len(closes))
	})

	c.OnCandle(closedCandle(1, 100))
	first := c.Value("counting", nil)
	second := c.Value("counting", nil)
	if first != second || calls != 1 {
		t.Fatalf("expected memoized value within the same bar, calls=%d", calls)
	}

	c.OnCandle(closedCandle(2, 101))
	third := c.Value("counting", nil)
	if calls != 2 {
		t.Fatalf("expected recompute after a new closed bar, calls=%d", calls)
	}
	if third == first {
		t.Fatalf("expected a different value after the window grew")
	}
}

func TestContextUnclosedCandleOnlyUpdatesMarkPrice(t *testing.T) {
	c := NewContext(10)
	c.OnCandle(closedCandle(1, 100))
	c.OnCandle(unclosedCandle(101))

	if c.MarkPrice() != 101 {
		t.Fatalf("MarkPrice()=%v, want 101", c.MarkPrice())
	}
	if got := c.Value("sma", map[string]float64{"period": 1}); got != 100 {
		t.Fatalf("sma window should not include the unclosed tick, got %v", got)
	}
}
