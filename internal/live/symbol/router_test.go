package symbol

import (
	"context"
	"strings"
	"testing"

	"trading-core/internal/live/bookfeed"
	"trading-core/internal/live/exchange"
	"trading-core/internal/live/indicator"
)

func newRouterTestContext(t *testing.T, risk RiskChecker) *Context {
	t.Helper()
	ind := indicator.NewContext(10)
	book := bookfeed.New("BTCUSDT", true)
	c := New("BTCUSDT", DefaultConfig(), nil, book, ind, risk)
	c.SetFilters(PrecisionFilters{TickSize: 0.5, StepSize: 0.001, MinNotional: 5})
	return c
}

func TestChasePriceFallsBackToMarkPriceSlippage(t *testing.T) {
	c := newRouterTestContext(t, nil)
	c.indicator.OnCandle(exchange.Candle{Close: 100, Closed: true})

	buyPrice, err := c.chasePrice("BUY", 0)
	if err != nil {
		t.Fatalf("chasePrice(BUY) error: %v", err)
	}
	wantBuy := c.roundPrice(100 * (1 + c.cfg.ChaseSlippageBps/10000.0))
	if buyPrice != wantBuy {
		t.Fatalf("chasePrice(BUY)=%v, want %v", buyPrice, wantBuy)
	}

	sellPrice, err := c.chasePrice("SELL", 0)
	if err != nil {
		t.Fatalf("chasePrice(SELL) error: %v", err)
	}
	wantSell := c.roundPrice(100 * (1 - c.cfg.ChaseSlippageBps/10000.0))
	if sellPrice != wantSell {
		t.Fatalf("chasePrice(SELL)=%v, want %v", sellPrice, wantSell)
	}
}

func TestChasePriceErrorsWithoutAnyPriceSource(t *testing.T) {
	c := newRouterTestContext(t, nil)
	if _, err := c.chasePrice("BUY", 0); err == nil {
		t.Fatal("expected an error when neither book quote nor mark price is available")
	}
}

func TestRoundPriceAndQty(t *testing.T) {
	c := newRouterTestContext(t, nil)
	if got := c.roundPrice(100.27); got != 100.5 {
		t.Fatalf("roundPrice(100.27)=%v, want 100.5 (tick=0.5)", got)
	}
	if got := c.roundQty(1.0009); got != 1.0 {
		t.Fatalf("roundQty(1.0009)=%v, want 1.0 (step=0.001)", got)
	}
}

func TestRouteOrderRejectsDuringCooldown(t *testing.T) {
	c := newRouterTestContext(t, &fakeRiskChecker{allow: true})
	c.currentBarTime = 10
	c.cooldownBar = 20

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	err := c.RouteOrder(context.Background(), "BUY", 1, false, "test")
	if err == nil || !strings.Contains(err.Error(), "cooldown") {
		t.Fatalf("expected a cooldown rejection error, got %v", err)
	}
}

func TestRouteOrderRejectsWhenRiskDeclines(t *testing.T) {
	c := newRouterTestContext(t, &fakeRiskChecker{allow: false})
	c.indicator.OnCandle(exchange.Candle{Close: 100, Closed: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	err := c.RouteOrder(context.Background(), "BUY", 1, false, "test")
	if err == nil || !strings.Contains(err.Error(), "risk rejected") {
		t.Fatalf("expected a risk rejection error, got %v", err)
	}
}

func TestRouteOrderRejectsWhenRouterBusy(t *testing.T) {
	c := newRouterTestContext(t, &fakeRiskChecker{allow: true})
	c.setState(StatePlacing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	err := c.RouteOrder(context.Background(), "BUY", 1, true, "test") // reduceOnly, so cooldown is irrelevant here
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected a router-busy error, got %v", err)
	}
}
