package engine

import (
	"context"
	"log"

	"trading-core/internal/live/exchange"
	"trading-core/internal/live/portfolio"
	"trading-core/internal/strategy"
)

// defaultIndicatorSet is forwarded to the external strategy worker on every
// closed bar; the worker decides what to do with each value.
var defaultIndicatorSet = []struct {
	key    string
	name   string
	params map[string]float64
}{
	{"sma_20", "sma", map[string]float64{"period": 20}},
	{"sma_50", "sma", map[string]float64{"period": 50}},
	{"rsi_14", "rsi", map[string]float64{"period": 14}},
}

// GRPCStrategy forwards closed bars to an external strategy worker over
// strategy.WorkerClient and routes the returned BUY/SELL signal through the
// symbol's chase-limit router. It implements engine.Strategy as an optional
// bridge to a strategy process written outside this module.
type GRPCStrategy struct {
	client *strategy.WorkerClient
	qty    map[string]float64 // per-symbol order size fallback when the worker omits one
}

// NewGRPCStrategy dials the external strategy worker at addr.
func NewGRPCStrategy(addr string, defaultQty map[string]float64) (*GRPCStrategy, error) {
	c, err := strategy.NewWorkerClient(addr)
	if err != nil {
		return nil, err
	}
	return &GRPCStrategy{client: c, qty: defaultQty}, nil
}

// Close tears down the underlying gRPC connection.
func (s *GRPCStrategy) Close() error { return s.client.Close() }

// OnBar implements Strategy: gathers the symbol's indicator values, asks the
// worker for a decision, and routes any BUY/SELL through the symbol's
// router. Errors and HOLD decisions are no-ops.
func (s *GRPCStrategy) OnBar(ctx *portfolio.StreamBoundStrategyContext, cd exchange.Candle) {
	ind := make(map[string]float64, len(defaultIndicatorSet))
	for _, spec := range defaultIndicatorSet {
		ind[spec.key] = ctx.GetIndicator(spec.name, spec.params)
	}

	sig, err := s.client.OnTick(context.Background(), ctx.Symbol(), cd.Close, ind)
	if err != nil {
		log.Printf("engine: strategy worker OnTick error for %s: %v", ctx.Symbol(), err)
		return
	}
	if sig == nil || sig.Action == "" || sig.Action == "HOLD" {
		return
	}

	qty := sig.Size
	if qty <= 0 {
		qty = s.qty[ctx.Symbol()]
	}
	if qty <= 0 {
		log.Printf("engine: strategy signal for %s has no usable size, skipping", ctx.Symbol())
		return
	}

	reason := sig.Note
	if reason == "" {
		reason = "grpc_signal"
	}
	switch sig.Action {
	case "BUY":
		err = ctx.Buy(context.Background(), qty, nil, reason, nil)
	case "SELL":
		err = ctx.Sell(context.Background(), qty, nil, reason, nil)
	default:
		return
	}
	if err != nil {
		log.Printf("engine: routing strategy signal for %s failed: %v", ctx.Symbol(), err)
	}
}
