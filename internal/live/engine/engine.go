// Package engine implements the top-level Engine: startup sequencing,
// per-symbol wiring, and graceful shutdown for the live portfolio trading
// core.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-core/internal/events"
	"trading-core/internal/live/bookfeed"
	"trading-core/internal/live/exchange"
	"trading-core/internal/live/indicator"
	"trading-core/internal/live/portfolio"
	"trading-core/internal/live/pricefeed"
	"trading-core/internal/live/risk"
	"trading-core/internal/live/symbol"
	"trading-core/internal/live/userstream"
	"trading-core/pkg/license"
)

// Strategy is the callback boundary a bar-driven strategy implements. Every
// callback receives a StreamBoundStrategyContext rather than a bare
// *symbol.Context, so a strategy trading several symbols can read portfolio-
// wide equity/leverage without reaching past its own symbol. The Engine
// recovers from panics at this boundary so one misbehaving strategy can't
// take the whole runtime down.
type Strategy interface {
	OnBar(ctx *portfolio.StreamBoundStrategyContext, candle exchange.Candle)
}

// Initializer is an optional Strategy extension: if implemented, Initialize
// is called once per managed symbol after historical indicator seeding and
// before any live candle is dispatched.
type Initializer interface {
	Initialize(ctx *portfolio.StreamBoundStrategyContext)
}

// TickAware is an optional Strategy extension: if implemented, OnTick is
// invoked for every unclosed candle update (an opt-in to run_on_tick
// behavior). Closed bars go to OnBar only; OnTick is not called for them.
type TickAware interface {
	OnTick(ctx *portfolio.StreamBoundStrategyContext, candle exchange.Candle)
}

// Config configures one Engine run.
type Config struct {
	Symbols      []string
	Interval     string // e.g. "1m", "5m"
	Testnet      bool
	APIKey       string
	APISecret    string
	RiskConfigs  map[string]risk.Config
	SymbolConfig symbol.Config
	Bus          *events.Bus

	// LicenseSecret/LicenseToken, when both set, gate Start behind a
	// machine-bound license check (pkg/license), same mechanism the
	// teacher's main.go applies before starting its legacy engine.
	LicenseSecret string
	LicenseToken  string

	// StrategyGRPCAddr, when set, wires an external strategy worker
	// (internal/strategy.WorkerClient) as the bar-driven Strategy instead
	// of relying on SetStrategy being called manually.
	StrategyGRPCAddr string
	StrategyQty      map[string]float64
}

// Engine owns every live-core component for one deployment.
type Engine struct {
	cfg Config

	exch      *exchange.Client
	portfolio *portfolio.Context
	riskMgr   *risk.Manager
	userHub   *userstream.Hub

	symbols      map[string]*symbolUnit
	strategy     Strategy
	grpcStrategy *GRPCStrategy

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type symbolUnit struct {
	ctx   *symbol.Context
	book  *bookfeed.Feed
	price *pricefeed.Feed
	ind   *indicator.Context
}

// New constructs an Engine. Call Start to run it.
func New(cfg Config) *Engine {
	exch := exchange.NewClient(exchange.Config{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Testnet:   cfg.Testnet,
	})
	port := portfolio.New(exch)
	riskMgr := risk.NewManager(port, cfg.RiskConfigs)

	return &Engine{
		cfg:       cfg,
		exch:      exch,
		portfolio: port,
		riskMgr:   riskMgr,
		userHub:   userstream.New(exch, cfg.Testnet),
		symbols:   make(map[string]*symbolUnit),
	}
}

// SetStrategy installs the bar-driven strategy callback.
func (e *Engine) SetStrategy(s Strategy) { e.strategy = s }

// Start runs the startup sequence: sync time, fetch precision filters and
// set configured leverage, seed indicators per symbol, open feeds and the
// user-data stream, then start every symbol's mailbox worker.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.cfg.LicenseSecret != "" && e.cfg.LicenseToken != "" {
		if err := license.NewManager(e.cfg.LicenseSecret).Validate(e.cfg.LicenseToken); err != nil {
			cancel()
			return fmt.Errorf("engine: license check failed: %w", err)
		}
	}

	if e.cfg.StrategyGRPCAddr != "" {
		gs, err := NewGRPCStrategy(e.cfg.StrategyGRPCAddr, e.cfg.StrategyQty)
		if err != nil {
			cancel()
			return fmt.Errorf("engine: dial strategy worker: %w", err)
		}
		e.grpcStrategy = gs
		e.strategy = gs
	}

	if err := e.exch.SyncTime(ctx); err != nil {
		return fmt.Errorf("engine: initial time sync failed: %w", err)
	}

	filters, err := e.exch.ExchangeInfo(ctx, e.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("engine: fetch exchange info: %w", err)
	}

	for _, sym := range e.cfg.Symbols {
		ind := indicator.NewContext(indicator.DefaultWindow)
		book := bookfeed.New(sym, e.cfg.Testnet)
		price := pricefeed.New(e.exch, sym, e.cfg.Interval, e.cfg.Testnet)

		symCfg := e.cfg.SymbolConfig
		leverage := symCfg.MaxLeverage
		if rc, ok := e.cfg.RiskConfigs[sym]; ok {
			symCfg.StopLossPct = rc.StopLossPct
			symCfg.CooldownBars = rc.CooldownBars
			symCfg.MaxLeverage = rc.MaxLeverage
			symCfg.MaxPositionSize = rc.MaxPositionSize
			leverage = rc.MaxLeverage
		}
		symCtx := symbol.New(sym, symCfg, e.exch, book, ind, e.riskMgr)
		if sf, ok := filters[sym]; ok {
			symCtx.SetFilters(symbol.PrecisionFilters{
				TickSize:    sf.TickSize,
				StepSize:    sf.StepSize,
				MinNotional: sf.MinNotional,
				MinQty:      sf.MinQty,
				MaxQty:      sf.MaxQty,
			})
		}
		if leverage > 0 {
			e.portfolio.SetLeverage(sym, leverage)
			if err := e.exch.SetLeverage(ctx, sym, int(leverage)); err != nil {
				log.Printf("engine: set leverage for %s failed: %v", sym, err)
			}
		}

		e.symbols[sym] = &symbolUnit{ctx: symCtx, book: book, price: price, ind: ind}
	}

	for sym, unit := range e.symbols {
		seed, err := unit.price.Start(ctx)
		if err != nil {
			return fmt.Errorf("engine: start price feed for %s: %w", sym, err)
		}
		unit.ind.Seed(seed)
		unit.book.Start(ctx)
		if init, ok := e.strategy.(Initializer); ok {
			init.Initialize(e.portfolio.ForSymbol(unit.ctx))
		}
	}

	e.userHub.OnAccountUpdate(func(u userstream.AccountUpdate) {
		e.portfolio.SetSnapshot(portfolio.AccountSnapshot{
			Equity:           u.WalletBalance + u.UnrealizedPnL,
			AvailableBalance: u.WalletBalance,
			UnrealizedPnL:    u.UnrealizedPnL,
		})
	})
	e.userHub.Start(ctx)
	for sym, unit := range e.symbols {
		fills, unsub := e.userHub.Subscribe(sym, 64)
		e.wg.Add(1)
		go func(sym string, unit *symbolUnit) {
			defer e.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-fills:
					if !ok {
						return
					}
					unit.ctx.SubmitFill(f)
				}
			}
		}(sym, unit)
	}

	for sym, unit := range e.symbols {
		e.wg.Add(2)
		go func(sym string, unit *symbolUnit) {
			defer e.wg.Done()
			unit.ctx.Run(ctx)
		}(sym, unit)
		go func(sym string, unit *symbolUnit) {
			defer e.wg.Done()
			e.pumpCandles(ctx, sym, unit)
		}(sym, unit)
	}

	e.portfolio.Start(ctx, 30*time.Second)

	log.Printf("live engine started: %d symbols, interval=%s, testnet=%v", len(e.symbols), e.cfg.Interval, e.cfg.Testnet)
	return nil
}

func (e *Engine) pumpCandles(ctx context.Context, sym string, unit *symbolUnit) {
	for {
		select {
		case <-ctx.Done():
			return
		case cd, ok := <-unit.price.Candles():
			if !ok {
				return
			}
			unit.ctx.SubmitCandle(cd)
			if e.cfg.Bus != nil {
				e.cfg.Bus.Publish(events.EventPriceTick, cd)
			}
			if e.strategy != nil {
				sctx := e.portfolio.ForSymbol(unit.ctx)
				if cd.Closed {
					e.runStrategy(sctx, cd)
				} else if tick, ok := e.strategy.(TickAware); ok {
					e.runTick(tick, sctx, cd)
				}
			}
			e.portfolio.SetExposure(sym, unit.ctx.Position().Qty*cd.Close)
		}
	}
}

// runStrategy invokes the strategy's OnBar callback with a panic boundary so
// one misbehaving strategy can't take the whole runtime down.
func (e *Engine) runStrategy(ctx *portfolio.StreamBoundStrategyContext, cd exchange.Candle) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: strategy panic on %s: %v", ctx.Symbol(), r)
		}
	}()
	e.strategy.OnBar(ctx, cd)
}

// runTick invokes a TickAware strategy's OnTick callback for an unclosed
// candle update, with the same panic recovery as runStrategy.
func (e *Engine) runTick(tick TickAware, ctx *portfolio.StreamBoundStrategyContext, cd exchange.Candle) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("engine: strategy tick panic on %s: %v", ctx.Symbol(), r)
		}
	}()
	tick.OnTick(ctx, cd)
}

// Symbol returns the context for a managed symbol, or nil if unmanaged.
func (e *Engine) Symbol(sym string) *symbol.Context {
	if u, ok := e.symbols[sym]; ok {
		return u.ctx
	}
	return nil
}

// Portfolio exposes the shared portfolio context for read-only reporting.
func (e *Engine) Portfolio() *portfolio.Context { return e.portfolio }

// Stop cancels every background goroutine and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("engine: shutdown timed out waiting for goroutines")
	}
	if e.grpcStrategy != nil {
		if err := e.grpcStrategy.Close(); err != nil {
			log.Printf("engine: closing strategy worker connection: %v", err)
		}
	}
}
