// Package liverunner builds and starts the live portfolio engine from
// pkg/config.Config, keeping main.go's wiring block small the same way
// internal/engine.NewImpl keeps the legacy engine's construction out of
// main.go.
package liverunner

import (
	"context"
	"log"
	"time"

	"trading-core/internal/live/engine"
	"trading-core/internal/live/risk"
	"trading-core/internal/live/symbol"
	"trading-core/pkg/config"
)

// Start builds the live engine from cfg and starts it if
// cfg.EnableLivePortfolioEngine is set. It returns nil, nil when disabled.
func Start(ctx context.Context, cfg *config.Config) (*engine.Engine, error) {
	if !cfg.EnableLivePortfolioEngine {
		return nil, nil
	}

	riskConfigs, err := risk.LoadYAML(cfg.LiveRiskConfigPath)
	if err != nil {
		return nil, err
	}

	symCfg := symbol.DefaultConfig()
	symCfg.ChaseMaxAttempts = cfg.LiveChaseMaxAttempts
	symCfg.ChaseInterval = time.Duration(cfg.LiveChaseIntervalMs) * time.Millisecond
	symCfg.ChaseSlippageBps = cfg.LiveChaseSlippageBps
	symCfg.ChaseFallbackMkt = cfg.LiveChaseFallbackMarket

	eng := engine.New(engine.Config{
		Symbols:          cfg.LiveSymbols,
		Interval:         cfg.LiveInterval,
		Testnet:          cfg.BinanceTestnet,
		APIKey:           cfg.BinanceUSDTKey,
		APISecret:        cfg.BinanceUSDTSecret,
		RiskConfigs:      riskConfigs,
		SymbolConfig:     symCfg,
		LicenseSecret:    cfg.JWTSecret,
		LicenseToken:     cfg.LiveLicenseToken,
		StrategyGRPCAddr: cfg.LiveStrategyGRPCAddr,
	})

	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	log.Printf("live portfolio engine started for %v", cfg.LiveSymbols)
	return eng, nil
}
