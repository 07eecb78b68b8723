// Package risk implements per-symbol and portfolio-level can_trade gating,
// built on internal/risk/types.go's soft-limit threshold/failure-mode
// pattern, generalized from a single account to one config per symbol plus
// a portfolio aggregate and extended with the leverage-aware sizing the
// original trading bot enforced.
package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is one symbol's (or the portfolio's) risk parameters. MaxOrderSize
// and MaxPositionSize are fractions of equity*leverage, not flat dollar
// caps — CanTrade multiplies them out against live equity and leverage on
// every check.
type Config struct {
	MaxLeverage          float64 `yaml:"max_leverage"`
	MaxOrderSize         float64 `yaml:"max_order_size"`      // fraction of equity*leverage
	MaxPositionSize      float64 `yaml:"max_position_size"`   // fraction of equity*leverage
	DailyLossLimit       float64 `yaml:"daily_loss_limit"`
	MaxDailyTrades       int     `yaml:"max_daily_trades"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	CooldownBars         int     `yaml:"stoploss_cooldown_candles"`
}

// DefaultConfig mirrors internal/risk.DefaultConfig's scale, retargeted at
// a single leveraged perpetual-futures symbol.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:          5,
		MaxOrderSize:         0.1,
		MaxPositionSize:      0.5,
		DailyLossLimit:       500.0,
		MaxDailyTrades:       50,
		MaxConsecutiveLosses: 5,
		StopLossPct:          0.05,
		CooldownBars:         3,
	}
}

// LoadYAML reads per-symbol overrides from a risk.yaml file, following the
// teacher's internal/strategy/config_loader.go YAML-with-fallback pattern.
// A missing file is not an error — callers get DefaultConfig().
func LoadYAML(path string) (map[string]Config, error) {
	out := map[string]Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("risk: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("risk: parse %s: %w", path, err)
	}
	return out, nil
}
