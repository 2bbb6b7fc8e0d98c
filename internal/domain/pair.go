package domain

import "time"

// TradingPair is the per-symbol trading configuration. Rows are created
// and edited outside the engine; the engine consumes them read-only and
// reacts to changes through the pair watcher.
type TradingPair struct {
	ID                int64
	Symbol            string
	Leverage          int
	StrategyInterval  string
	StopLossPercent   float64
	Active            bool
	AmplitudeDisabled bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrailingStopLevel is one tier of the stop-loss ladder.
type TrailingStopLevel struct {
	ProfitMin       float64 `mapstructure:"profit_min"`
	ProfitMax       float64 `mapstructure:"profit_max"`
	LockProfit      float64 `mapstructure:"lock_profit"`
	TrailingEnabled bool    `mapstructure:"trailing_enabled"`
	TrailingPercent float64 `mapstructure:"trailing_percent"`
}

// TrailingStopConfig is the ordered three-level ladder. Hot-reloadable.
type TrailingStopConfig struct {
	Level1 TrailingStopLevel `mapstructure:"level_1"`
	Level2 TrailingStopLevel `mapstructure:"level_2"`
	Level3 TrailingStopLevel `mapstructure:"level_3"`
}

// Levels returns the tiers in ascending order.
func (c TrailingStopConfig) Levels() [3]TrailingStopLevel {
	return [3]TrailingStopLevel{c.Level1, c.Level2, c.Level3}
}

// DefaultTrailingStopConfig mirrors the shipped config file: breakeven
// at 2.5%, lock 3% at 5%, lock 5% and trail (3% pullback) at 10%.
func DefaultTrailingStopConfig() TrailingStopConfig {
	return TrailingStopConfig{
		Level1: TrailingStopLevel{ProfitMin: 2.5, ProfitMax: 5.0, LockProfit: 0},
		Level2: TrailingStopLevel{ProfitMin: 5.0, ProfitMax: 10.0, LockProfit: 3.0},
		Level3: TrailingStopLevel{ProfitMin: 10.0, ProfitMax: 0, LockProfit: 5.0, TrailingEnabled: true, TrailingPercent: 3.0},
	}
}
