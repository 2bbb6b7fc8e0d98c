package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

// TrailingStopController walks open positions through the three-level
// stop ladder and, at the top level, trails the best price reached.
// Every tick starts with an exchange reconciliation so the ladder never
// acts on a position the exchange already closed.
type TrailingStopController struct {
	manager  *PositionManager
	exchange domain.Exchange
	stopLogs domain.StopLossLogRepository
	config   func() domain.TrailingStopConfig
	log      *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	extremes map[string]float64 // best price per symbol since the position opened
}

func NewTrailingStopController(manager *PositionManager, ex domain.Exchange, stopLogs domain.StopLossLogRepository, config func() domain.TrailingStopConfig, log *zap.Logger) *TrailingStopController {
	return &TrailingStopController{
		manager:  manager,
		exchange: ex,
		stopLogs: stopLogs,
		config:   config,
		log:      log,
		interval: 5 * time.Second,
		extremes: make(map[string]float64),
	}
}

// Run ticks until the context is cancelled. Errors within a tick are
// logged and never stop the loop.
func (c *TrailingStopController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one reconcile-and-evaluate pass.
func (c *TrailingStopController) Tick(ctx context.Context) {
	removed, err := c.manager.SyncWithExchange(ctx)
	if err != nil {
		c.log.Error("Exchange sync failed", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		c.mu.Lock()
		for _, symbol := range removed {
			delete(c.extremes, symbol)
		}
		c.mu.Unlock()
	}

	for _, pos := range c.manager.GetAll() {
		price, err := c.exchange.GetCurrentPrice(ctx, pos.Symbol)
		if err != nil {
			c.log.Error("Failed to fetch price",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if err := c.evaluate(ctx, pos, price); err != nil {
			c.log.Error("Stop evaluation failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}
}

// profitPercent is the raw price move from entry, signed by side.
// Leverage is deliberately excluded: thresholds describe price action,
// not margin return.
func profitPercent(pos domain.Position, price float64) float64 {
	pct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == domain.SideShort {
		pct = -pct
	}
	return pct
}

// lockedStopPrice converts a locked-profit percent into a stop price
// on the profitable side of entry.
func lockedStopPrice(pos domain.Position, lockProfit float64) float64 {
	if pos.Side == domain.SideLong {
		return pos.EntryPrice * (1 + lockProfit/100)
	}
	return pos.EntryPrice * (1 - lockProfit/100)
}

func (c *TrailingStopController) evaluate(ctx context.Context, pos domain.Position, price float64) error {
	extreme := c.updateExtreme(pos, price)
	profit := profitPercent(pos, price)

	levels := c.config().Levels()

	// Highest eligible level wins; transitions never go backward, and
	// a jump straight from 0 to 3 is legal when price moved fast.
	target := 0
	var targetLevel domain.TrailingStopLevel
	for i := len(levels) - 1; i >= 0; i-- {
		levelNum := i + 1
		if pos.CurrentStopLevel >= levelNum {
			break
		}
		lv := levels[i]
		inBand := profit >= lv.ProfitMin && (lv.ProfitMax <= 0 || profit < lv.ProfitMax)
		if inBand {
			target = levelNum
			targetLevel = lv
			break
		}
	}

	if target > pos.CurrentStopLevel {
		newStop := lockedStopPrice(pos, targetLevel.LockProfit)
		trailing := pos.TrailingActive || targetLevel.TrailingEnabled

		adj := &domain.StopLossAdjustment{
			Symbol:              pos.Symbol,
			Side:                pos.Side,
			EntryPrice:          pos.EntryPrice,
			OldStopPrice:        pos.StopLossPrice,
			NewStopPrice:        newStop,
			CurrentPrice:        price,
			ProfitPercent:       profit,
			LockedProfitPercent: targetLevel.LockProfit,
			OldLevel:            pos.CurrentStopLevel,
			NewLevel:            target,
			Trailing:            trailing,
			Reason:              "LEVEL_UP",
			Detail:              fmt.Sprintf("profit %.2f%% reached level %d, locking %.2f%%", profit, target, targetLevel.LockProfit),
		}
		if err := c.stopLogs.SaveStopLossAdjustment(ctx, adj); err != nil {
			c.log.Error("Failed to save stop adjustment log",
				zap.String("symbol", pos.Symbol), zap.Error(err))
		}

		// Trailing starts on the next tick; the level-up already moved
		// the stop this tick.
		return c.manager.UpdateStop(ctx, pos.Symbol, newStop, target, trailing)
	}

	if pos.CurrentStopLevel == len(levels) && pos.TrailingActive {
		return c.trail(ctx, pos, price, extreme, profit)
	}
	return nil
}

// trail moves the stop toward the best price reached. The stop only
// ever tightens.
func (c *TrailingStopController) trail(ctx context.Context, pos domain.Position, price, extreme, profit float64) error {
	trailPct := c.config().Level3.TrailingPercent
	if trailPct <= 0 {
		return nil
	}

	var candidate float64
	tightens := false
	if pos.Side == domain.SideLong {
		candidate = extreme * (1 - trailPct/100)
		tightens = candidate > pos.StopLossPrice
	} else {
		candidate = extreme * (1 + trailPct/100)
		tightens = candidate < pos.StopLossPrice
	}
	if !tightens {
		return nil
	}

	adj := &domain.StopLossAdjustment{
		Symbol:              pos.Symbol,
		Side:                pos.Side,
		EntryPrice:          pos.EntryPrice,
		OldStopPrice:        pos.StopLossPrice,
		NewStopPrice:        candidate,
		CurrentPrice:        price,
		ProfitPercent:       profit,
		LockedProfitPercent: c.config().Level3.LockProfit,
		OldLevel:            pos.CurrentStopLevel,
		NewLevel:            pos.CurrentStopLevel,
		Trailing:            true,
		Reason:              "TRAILING",
		Detail:              fmt.Sprintf("trailing %.2f%% behind extreme %.8f", trailPct, extreme),
	}
	if err := c.stopLogs.SaveStopLossAdjustment(ctx, adj); err != nil {
		c.log.Error("Failed to save stop adjustment log",
			zap.String("symbol", pos.Symbol), zap.Error(err))
	}

	return c.manager.UpdateStop(ctx, pos.Symbol, candidate, pos.CurrentStopLevel, true)
}

// updateExtreme tracks the running best price per symbol: maximum for
// LONG, minimum for SHORT. Updated every tick regardless of level.
func (c *TrailingStopController) updateExtreme(pos domain.Position, price float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	extreme, ok := c.extremes[pos.Symbol]
	if !ok {
		extreme = price
	} else if pos.Side == domain.SideLong {
		if price > extreme {
			extreme = price
		}
	} else {
		if price < extreme {
			extreme = price
		}
	}
	c.extremes[pos.Symbol] = extreme
	return extreme
}
