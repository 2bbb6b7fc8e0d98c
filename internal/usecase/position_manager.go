package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

// PositionManager owns the authoritative record of open positions. All
// mutating operations run under one mutex, so the "one OPEN position
// per symbol" check and the mutation it guards are a single critical
// section even though the stop-loss loop and the signal handler run on
// different goroutines.
type PositionManager struct {
	exchange  domain.Exchange
	positions domain.PositionRepository
	tradeLogs domain.TradeLogRepository
	notifier  domain.Notifier
	log       *zap.Logger

	mu    sync.Mutex
	index map[string]*domain.Position
}

func NewPositionManager(ex domain.Exchange, positions domain.PositionRepository, tradeLogs domain.TradeLogRepository, notifier domain.Notifier, log *zap.Logger) *PositionManager {
	return &PositionManager{
		exchange:  ex,
		positions: positions,
		tradeLogs: tradeLogs,
		notifier:  notifier,
		log:       log,
		index:     make(map[string]*domain.Position),
	}
}

// LoadPositions restores the in-memory index from the store after a
// restart.
func (m *PositionManager) LoadPositions(ctx context.Context) error {
	open, err := m.positions.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range open {
		m.index[pos.Symbol] = pos
	}
	m.log.Info("Restored open positions", zap.Int("count", len(open)))
	return nil
}

func (m *PositionManager) Has(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[symbol]
	return ok
}

// Get returns a copy so callers cannot mutate the record outside the
// manager's lock.
func (m *PositionManager) Get(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.index[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

func (m *PositionManager) GetAll() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.index))
	for _, pos := range m.index {
		out = append(out, *pos)
	}
	return out
}

func orderSide(side domain.Side) string {
	if side == domain.SideLong {
		return "BUY"
	}
	return "SELL"
}

// Open places a market order, protects it with a stop, persists and
// indexes the position. A position record is only created once the
// protective stop is resting on the exchange.
func (m *PositionManager) Open(ctx context.Context, symbol string, side domain.Side, entryPriceHint, quantity float64, leverage int, stopLossPercent float64) (*domain.Position, error) {
	if stopLossPercent <= 0 || stopLossPercent >= 100 {
		return nil, fmt.Errorf("stop loss percent %.2f out of range (0, 100)", stopLossPercent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[symbol]; ok {
		return nil, fmt.Errorf("position already open for %s", symbol)
	}

	if err := m.exchange.SetLeverage(ctx, symbol, leverage); err != nil {
		return nil, fmt.Errorf("set leverage for %s: %w", symbol, err)
	}
	if err := m.exchange.SetMarginType(ctx, symbol, "ISOLATED"); err != nil {
		m.log.Warn("Failed to set margin type", zap.String("symbol", symbol), zap.Error(err))
	}

	order, err := m.exchange.PlaceMarketOrder(ctx, symbol, orderSide(side), quantity, false)
	if err != nil {
		return nil, fmt.Errorf("market order for %s: %w", symbol, err)
	}

	entryPrice := fillPrice(order, entryPriceHint)
	filledQty := order.ExecutedQty
	if filledQty <= 0 {
		filledQty = order.Quantity
	}
	if entryPrice <= 0 || filledQty <= 0 {
		return nil, fmt.Errorf("order %s filled with invalid price %.8f or quantity %.8f", order.OrderID, entryPrice, filledQty)
	}

	stopPrice := entryPrice * (1 - stopLossPercent/100)
	if side == domain.SideShort {
		stopPrice = entryPrice * (1 + stopLossPercent/100)
	}
	if stopPrice <= 0 {
		return nil, fmt.Errorf("invalid stop price %.8f for %s (position of %.8f is open and unprotected)", stopPrice, symbol, filledQty)
	}

	stopOrder, err := m.exchange.PlaceStopOrder(ctx, symbol, orderSide(side.Opposite()), filledQty, stopPrice, true)
	if err != nil {
		// The market order already filled. Surface it loudly; the sync
		// loop will pick the position up from the exchange but it has
		// no stop protection until an operator intervenes.
		m.notifier.Send(fmt.Sprintf("⚠️ %s: position of %.8f filled but stop order FAILED: %v", symbol, filledQty, err))
		return nil, fmt.Errorf("stop order for %s after fill of %.8f: %w", symbol, filledQty, err)
	}

	pos := &domain.Position{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entryPrice,
		Quantity:        filledQty,
		Leverage:        leverage,
		StopLossPrice:   stopPrice,
		StopLossOrderID: stopOrder.OrderID,
		Status:          domain.StatusOpen,
		OpenedAt:        time.Now(),
	}
	if err := m.positions.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist position for %s: %w", symbol, err)
	}

	m.saveTradeLog(ctx, &domain.TradeLog{
		Symbol:   symbol,
		Action:   "OPEN_" + string(side),
		Price:    entryPrice,
		Quantity: filledQty,
		OrderID:  order.OrderID,
		Message:  fmt.Sprintf("leverage=%d stop=%.8f", leverage, stopPrice),
	})

	m.index[symbol] = pos
	m.notifier.Send(fmt.Sprintf("📈 Opened %s %s: qty=%.8f entry=%.8f stop=%.8f lev=%dx",
		side, symbol, filledQty, entryPrice, stopPrice, leverage))
	m.log.Info("Opened position",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("entry", entryPrice),
		zap.Float64("quantity", filledQty),
		zap.Float64("stop", stopPrice))
	return pos, nil
}

// fillPrice derives the actual entry price: reported average, then
// cumulative quote / executed quantity, then the caller's hint.
func fillPrice(order *domain.OrderResult, hint float64) float64 {
	if order.AvgPrice > 0 {
		return order.AvgPrice
	}
	if order.CumQuote > 0 && order.ExecutedQty > 0 {
		return order.CumQuote / order.ExecutedQty
	}
	return hint
}

// Close flattens the position with a reduce-only market order and
// marks the record CLOSED.
func (m *PositionManager) Close(ctx context.Context, symbol, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.index[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}

	if err := m.exchange.CancelAllOrders(ctx, symbol); err != nil {
		m.log.Warn("Failed to cancel resting orders", zap.String("symbol", symbol), zap.Error(err))
	}

	exitPrice, err := m.exchange.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("current price for %s: %w", symbol, err)
	}

	order, err := m.exchange.PlaceMarketOrder(ctx, symbol, orderSide(pos.Side.Opposite()), pos.Quantity, true)
	if err != nil {
		return fmt.Errorf("close order for %s: %w", symbol, err)
	}
	if order.AvgPrice > 0 {
		exitPrice = order.AvgPrice
	}

	sign := 1.0
	if pos.Side == domain.SideShort {
		sign = -1.0
	}
	pos.PnL = (exitPrice - pos.EntryPrice) * pos.Quantity * sign
	pos.PnLPercent = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100 * float64(pos.Leverage) * sign
	pos.Status = domain.StatusClosed
	pos.CloseReason = reason
	pos.ClosedAt = time.Now()

	if err := m.positions.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist close for %s: %w", symbol, err)
	}

	m.saveTradeLog(ctx, &domain.TradeLog{
		Symbol:   symbol,
		Action:   "CLOSE_" + reason,
		Price:    exitPrice,
		Quantity: pos.Quantity,
		OrderID:  order.OrderID,
		Message:  fmt.Sprintf("pnl=%.4f pnl_pct=%.2f", pos.PnL, pos.PnLPercent),
	})

	delete(m.index, symbol)
	m.notifier.Send(fmt.Sprintf("📉 Closed %s %s (%s): exit=%.8f pnl=%.4f (%.2f%%)",
		pos.Side, symbol, reason, exitPrice, pos.PnL, pos.PnLPercent))
	m.log.Info("Closed position",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Float64("pnl", pos.PnL),
		zap.Float64("pnl_percent", pos.PnLPercent))
	return nil
}

// UpdateStop replaces the resting stop order and records the new level
// and trailing flag. The level only moves forward.
func (m *PositionManager) UpdateStop(ctx context.Context, symbol string, newStopPrice float64, newLevel int, trailing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.index[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if newStopPrice <= 0 {
		return fmt.Errorf("invalid stop price %.8f for %s", newStopPrice, symbol)
	}
	if newLevel < pos.CurrentStopLevel {
		return fmt.Errorf("stop level for %s cannot move backward (%d -> %d)", symbol, pos.CurrentStopLevel, newLevel)
	}

	if pos.StopLossOrderID != "" {
		if err := m.exchange.CancelOrder(ctx, symbol, pos.StopLossOrderID); err != nil {
			m.log.Warn("Failed to cancel old stop order",
				zap.String("symbol", symbol),
				zap.String("order_id", pos.StopLossOrderID),
				zap.Error(err))
		}
	}

	stopOrder, err := m.exchange.PlaceStopOrder(ctx, symbol, orderSide(pos.Side.Opposite()), pos.Quantity, newStopPrice, true)
	if err != nil {
		return fmt.Errorf("replacement stop order for %s: %w", symbol, err)
	}

	oldStop := pos.StopLossPrice
	pos.StopLossPrice = newStopPrice
	pos.StopLossOrderID = stopOrder.OrderID
	pos.CurrentStopLevel = newLevel
	pos.TrailingActive = trailing

	if err := m.positions.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persist stop update for %s: %w", symbol, err)
	}

	m.saveTradeLog(ctx, &domain.TradeLog{
		Symbol:   symbol,
		Action:   "STOP_LOSS_ADJUST",
		Price:    newStopPrice,
		Quantity: pos.Quantity,
		OrderID:  stopOrder.OrderID,
		Message:  fmt.Sprintf("old=%.8f level=%d trailing=%t", oldStop, newLevel, trailing),
	})

	m.log.Info("Updated stop loss",
		zap.String("symbol", symbol),
		zap.Float64("old_stop", oldStop),
		zap.Float64("new_stop", newStopPrice),
		zap.Int("level", newLevel),
		zap.Bool("trailing", trailing))
	return nil
}

// SyncWithExchange reconciles against exchange-reported positions. A
// locally-OPEN symbol the exchange no longer holds (stop filled, manual
// close) is marked CLOSED with a synthetic reason and no further order
// is sent. Returns the symbols that were reconciled away.
func (m *PositionManager) SyncWithExchange(ctx context.Context) ([]string, error) {
	live, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange positions: %w", err)
	}

	held := make(map[string]bool, len(live))
	for _, p := range live {
		held[p.Symbol] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for symbol, pos := range m.index {
		if held[symbol] {
			continue
		}

		pos.Status = domain.StatusClosed
		pos.CloseReason = domain.CloseReasonExchangeSync
		pos.ClosedAt = time.Now()

		if err := m.positions.UpdatePosition(ctx, pos); err != nil {
			m.log.Error("Failed to persist reconciled close",
				zap.String("symbol", symbol), zap.Error(err))
		}
		m.saveTradeLog(ctx, &domain.TradeLog{
			Symbol:   symbol,
			Action:   "CLOSE_" + domain.CloseReasonExchangeSync,
			Price:    pos.StopLossPrice,
			Quantity: pos.Quantity,
			Message:  "position no longer held on exchange",
		})

		delete(m.index, symbol)
		removed = append(removed, symbol)
		m.notifier.Send(fmt.Sprintf("ℹ️ %s closed on exchange (stop filled or manual close)", symbol))
		m.log.Info("Reconciled position closed on exchange", zap.String("symbol", symbol))
	}
	return removed, nil
}

func (m *PositionManager) saveTradeLog(ctx context.Context, entry *domain.TradeLog) {
	if err := m.tradeLogs.SaveTradeLog(ctx, entry); err != nil {
		m.log.Error("Failed to save trade log",
			zap.String("symbol", entry.Symbol),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}
