package domain

import "context"

// Exchange is the capability set the engine needs from one derivatives
// exchange. Signing and wire formats are adapter-internal.
type Exchange interface {
	Name() string
	Initialize(ctx context.Context) error
	Close() error

	GetSymbolPrecision(ctx context.Context, symbol string) (SymbolPrecision, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	GetAvailableBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]PositionInfo, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType string) error
	PlaceMarketOrder(ctx context.Context, symbol string, side string, quantity float64, reduceOnly bool) (*OrderResult, error)
	PlaceStopOrder(ctx context.Context, symbol string, side string, quantity float64, stopPrice float64, closePosition bool) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// CalculateOrderQuantity sizes an order from the available balance,
	// leverage and position percent. Returns 0 (not an error) when the
	// exchange minimums cannot be met; callers must not trade on 0.
	CalculateOrderQuantity(ctx context.Context, symbol string, leverage int, positionPercent float64) (float64, error)
}

// KlineStream delivers closed bars to listeners and keeps itself alive
// across socket failures.
type KlineStream interface {
	Subscribe(symbol, interval string) error
	Unsubscribe(symbol string) error
	AddListener(fn func(Kline))
	Start(ctx context.Context) error
	Stop() error
}

// PositionRepository persists positions.
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	UpdatePosition(ctx context.Context, pos *Position) error
	GetOpenPositions(ctx context.Context) ([]*Position, error)
}

// TradeLogRepository appends order-action audit rows.
type TradeLogRepository interface {
	SaveTradeLog(ctx context.Context, log *TradeLog) error
}

// StopLossLogRepository appends stop-loss adjustment audit rows.
type StopLossLogRepository interface {
	SaveStopLossAdjustment(ctx context.Context, adj *StopLossAdjustment) error
}

// TradingPairRepository reads and updates per-symbol configuration.
type TradingPairRepository interface {
	ListTradingPairs(ctx context.Context) ([]*TradingPair, error)
	GetTradingPair(ctx context.Context, symbol string) (*TradingPair, error)
	UpdateTradingPair(ctx context.Context, pair *TradingPair) error
}

// Notifier is the best-effort message channel. A false return is
// non-fatal and never retried by the caller.
type Notifier interface {
	Send(message string) bool
}
