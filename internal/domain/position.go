package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side that closes this one.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Close reasons recorded on the position and in the trade log.
const (
	CloseReasonSignal       = "SIGNAL"
	CloseReasonStopLoss     = "STOP_LOSS"
	CloseReasonTrailingStop = "TRAILING_STOP"
	CloseReasonManual       = "MANUAL"
	CloseReasonExchangeSync = "EXCHANGE_SYNC"
)

// Position is the authoritative record of a trade opened by the bot.
// At most one OPEN position exists per symbol; CurrentStopLevel only
// ever moves forward while the position is OPEN.
type Position struct {
	ID               int64
	Symbol           string
	Side             Side
	EntryPrice       float64
	Quantity         float64
	Leverage         int
	StopLossPrice    float64
	StopLossOrderID  string
	CurrentStopLevel int
	TrailingActive   bool
	Status           PositionStatus
	PnL              float64
	PnLPercent       float64
	CloseReason      string
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// TradeLog is an append-only audit row for every order action.
type TradeLog struct {
	ID        int64
	Symbol    string
	Action    string // OPEN_LONG / OPEN_SHORT / CLOSE_<reason> / STOP_LOSS_ADJUST
	Price     float64
	Quantity  float64
	OrderID   string
	Message   string
	CreatedAt time.Time
}

// StopLossAdjustment records one stop-loss change, written before the
// replacement order is placed.
type StopLossAdjustment struct {
	ID                  int64
	Symbol              string
	Side                Side
	EntryPrice          float64
	OldStopPrice        float64
	NewStopPrice        float64
	CurrentPrice        float64
	ProfitPercent       float64
	LockedProfitPercent float64
	OldLevel            int
	NewLevel            int
	Trailing            bool
	Reason              string
	Detail              string
	CreatedAt           time.Time
}
