package domain

// SymbolPrecision describes the exchange-enforced order constraints for
// one symbol. Tick/step sizes are kept as strings so no precision is
// lost before decimal rounding.
type SymbolPrecision struct {
	PricePrecision    int
	QuantityPrecision int
	TickSize          string
	StepSize          string
	MinQty            string
	MinNotional       string
}

// PositionInfo is the exchange's view of an open position.
type PositionInfo struct {
	Symbol           string
	Side             Side
	EntryPrice       float64
	Quantity         float64
	Leverage         int
	UnrealizedPnL    float64
	LiquidationPrice float64
}

// OrderResult is the exchange's response to a placed order.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        string
	Type        string
	Quantity    float64
	Price       float64
	Status      string
	ExecutedQty float64
	AvgPrice    float64
	CumQuote    float64
}
