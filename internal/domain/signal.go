package domain

type SignalType string

const (
	SignalNone  SignalType = "NONE"
	SignalLong  SignalType = "LONG"
	SignalShort SignalType = "SHORT"
)

// Signal is the output of the crossover detector for one bar series.
type Signal struct {
	Type       SignalType
	Symbol     string
	Price      float64
	EMAFast    float64
	EMASlow    float64
	CrossCount int
	Message    string
}
