package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

// EMAStrategy detects golden/death crosses of a fast EMA over a slow
// EMA. Analyze is a pure function over a closed-bar series; it holds no
// per-symbol state.
type EMAStrategy struct {
	FastPeriod    int
	SlowPeriod    int
	CrossLookback int
}

func NewEMAStrategy(fast, slow, lookback int) *EMAStrategy {
	return &EMAStrategy{
		FastPeriod:    fast,
		SlowPeriod:    slow,
		CrossLookback: lookback,
	}
}

// MinBars is the history required before Analyze produces signals.
func (s *EMAStrategy) MinBars() int {
	return s.SlowPeriod + s.CrossLookback + 2
}

// CalculateEMA returns an EMA series aligned with prices. Entries
// before index period-1 are NaN. The series is seeded with the simple
// average of the first period values, then follows the standard
// recurrence with k = 2/(period+1).
func CalculateEMA(prices []float64, period int) []float64 {
	ema := make([]float64, len(prices))
	if period <= 0 || len(prices) < period {
		for i := range ema {
			ema[i] = math.NaN()
		}
		return ema
	}

	var sum float64
	for i := 0; i < period; i++ {
		ema[i] = math.NaN()
		sum += prices[i]
	}
	ema[period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema[i] = prices[i]*k + ema[i-1]*(1-k)
	}
	return ema
}

type crossType int

const (
	crossNone crossType = iota
	crossGolden
	crossDeath
)

// crossAt reports whether the fast EMA crossed the slow EMA between
// index i-1 and i.
func crossAt(fast, slow []float64, i int) crossType {
	if i < 1 {
		return crossNone
	}
	prev := fast[i-1] - slow[i-1]
	curr := fast[i] - slow[i]
	if math.IsNaN(prev) || math.IsNaN(curr) {
		return crossNone
	}
	if prev <= 0 && curr > 0 {
		return crossGolden
	}
	if prev >= 0 && curr < 0 {
		return crossDeath
	}
	return crossNone
}

// Analyze inspects the series for a cross at the most recent closed
// bar. A cross only becomes a signal when the preceding lookback window
// saw more than 2 crosses; quiet windows are treated as noise.
func (s *EMAStrategy) Analyze(symbol string, bars []domain.Kline) domain.Signal {
	signal := domain.Signal{Type: domain.SignalNone, Symbol: symbol}

	if len(bars) < s.MinBars() {
		signal.Message = fmt.Sprintf("insufficient history: %d bars, need %d", len(bars), s.MinBars())
		return signal
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fast := CalculateEMA(closes, s.FastPeriod)
	slow := CalculateEMA(closes, s.SlowPeriod)

	last := len(bars) - 1
	cross := crossAt(fast, slow, last)

	signal.Price = closes[last]
	signal.EMAFast = fast[last]
	signal.EMASlow = slow[last]

	if cross == crossNone {
		signal.Message = "no cross at last bar"
		return signal
	}

	// Count crosses strictly inside the lookback window, excluding
	// the current bar.
	count := 0
	for i := last - s.CrossLookback; i < last; i++ {
		if crossAt(fast, slow, i) != crossNone {
			count++
		}
	}
	signal.CrossCount = count

	if count <= 2 {
		signal.Message = fmt.Sprintf("cross ignored: only %d crosses in last %d bars", count, s.CrossLookback)
		return signal
	}

	if cross == crossGolden {
		signal.Type = domain.SignalLong
		signal.Message = fmt.Sprintf("golden cross, %d crosses in last %d bars", count, s.CrossLookback)
	} else {
		signal.Type = domain.SignalShort
		signal.Message = fmt.Sprintf("death cross, %d crosses in last %d bars", count, s.CrossLookback)
	}
	return signal
}

// CalculateAmplitude returns the high-low range over the most recent n
// bars as a percent of the minimum low, rounded to two decimals.
func CalculateAmplitude(bars []domain.Kline, n int) float64 {
	if len(bars) == 0 {
		return 0
	}
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}

	maxHigh := bars[0].High
	minLow := bars[0].Low
	for _, b := range bars[1:] {
		if b.High > maxHigh {
			maxHigh = b.High
		}
		if b.Low < minLow {
			minLow = b.Low
		}
	}
	if minLow <= 0 {
		return 0
	}

	amplitude := (maxHigh - minLow) / minLow * 100
	return math.Round(amplitude*100) / 100
}
