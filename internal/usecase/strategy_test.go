package usecase_test

import (
	"math"
	"testing"

	"github.com/vitos/futures_ema_bot/internal/domain"
	"github.com/vitos/futures_ema_bot/internal/usecase"
)

const epsilon = 0.000001

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func barsFromCloses(closes []float64) []domain.Kline {
	bars := make([]domain.Kline, len(closes))
	for i, c := range closes {
		bars[i] = domain.Kline{
			Symbol: "BTCUSDT",
			Close:  c,
			High:   c,
			Low:    c,
			Closed: true,
		}
	}
	return bars
}

func TestCalculateEMAReference(t *testing.T) {
	// period=3: seed = avg(1,2,3)=2, k=0.5, then each value pulls the
	// EMA to exactly price-1.
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ema := usecase.CalculateEMA(prices, 3)

	if !math.IsNaN(ema[0]) || !math.IsNaN(ema[1]) {
		t.Errorf("entries before period-1 must be NaN, got %v, %v", ema[0], ema[1])
	}
	if !floatEquals(ema[2], 2.0) {
		t.Errorf("seed = %f, want 2.0", ema[2])
	}
	for i := 3; i < len(prices); i++ {
		want := prices[i] - 1
		if !floatEquals(ema[i], want) {
			t.Errorf("ema[%d] = %f, want %f", i, ema[i], want)
		}
	}
}

func TestCalculateEMAInsufficientData(t *testing.T) {
	ema := usecase.CalculateEMA([]float64{1, 2}, 5)
	for i, v := range ema {
		if !math.IsNaN(v) {
			t.Errorf("ema[%d] = %f, want NaN", i, v)
		}
	}
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	strategy := usecase.NewEMAStrategy(6, 51, 20)
	signal := strategy.Analyze("BTCUSDT", barsFromCloses(make([]float64, 30)))

	if signal.Type != domain.SignalNone {
		t.Errorf("signal = %v, want NONE", signal.Type)
	}
	if signal.Message == "" {
		t.Error("expected explanatory message for short history")
	}
}

// crossSeries produces crosses at indexes 8, 11, 14, 17 and a golden
// cross at the final index 19: flat warm-up, then a square wave the
// fast EMA chases through the slow one.
func crossSeries() []float64 {
	closes := make([]float64, 0, 20)
	for i := 0; i < 8; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 110, 110, 110) // 8-10: golden at 8
	closes = append(closes, 90, 90, 90)    // 11-13: death at 11
	closes = append(closes, 110, 110, 110) // 14-16: golden at 14
	closes = append(closes, 90, 90)        // 17-18: death at 17
	closes = append(closes, 110)           // 19: golden at last bar
	return closes
}

func TestAnalyzeCrossCountThreshold(t *testing.T) {
	bars := barsFromCloses(crossSeries())

	// Lookback 10 sees the crosses at 11, 14 and 17: three crosses,
	// above the >2 threshold.
	long := usecase.NewEMAStrategy(2, 4, 10).Analyze("BTCUSDT", bars)
	if long.Type != domain.SignalLong {
		t.Fatalf("signal = %v (%s), want LONG", long.Type, long.Message)
	}
	if long.CrossCount != 3 {
		t.Errorf("cross count = %d, want 3", long.CrossCount)
	}

	// Lookback 7 sees only 14 and 17: exactly 2 crosses is not enough.
	none := usecase.NewEMAStrategy(2, 4, 7).Analyze("BTCUSDT", bars)
	if none.Type != domain.SignalNone {
		t.Fatalf("signal = %v, want NONE with exactly 2 crosses in window", none.Type)
	}
	if none.CrossCount != 2 {
		t.Errorf("cross count = %d, want 2", none.CrossCount)
	}
}

func TestAnalyzeNoCrossAtLastBar(t *testing.T) {
	closes := crossSeries()
	closes = append(closes, 110) // extend: last bar stays above, no new cross
	signal := usecase.NewEMAStrategy(2, 4, 10).Analyze("BTCUSDT", barsFromCloses(closes))

	if signal.Type != domain.SignalNone {
		t.Errorf("signal = %v, want NONE without a cross at the last bar", signal.Type)
	}
}

func TestCalculateAmplitude(t *testing.T) {
	tests := []struct {
		name string
		bars []domain.Kline
		n    int
		want float64
	}{
		{
			"ten percent range",
			[]domain.Kline{
				{High: 105, Low: 100},
				{High: 110, Low: 102},
			},
			200,
			10.0,
		},
		{
			"rounded to two decimals",
			[]domain.Kline{{High: 107.777, Low: 100}},
			200,
			7.78,
		},
		{
			"window limits the bars considered",
			[]domain.Kline{
				{High: 500, Low: 10}, // outside the window
				{High: 105, Low: 100},
				{High: 103, Low: 101},
			},
			2,
			5.0,
		},
		{"empty series", nil, 200, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := usecase.CalculateAmplitude(tt.bars, tt.n)
			if !floatEquals(got, tt.want) {
				t.Errorf("amplitude = %f, want %f", got, tt.want)
			}
		})
	}
}
