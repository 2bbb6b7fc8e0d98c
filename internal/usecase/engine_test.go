package usecase_test

import (
	"context"
	"testing"

	"github.com/vitos/futures_ema_bot/internal/domain"
	"github.com/vitos/futures_ema_bot/internal/usecase"
)

func flatBars(n int, low, high float64) []domain.Kline {
	bars := make([]domain.Kline, n)
	for i := range bars {
		bars[i] = domain.Kline{
			Symbol: "BTCUSDT", Interval: "15m",
			OpenTime: int64(i), CloseTime: int64(i) + 1,
			Open: low, High: high, Low: low, Close: low,
			Closed: true,
		}
	}
	return bars
}

func setupEngine(store *MemStore, ex *MockExchange) (*usecase.Engine, *MockStream, *MockNotifier) {
	stream := &MockStream{}
	notifier := &MockNotifier{}
	manager := usecase.NewPositionManager(ex, store, store, notifier, testLogger())
	watcher := usecase.NewPairWatcher(store, 0, testLogger())
	strategy := usecase.NewEMAStrategy(7, 25, 5)
	engine := usecase.NewEngine(ex, stream, strategy, manager, watcher, store, notifier, usecase.EngineConfig{
		PositionPercent:    10,
		WarmupBars:         60,
		AmplitudeBars:      20,
		AmplitudeThreshold: 2.0,
	}, testLogger())
	return engine, stream, notifier
}

func TestAmplitudeCheckDisablesQuietPair(t *testing.T) {
	store := &MemStore{Pairs: []*domain.TradingPair{
		{Symbol: "BTCUSDT", Active: true, StrategyInterval: "15m", Leverage: 5},
	}}
	// 0.1% range over the window, well under the 2% threshold.
	ex := &MockExchange{Price: 50000, Balance: 10000, Klines: flatBars(50, 100.0, 100.1)}
	engine, stream, notifier := setupEngine(store, ex)

	engine.CheckAmplitudes(context.Background())

	pair, err := store.GetTradingPair(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("pair lookup failed: %v", err)
	}
	if !pair.AmplitudeDisabled {
		t.Error("quiet pair not disabled")
	}
	if unsubs := stream.UnsubscribedSymbols(); len(unsubs) != 1 || unsubs[0] != "BTCUSDT" {
		t.Errorf("unsubscribed = %v, want [BTCUSDT]", unsubs)
	}
	if len(notifier.Messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.Messages))
	}
}

func TestAmplitudeCheckLeavesActiveMarketAlone(t *testing.T) {
	store := &MemStore{Pairs: []*domain.TradingPair{
		{Symbol: "BTCUSDT", Active: true, StrategyInterval: "15m", Leverage: 5},
	}}
	// 5% range clears the threshold.
	ex := &MockExchange{Price: 50000, Balance: 10000, Klines: flatBars(50, 100.0, 105.0)}
	engine, stream, notifier := setupEngine(store, ex)

	engine.CheckAmplitudes(context.Background())

	pair, _ := store.GetTradingPair(context.Background(), "BTCUSDT")
	if pair.AmplitudeDisabled {
		t.Error("healthy pair was disabled")
	}
	if len(stream.UnsubscribedSymbols()) != 0 {
		t.Error("healthy pair was unsubscribed")
	}
	if len(notifier.Messages) != 0 {
		t.Errorf("unexpected notifications: %v", notifier.Messages)
	}
}

func TestAmplitudeCheckNeverReEnables(t *testing.T) {
	store := &MemStore{Pairs: []*domain.TradingPair{
		{Symbol: "BTCUSDT", Active: true, StrategyInterval: "15m", Leverage: 5, AmplitudeDisabled: true},
	}}
	// Range recovered, but the flag only ever moves one way.
	ex := &MockExchange{Price: 50000, Balance: 10000, Klines: flatBars(50, 100.0, 105.0)}
	engine, stream, notifier := setupEngine(store, ex)

	engine.CheckAmplitudes(context.Background())

	pair, _ := store.GetTradingPair(context.Background(), "BTCUSDT")
	if !pair.AmplitudeDisabled {
		t.Error("disabled pair was re-enabled")
	}
	if len(stream.UnsubscribedSymbols()) != 0 || len(notifier.Messages) != 0 {
		t.Error("skipped pair still produced side effects")
	}
}
