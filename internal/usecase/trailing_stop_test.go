package usecase_test

import (
	"context"
	"testing"

	"github.com/vitos/futures_ema_bot/internal/domain"
	"github.com/vitos/futures_ema_bot/internal/usecase"
)

func setupController() (*MockExchange, *MemStore, *usecase.PositionManager, *usecase.TrailingStopController) {
	ex := &MockExchange{Price: 50000, Balance: 10000}
	store := &MemStore{}
	manager := usecase.NewPositionManager(ex, store, store, &MockNotifier{}, testLogger())
	controller := usecase.NewTrailingStopController(manager, ex, store,
		domain.DefaultTrailingStopConfig, testLogger())
	return ex, store, manager, controller
}

// holdPosition makes the exchange keep reporting the position so the
// reconcile step does not remove it.
func holdPosition(ex *MockExchange, symbol string, side domain.Side, qty float64) {
	ex.SetPositions([]domain.PositionInfo{{Symbol: symbol, Side: side, Quantity: qty}})
}

func TestStopLadderScenario(t *testing.T) {
	ex, store, manager, controller := setupController()
	ctx := context.Background()

	opened, err := manager.Open(ctx, "BTCUSDT", domain.SideLong, 50000, 1.0, 5, 2.0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !floatEquals(opened.StopLossPrice, 49000) {
		t.Fatalf("initial stop = %f, want 49000", opened.StopLossPrice)
	}
	holdPosition(ex, "BTCUSDT", domain.SideLong, 1.0)

	// +2.6% profit: level 1, breakeven.
	ex.SetPrice(51300)
	controller.Tick(ctx)
	pos, _ := manager.Get("BTCUSDT")
	if pos.CurrentStopLevel != 1 {
		t.Fatalf("level = %d, want 1", pos.CurrentStopLevel)
	}
	if !floatEquals(pos.StopLossPrice, 50000) {
		t.Errorf("stop = %f, want 50000 (breakeven)", pos.StopLossPrice)
	}
	if pos.TrailingActive {
		t.Error("trailing must not be active at level 1")
	}

	// +11% profit: jumps straight to level 3, locks 5%, arms trailing.
	ex.SetPrice(55500)
	controller.Tick(ctx)
	pos, _ = manager.Get("BTCUSDT")
	if pos.CurrentStopLevel != 3 {
		t.Fatalf("level = %d, want 3", pos.CurrentStopLevel)
	}
	if !floatEquals(pos.StopLossPrice, 52500) {
		t.Errorf("stop = %f, want 52500 (entry*1.05)", pos.StopLossPrice)
	}
	if !pos.TrailingActive {
		t.Fatal("trailing must be active at level 3")
	}

	// Peak at 56000: trailing pulls the stop to 3% behind the extreme.
	ex.SetPrice(56000)
	controller.Tick(ctx)
	pos, _ = manager.Get("BTCUSDT")
	if !floatEquals(pos.StopLossPrice, 54320) {
		t.Errorf("stop = %f, want 54320 (56000*0.97)", pos.StopLossPrice)
	}

	// Price falls back: the extreme holds, the stop never loosens.
	ex.SetPrice(54320)
	controller.Tick(ctx)
	pos, _ = manager.Get("BTCUSDT")
	if !floatEquals(pos.StopLossPrice, 54320) {
		t.Errorf("stop = %f, want unchanged 54320", pos.StopLossPrice)
	}
	if pos.CurrentStopLevel != 3 {
		t.Errorf("level = %d, want 3", pos.CurrentStopLevel)
	}

	// Audit trail: level 0->1, 1->3, one trailing adjustment.
	if len(store.StopLogs) != 3 {
		t.Fatalf("stop logs = %d, want 3", len(store.StopLogs))
	}
	if store.StopLogs[0].NewLevel != 1 || store.StopLogs[1].NewLevel != 3 {
		t.Errorf("level transitions logged wrong: %+v", store.StopLogs[:2])
	}
	if store.StopLogs[2].Reason != "TRAILING" {
		t.Errorf("third log reason = %s, want TRAILING", store.StopLogs[2].Reason)
	}
}

func TestShortPositionLadder(t *testing.T) {
	ex, _, manager, controller := setupController()
	ctx := context.Background()

	opened, err := manager.Open(ctx, "ETHUSDT", domain.SideShort, 50000, 1.0, 5, 2.0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !floatEquals(opened.StopLossPrice, 51000) {
		t.Fatalf("initial stop = %f, want 51000", opened.StopLossPrice)
	}
	holdPosition(ex, "ETHUSDT", domain.SideShort, 1.0)

	// -6% price move is +6% profit for a SHORT: level 2, lock 3%.
	ex.SetPrice(47000)
	controller.Tick(ctx)
	pos, _ := manager.Get("ETHUSDT")
	if pos.CurrentStopLevel != 2 {
		t.Fatalf("level = %d, want 2", pos.CurrentStopLevel)
	}
	if !floatEquals(pos.StopLossPrice, 48500) {
		t.Errorf("stop = %f, want 48500 (entry*0.97)", pos.StopLossPrice)
	}
}

func TestLevelsNeverMoveBackward(t *testing.T) {
	ex, _, manager, controller := setupController()
	ctx := context.Background()

	if _, err := manager.Open(ctx, "BTCUSDT", domain.SideLong, 50000, 1.0, 5, 2.0); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	holdPosition(ex, "BTCUSDT", domain.SideLong, 1.0)

	ex.SetPrice(53000) // +6%: level 2
	controller.Tick(ctx)
	pos, _ := manager.Get("BTCUSDT")
	if pos.CurrentStopLevel != 2 {
		t.Fatalf("level = %d, want 2", pos.CurrentStopLevel)
	}

	ex.SetPrice(51400) // profit back in the level-1 band
	controller.Tick(ctx)
	pos, _ = manager.Get("BTCUSDT")
	if pos.CurrentStopLevel != 2 {
		t.Errorf("level = %d, want 2 (levels are forward-only)", pos.CurrentStopLevel)
	}
	if !floatEquals(pos.StopLossPrice, 51500) {
		t.Errorf("stop = %f, want unchanged 51500", pos.StopLossPrice)
	}
}

func TestTickReconcilesVanishedPosition(t *testing.T) {
	ex, store, manager, controller := setupController()
	ctx := context.Background()

	if _, err := manager.Open(ctx, "BTCUSDT", domain.SideLong, 50000, 1.0, 5, 2.0); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	stopOrders := len(ex.StopOrders)

	// Stop filled on the exchange; position vanished.
	ex.SetPositions(nil)
	ex.SetPrice(48000)
	controller.Tick(ctx)

	if manager.Has("BTCUSDT") {
		t.Error("vanished position still tracked")
	}
	if len(ex.StopOrders) != stopOrders {
		t.Error("tick placed orders for a vanished position")
	}
	closed := storeClosed(store)
	if len(closed) != 1 || closed[0].CloseReason != domain.CloseReasonExchangeSync {
		t.Errorf("expected one EXCHANGE_SYNC close, got %+v", closed)
	}
}
