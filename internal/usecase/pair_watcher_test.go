package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/vitos/futures_ema_bot/internal/domain"
	"github.com/vitos/futures_ema_bot/internal/usecase"
)

func TestPairWatcherDiffing(t *testing.T) {
	store := &MemStore{}
	watcher := usecase.NewPairWatcher(store, time.Minute, testLogger())

	var events []usecase.PairEvent
	watcher.AddListener(func(e usecase.PairEvent) { events = append(events, e) })

	ctx := context.Background()
	now := time.Now()

	store.Pairs = []*domain.TradingPair{
		{Symbol: "BTCUSDT", Active: true, UpdatedAt: now},
		{Symbol: "ETHUSDT", Active: true, UpdatedAt: now},
		{Symbol: "XRPUSDT", Active: false, UpdatedAt: now},
	}

	// First pass seeds: two active pairs, the inactive one is ignored.
	watcher.Refresh(ctx)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 ADDED", len(events))
	}
	for _, e := range events {
		if e.Type != usecase.PairAdded {
			t.Errorf("event type = %s, want ADDED", e.Type)
		}
	}

	// Deactivate one, touch another.
	events = nil
	store.Pairs = []*domain.TradingPair{
		{Symbol: "BTCUSDT", Active: true, UpdatedAt: now.Add(time.Second)},
		{Symbol: "ETHUSDT", Active: false, UpdatedAt: now},
	}
	watcher.Refresh(ctx)

	if len(events) != 2 {
		t.Fatalf("events = %d, want UPDATED + REMOVED", len(events))
	}
	types := map[usecase.PairEventType]string{}
	for _, e := range events {
		types[e.Type] = e.Pair.Symbol
	}
	if types[usecase.PairUpdated] != "BTCUSDT" {
		t.Errorf("updated = %s, want BTCUSDT", types[usecase.PairUpdated])
	}
	if types[usecase.PairRemoved] != "ETHUSDT" {
		t.Errorf("removed = %s, want ETHUSDT", types[usecase.PairRemoved])
	}

	// Unchanged state produces no events.
	events = nil
	watcher.Refresh(ctx)
	if len(events) != 0 {
		t.Errorf("events on unchanged state = %d, want 0", len(events))
	}
}

func TestPairWatcherListenerPanicIsolated(t *testing.T) {
	store := &MemStore{}
	watcher := usecase.NewPairWatcher(store, time.Minute, testLogger())

	var delivered bool
	watcher.AddListener(func(usecase.PairEvent) { panic("boom") })
	watcher.AddListener(func(usecase.PairEvent) { delivered = true })

	store.Pairs = []*domain.TradingPair{{Symbol: "BTCUSDT", Active: true, UpdatedAt: time.Now()}}
	watcher.Refresh(context.Background())

	if !delivered {
		t.Error("panicking listener blocked delivery")
	}
}
