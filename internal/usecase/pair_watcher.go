package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

type PairEventType string

const (
	PairAdded   PairEventType = "ADDED"
	PairRemoved PairEventType = "REMOVED"
	PairUpdated PairEventType = "UPDATED"
)

type PairEvent struct {
	Type PairEventType
	Pair domain.TradingPair
}

// PairWatcher polls the trading-pair store and turns row changes into
// add/remove/update events. Pairs are edited outside the process (the
// config API, the channel listener), so polling the shared store is the
// only coupling between them and the engine.
type PairWatcher struct {
	repo      domain.TradingPairRepository
	log       *zap.Logger
	interval  time.Duration
	listeners []func(PairEvent)

	mu    sync.Mutex
	known map[string]domain.TradingPair
}

func NewPairWatcher(repo domain.TradingPairRepository, interval time.Duration, log *zap.Logger) *PairWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PairWatcher{
		repo:     repo,
		log:      log,
		interval: interval,
		known:    make(map[string]domain.TradingPair),
	}
}

// AddListener registers a subscriber. Call before Run; the listener
// list is not guarded afterwards.
func (w *PairWatcher) AddListener(fn func(PairEvent)) {
	w.listeners = append(w.listeners, fn)
}

// Active returns the last observed active pair for the symbol. Called
// from the kline goroutine while Refresh runs on the poll goroutine.
func (w *PairWatcher) Active(symbol string) (domain.TradingPair, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pair, ok := w.known[symbol]
	return pair, ok
}

// Run polls until the context is cancelled. The first poll fires an
// ADDED event for every active pair, seeding subscribers.
func (w *PairWatcher) Run(ctx context.Context) {
	w.Refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Refresh(ctx)
		}
	}
}

// Refresh performs one poll-and-diff pass.
func (w *PairWatcher) Refresh(ctx context.Context) {
	pairs, err := w.repo.ListTradingPairs(ctx)
	if err != nil {
		w.log.Error("Failed to list trading pairs", zap.Error(err))
		return
	}

	// Diff under the lock, deliver outside it: listeners may call back
	// into Active.
	w.mu.Lock()
	var events []PairEvent
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if !pair.Active {
			continue
		}
		seen[pair.Symbol] = true

		prev, ok := w.known[pair.Symbol]
		if !ok {
			w.known[pair.Symbol] = *pair
			events = append(events, PairEvent{Type: PairAdded, Pair: *pair})
		} else if prev.UpdatedAt != pair.UpdatedAt {
			w.known[pair.Symbol] = *pair
			events = append(events, PairEvent{Type: PairUpdated, Pair: *pair})
		}
	}

	// Deactivated or deleted rows both read as removal.
	for symbol, pair := range w.known {
		if !seen[symbol] {
			delete(w.known, symbol)
			events = append(events, PairEvent{Type: PairRemoved, Pair: pair})
		}
	}
	w.mu.Unlock()

	for _, event := range events {
		w.emit(event)
	}
}

// emit delivers to every listener; a panicking listener must not block
// delivery to the rest.
func (w *PairWatcher) emit(event PairEvent) {
	for _, fn := range w.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Error("Pair listener panicked",
						zap.String("symbol", event.Pair.Symbol),
						zap.Any("panic", r))
				}
			}()
			fn(event)
		}()
	}
}
