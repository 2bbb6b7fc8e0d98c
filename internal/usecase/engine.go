package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

const (
	barCacheSize = 300

	// amplitudeFetchBars is how much history the amplitude pass pulls
	// over REST for each pair.
	amplitudeFetchBars = 200
)

// barCache is a bounded per-symbol series of closed bars.
type barCache struct {
	bars []domain.Kline
}

func (c *barCache) append(k domain.Kline) {
	c.bars = append(c.bars, k)
	if len(c.bars) > barCacheSize {
		c.bars = c.bars[len(c.bars)-barCacheSize:]
	}
}

// EngineConfig is the strategy tuning the engine runs with.
type EngineConfig struct {
	PositionPercent    float64
	WarmupBars         int
	AmplitudeBars      int
	AmplitudeThreshold float64
}

// Engine connects the pieces: it subscribes the kline stream to the
// active pair set, feeds closed bars through the detector, and turns
// signals into position-manager calls. One goroutine delivers klines,
// so the bar caches need no locking beyond the snapshot mutex used by
// the amplitude loop.
type Engine struct {
	exchange domain.Exchange
	stream   domain.KlineStream
	strategy *EMAStrategy
	manager  *PositionManager
	pairs    *PairWatcher
	pairRepo domain.TradingPairRepository
	notifier domain.Notifier
	log      *zap.Logger
	cfg      EngineConfig

	mu     sync.Mutex
	caches map[string]*barCache
}

func NewEngine(ex domain.Exchange, stream domain.KlineStream, strategy *EMAStrategy, manager *PositionManager, pairs *PairWatcher, pairRepo domain.TradingPairRepository, notifier domain.Notifier, cfg EngineConfig, log *zap.Logger) *Engine {
	if cfg.WarmupBars <= 0 {
		cfg.WarmupBars = 60
	}
	e := &Engine{
		exchange: ex,
		stream:   stream,
		strategy: strategy,
		manager:  manager,
		pairs:    pairs,
		pairRepo: pairRepo,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		caches:   make(map[string]*barCache),
	}
	stream.AddListener(e.onKline)
	pairs.AddListener(e.onPairEvent)
	return e
}

func (e *Engine) onPairEvent(event PairEvent) {
	switch event.Type {
	case PairAdded:
		e.watchPair(event.Pair)
	case PairRemoved:
		e.log.Info("Pair removed", zap.String("symbol", event.Pair.Symbol))
		if err := e.stream.Unsubscribe(event.Pair.Symbol); err != nil {
			e.log.Error("Failed to unsubscribe", zap.String("symbol", event.Pair.Symbol), zap.Error(err))
		}
		e.mu.Lock()
		delete(e.caches, event.Pair.Symbol)
		e.mu.Unlock()
	case PairUpdated:
		// Leverage and stop percent are read at open time; only an
		// interval change needs a resubscribe.
		e.log.Info("Pair updated", zap.String("symbol", event.Pair.Symbol))
		if err := e.stream.Unsubscribe(event.Pair.Symbol); err == nil {
			e.watchPair(event.Pair)
		}
	}
}

// watchPair preloads recent history so the detector does not wait for
// MinBars live bars after every subscription.
func (e *Engine) watchPair(pair domain.TradingPair) {
	e.log.Info("Watching pair",
		zap.String("symbol", pair.Symbol),
		zap.String("interval", pair.StrategyInterval),
		zap.Int("leverage", pair.Leverage))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cache := &barCache{}
	bars, err := e.exchange.GetKlines(ctx, pair.Symbol, pair.StrategyInterval, barCacheSize)
	if err != nil {
		e.log.Error("Failed to preload klines",
			zap.String("symbol", pair.Symbol), zap.Error(err))
	} else {
		for _, b := range bars {
			if b.Closed {
				cache.append(b)
			}
		}
	}

	e.mu.Lock()
	e.caches[pair.Symbol] = cache
	e.mu.Unlock()

	if err := e.stream.Subscribe(pair.Symbol, pair.StrategyInterval); err != nil {
		e.log.Error("Failed to subscribe",
			zap.String("symbol", pair.Symbol), zap.Error(err))
	}
}

func (e *Engine) onKline(k domain.Kline) {
	if !k.Closed {
		return
	}

	e.mu.Lock()
	cache, ok := e.caches[k.Symbol]
	if ok {
		// Replace the preloaded bar when the stream re-delivers it.
		if n := len(cache.bars); n > 0 && cache.bars[n-1].OpenTime == k.OpenTime {
			cache.bars[n-1] = k
		} else {
			cache.append(k)
		}
	}
	var bars []domain.Kline
	if ok {
		bars = append(bars, cache.bars...)
	}
	e.mu.Unlock()

	if !ok || len(bars) < e.cfg.WarmupBars {
		return
	}

	pair, active := e.pairs.Active(k.Symbol)
	if !active || pair.AmplitudeDisabled {
		return
	}

	signal := e.strategy.Analyze(k.Symbol, bars)
	if signal.Type == domain.SignalNone {
		return
	}

	e.log.Info("Signal detected",
		zap.String("symbol", k.Symbol),
		zap.String("type", string(signal.Type)),
		zap.Float64("price", signal.Price),
		zap.Int("crosses", signal.CrossCount))

	e.act(signal, pair)
}

// act turns a signal into orders. A same-side open position absorbs
// the signal; an opposite one is closed first, then re-entered.
func (e *Engine) act(signal domain.Signal, pair domain.TradingPair) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	side := domain.SideLong
	if signal.Type == domain.SignalShort {
		side = domain.SideShort
	}

	if pos, ok := e.manager.Get(signal.Symbol); ok {
		if pos.Side == side {
			e.log.Info("Signal matches open position, skipping",
				zap.String("symbol", signal.Symbol))
			return
		}
		if err := e.manager.Close(ctx, signal.Symbol, domain.CloseReasonSignal); err != nil {
			e.log.Error("Failed to close on opposite signal",
				zap.String("symbol", signal.Symbol), zap.Error(err))
			return
		}
	}

	quantity, err := e.exchange.CalculateOrderQuantity(ctx, signal.Symbol, pair.Leverage, e.cfg.PositionPercent)
	if err != nil {
		e.log.Error("Failed to size order",
			zap.String("symbol", signal.Symbol), zap.Error(err))
		return
	}
	if quantity <= 0 {
		e.log.Warn("Order size below exchange minimums, skipping signal",
			zap.String("symbol", signal.Symbol))
		return
	}

	if _, err := e.manager.Open(ctx, signal.Symbol, side, signal.Price, quantity, pair.Leverage, pair.StopLossPercent); err != nil {
		e.log.Error("Failed to open position",
			zap.String("symbol", signal.Symbol), zap.Error(err))
	}
}

// RunAmplitudeChecker periodically disables pairs whose recent range is
// too small to cover fees and slippage.
func (e *Engine) RunAmplitudeChecker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckAmplitudes(ctx)
		}
	}
}

// CheckAmplitudes runs one pass over the active pairs. The range is
// measured on fresh REST klines rather than the stream caches, so a
// stalled stream cannot mask a dead market. Disabling is one-way: a
// disabled pair stays disabled until an operator re-enables it.
func (e *Engine) CheckAmplitudes(ctx context.Context) {
	pairs, err := e.pairRepo.ListTradingPairs(ctx)
	if err != nil {
		e.log.Error("Failed to list pairs for amplitude check", zap.Error(err))
		return
	}

	for _, pair := range pairs {
		if !pair.Active || pair.AmplitudeDisabled {
			continue
		}

		bars, err := e.exchange.GetKlines(ctx, pair.Symbol, pair.StrategyInterval, amplitudeFetchBars)
		if err != nil {
			e.log.Error("Failed to fetch klines for amplitude check",
				zap.String("symbol", pair.Symbol), zap.Error(err))
			continue
		}
		if len(bars) == 0 {
			continue
		}

		amplitude := CalculateAmplitude(bars, e.cfg.AmplitudeBars)
		if amplitude >= e.cfg.AmplitudeThreshold {
			continue
		}

		pair.AmplitudeDisabled = true
		if err := e.pairRepo.UpdateTradingPair(ctx, pair); err != nil {
			e.log.Error("Failed to update amplitude flag",
				zap.String("symbol", pair.Symbol), zap.Error(err))
			continue
		}
		if err := e.stream.Unsubscribe(pair.Symbol); err != nil {
			e.log.Error("Failed to unsubscribe low-amplitude pair",
				zap.String("symbol", pair.Symbol), zap.Error(err))
		}
		e.log.Info("Pair disabled by amplitude",
			zap.String("symbol", pair.Symbol),
			zap.Float64("amplitude", amplitude),
			zap.Float64("threshold", e.cfg.AmplitudeThreshold))
		if e.notifier != nil {
			e.notifier.Send(fmt.Sprintf("⏸ %s disabled: amplitude %.2f%% below %.2f%% over the last %d bars",
				pair.Symbol, amplitude, e.cfg.AmplitudeThreshold, e.cfg.AmplitudeBars))
		}
	}
}
