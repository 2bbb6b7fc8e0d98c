package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/config"
	"github.com/vitos/futures_ema_bot/internal/domain"
	"github.com/vitos/futures_ema_bot/internal/infrastructure/exchange"
	"github.com/vitos/futures_ema_bot/internal/infrastructure/logger"
	"github.com/vitos/futures_ema_bot/internal/infrastructure/notify"
	"github.com/vitos/futures_ema_bot/internal/infrastructure/storage"
	"github.com/vitos/futures_ema_bot/internal/usecase"
	"github.com/vitos/futures_ema_bot/internal/web"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 1. Load Config
	cfg, loader, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange
	ex, err := exchange.NewExchange(cfg.Exchange, log)
	if err != nil {
		log.Fatal("Failed to init exchange", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ex.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize exchange", zap.Error(err))
	}
	defer ex.Close()

	// 5. Notifier (disabled when unconfigured, never nil)
	notifier := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, log)

	// 6. Market data session
	session := exchange.NewKlineSession(cfg.Exchange.WSEndpoint, exchange.KlineSessionOptions{}, notifier, log)

	// 7. Core services
	strategy := usecase.NewEMAStrategy(
		cfg.Strategy.FastPeriod,
		cfg.Strategy.SlowPeriod,
		cfg.Strategy.CrossLookback,
	)
	manager := usecase.NewPositionManager(ex, store, store, notifier, log)
	if err := manager.LoadPositions(ctx); err != nil {
		log.Error("Failed to restore positions", zap.Error(err))
	}

	controller := usecase.NewTrailingStopController(manager, ex, store, loader.TrailingStop, log)

	watcher := usecase.NewPairWatcher(store, time.Duration(cfg.Polling.PairsReloadMs)*time.Millisecond, log)

	engine := usecase.NewEngine(ex, session, strategy, manager, watcher, store, notifier, usecase.EngineConfig{
		PositionPercent:    cfg.Strategy.PositionPercent,
		WarmupBars:         cfg.Strategy.WarmupBars,
		AmplitudeBars:      cfg.Strategy.AmplitudeBars,
		AmplitudeThreshold: cfg.Strategy.AmplitudeThreshold,
	}, log)

	// Hot reload of the trailing ladder
	loader.Watch(func(tc domain.TrailingStopConfig) {
		log.Info("Trailing stop config reloaded",
			zap.Float64("level1_min", tc.Level1.ProfitMin),
			zap.Float64("level2_min", tc.Level2.ProfitMin),
			zap.Float64("level3_min", tc.Level3.ProfitMin))
	})

	// 8. Start background loops
	if err := session.Start(ctx); err != nil {
		log.Fatal("Failed to start market data session", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.RunAmplitudeChecker(ctx, time.Hour)
	}()

	// 9. Web server
	server := web.NewServer(cfg.Server.Port, manager, session, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	notifier.Send("🤖 Trading bot started")
	log.Info("Bot started", zap.String("exchange", ex.Name()))

	// 10. Wait for shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	wg.Wait()
	if err := session.Stop(); err != nil {
		log.Error("Failed to stop market data session", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
