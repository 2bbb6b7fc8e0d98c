package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

type ExchangeConfig struct {
	Name         string `mapstructure:"name"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	PrivateKey   string `mapstructure:"private_key"`
	RESTEndpoint string `mapstructure:"rest_endpoint"`
	WSEndpoint   string `mapstructure:"ws_endpoint"`
	Testnet      bool   `mapstructure:"testnet"`
}

type StrategyConfig struct {
	FastPeriod         int     `mapstructure:"fast_period"`
	SlowPeriod         int     `mapstructure:"slow_period"`
	CrossLookback      int     `mapstructure:"cross_lookback"`
	AmplitudeBars      int     `mapstructure:"amplitude_bars"`
	AmplitudeThreshold float64 `mapstructure:"amplitude_threshold"`
	PositionPercent    float64 `mapstructure:"position_percent"`
	WarmupBars         int     `mapstructure:"warmup_bars"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type Config struct {
	Exchange     ExchangeConfig            `mapstructure:"exchange"`
	Strategy     StrategyConfig            `mapstructure:"strategy"`
	TrailingStop domain.TrailingStopConfig `mapstructure:"trailing_stop"`
	Telegram     TelegramConfig            `mapstructure:"telegram"`
	Database     struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Polling struct {
		PairsReloadMs int `mapstructure:"pairs_reload_ms"`
	} `mapstructure:"polling"`
}

// Loader owns the viper instance and serves the latest trailing-stop
// ladder after hot reloads.
type Loader struct {
	v *viper.Viper

	mu       sync.RWMutex
	trailing domain.TrailingStopConfig
}

func Load(path string) (*Config, *Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	loader := &Loader{v: v, trailing: cfg.TrailingStop}
	return &cfg, loader, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.fast_period", 6)
	v.SetDefault("strategy.slow_period", 51)
	v.SetDefault("strategy.cross_lookback", 20)
	v.SetDefault("strategy.amplitude_bars", 200)
	v.SetDefault("strategy.amplitude_threshold", 7.0)
	v.SetDefault("strategy.position_percent", 10.0)
	v.SetDefault("strategy.warmup_bars", 60)

	def := domain.DefaultTrailingStopConfig()
	v.SetDefault("trailing_stop.level_1.profit_min", def.Level1.ProfitMin)
	v.SetDefault("trailing_stop.level_1.profit_max", def.Level1.ProfitMax)
	v.SetDefault("trailing_stop.level_1.lock_profit", def.Level1.LockProfit)
	v.SetDefault("trailing_stop.level_2.profit_min", def.Level2.ProfitMin)
	v.SetDefault("trailing_stop.level_2.profit_max", def.Level2.ProfitMax)
	v.SetDefault("trailing_stop.level_2.lock_profit", def.Level2.LockProfit)
	v.SetDefault("trailing_stop.level_3.profit_min", def.Level3.ProfitMin)
	v.SetDefault("trailing_stop.level_3.lock_profit", def.Level3.LockProfit)
	v.SetDefault("trailing_stop.level_3.trailing_enabled", def.Level3.TrailingEnabled)
	v.SetDefault("trailing_stop.level_3.trailing_percent", def.Level3.TrailingPercent)

	v.SetDefault("database.path", "bot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("polling.pairs_reload_ms", 30000)
}

// Watch re-reads the config file on change and refreshes the trailing
// ladder. Invalid reloads keep the previous values. onReload may be nil.
func (l *Loader) Watch(onReload func(domain.TrailingStopConfig)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			return
		}
		l.mu.Lock()
		l.trailing = cfg.TrailingStop
		l.mu.Unlock()
		if onReload != nil {
			onReload(cfg.TrailingStop)
		}
	})
	l.v.WatchConfig()
}

// TrailingStop returns the latest ladder, reflecting hot reloads.
func (l *Loader) TrailingStop() domain.TrailingStopConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trailing
}
