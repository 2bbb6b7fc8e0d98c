package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitos/futures_ema_bot/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
exchange:
  name: binance
  api_key: key
  api_secret: secret
`)

	cfg, loader, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, 6, cfg.Strategy.FastPeriod)
	require.Equal(t, 51, cfg.Strategy.SlowPeriod)
	require.Equal(t, 20, cfg.Strategy.CrossLookback)
	require.Equal(t, 7.0, cfg.Strategy.AmplitudeThreshold)
	require.Equal(t, "bot.db", cfg.Database.Path)
	require.Equal(t, 8080, cfg.Server.Port)

	trailing := loader.TrailingStop()
	require.Equal(t, 2.5, trailing.Level1.ProfitMin)
	require.Equal(t, 3.0, trailing.Level2.LockProfit)
	require.True(t, trailing.Level3.TrailingEnabled)
	require.Equal(t, 3.0, trailing.Level3.TrailingPercent)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
exchange:
  name: hyperliquid
  private_key: deadbeef
  testnet: true
strategy:
  fast_period: 9
  slow_period: 26
trailing_stop:
  level_1:
    profit_min: 1.5
    profit_max: 4.0
    lock_profit: 0.5
`)

	cfg, loader, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "hyperliquid", cfg.Exchange.Name)
	require.True(t, cfg.Exchange.Testnet)
	require.Equal(t, 9, cfg.Strategy.FastPeriod)
	require.Equal(t, 26, cfg.Strategy.SlowPeriod)

	trailing := loader.TrailingStop()
	require.Equal(t, 1.5, trailing.Level1.ProfitMin)
	require.Equal(t, 0.5, trailing.Level1.LockProfit)
	// Untouched levels keep their defaults.
	require.Equal(t, 10.0, trailing.Level3.ProfitMin)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
