package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/config"
	"github.com/vitos/futures_ema_bot/internal/domain"
)

// NewExchange builds the adapter named in the config. Missing
// credentials are an error here rather than a silent paper-trading
// fallback later.
func NewExchange(cfg config.ExchangeConfig, log *zap.Logger) (domain.Exchange, error) {
	switch strings.ToLower(cfg.Name) {
	case "binance", "":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, fmt.Errorf("binance requires api_key and api_secret")
		}
		return NewBinanceAdapter(cfg.APIKey, cfg.APISecret, cfg.RESTEndpoint, log), nil
	case "hyperliquid":
		if cfg.PrivateKey == "" {
			return nil, fmt.Errorf("hyperliquid requires private_key")
		}
		return NewHyperliquidAdapter(cfg.PrivateKey, cfg.RESTEndpoint, cfg.Testnet, log)
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Name)
	}
}
