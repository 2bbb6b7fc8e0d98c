package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

const (
	BinanceBaseURL    = "https://fapi.binance.com"
	BinanceTestnetURL = "https://testnet.binancefuture.com"
)

// BinanceAdapter talks to the Binance USDT-M futures REST API. Every
// signed call carries an HMAC-SHA256 signature over the canonical query
// string plus a millisecond timestamp.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	log       *zap.Logger

	mu        sync.Mutex
	precision map[string]domain.SymbolPrecision
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL string, log *zap.Logger) *BinanceAdapter {
	if baseURL == "" {
		baseURL = BinanceBaseURL
	}
	return &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		precision: make(map[string]domain.SymbolPrecision),
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) Initialize(ctx context.Context) error {
	// Warm the precision cache; a failure here is not fatal, symbols
	// are fetched lazily on first use.
	if err := b.loadExchangeInfo(ctx); err != nil {
		b.log.Warn("Failed to preload exchange info", zap.Error(err))
	}
	return nil
}

func (b *BinanceAdapter) Close() error { return nil }

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceAdapter) sendRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", b.sign(params.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr binanceError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return body, fmt.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return body, fmt.Errorf("binance http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (b *BinanceAdapter) loadExchangeInfo(ctx context.Context) error {
	resp, err := b.sendRequest(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return err
	}

	var result struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range result.Symbols {
		prec := domain.SymbolPrecision{
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			TickSize:          "0.00000001",
			StepSize:          "0.00000001",
			MinQty:            "0.001",
			MinNotional:       "5",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				prec.TickSize = f.TickSize
			case "LOT_SIZE":
				prec.StepSize = f.StepSize
				prec.MinQty = f.MinQty
			case "MIN_NOTIONAL":
				prec.MinNotional = f.Notional
			}
		}
		b.precision[s.Symbol] = prec
	}
	return nil
}

func (b *BinanceAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	b.mu.Lock()
	prec, ok := b.precision[symbol]
	b.mu.Unlock()
	if ok {
		return prec, nil
	}

	if err := b.loadExchangeInfo(ctx); err != nil {
		return domain.SymbolPrecision{}, fmt.Errorf("load exchange info: %w", err)
	}

	b.mu.Lock()
	prec, ok = b.precision[symbol]
	b.mu.Unlock()
	if !ok {
		return domain.SymbolPrecision{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return prec, nil
}

func (b *BinanceAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	resp, err := b.sendRequest(ctx, "GET", "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.Price, 64)
}

func (b *BinanceAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := b.sendRequest(ctx, "GET", "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Format: [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, err
	}

	klines := make([]domain.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var openTime, closeTime int64
		var open, high, low, closePrice, volume string
		json.Unmarshal(row[0], &openTime)
		json.Unmarshal(row[1], &open)
		json.Unmarshal(row[2], &high)
		json.Unmarshal(row[3], &low)
		json.Unmarshal(row[4], &closePrice)
		json.Unmarshal(row[5], &volume)
		json.Unmarshal(row[6], &closeTime)

		k := domain.Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  openTime,
			CloseTime: closeTime,
			Closed:    true,
		}
		k.Open, _ = strconv.ParseFloat(open, 64)
		k.High, _ = strconv.ParseFloat(high, 64)
		k.Low, _ = strconv.ParseFloat(low, 64)
		k.Close, _ = strconv.ParseFloat(closePrice, 64)
		k.Volume, _ = strconv.ParseFloat(volume, 64)
		klines = append(klines, k)
	}
	return klines, nil
}

func (b *BinanceAdapter) GetAvailableBalance(ctx context.Context) (float64, error) {
	resp, err := b.sendRequest(ctx, "GET", "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, err
	}

	var result []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}

	for _, item := range result {
		if item.Asset == "USDT" {
			return strconv.ParseFloat(item.AvailableBalance, 64)
		}
	}
	return 0, nil
}

func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]domain.PositionInfo, error) {
	resp, err := b.sendRequest(ctx, "GET", "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var result []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}

	var positions []domain.PositionInfo
	for _, p := range result {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := domain.SideLong
		qty := amt
		if amt < 0 {
			side = domain.SideShort
			qty = -amt
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		lev, _ := strconv.Atoi(p.Leverage)

		positions = append(positions, domain.PositionInfo{
			Symbol:           p.Symbol,
			Side:             side,
			EntryPrice:       entry,
			Quantity:         qty,
			Leverage:         lev,
			UnrealizedPnL:    pnl,
			LiquidationPrice: liq,
		})
	}
	return positions, nil
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := b.sendRequest(ctx, "POST", "/fapi/v1/leverage", params, true)
	return err
}

func (b *BinanceAdapter) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	_, err := b.sendRequest(ctx, "POST", "/fapi/v1/marginType", params, true)
	// Rejected when the symbol is already in the requested mode.
	if err != nil && strings.Contains(err.Error(), "No need to change margin type") {
		return nil
	}
	return err
}

func (b *BinanceAdapter) parseOrderResult(body []byte) (*domain.OrderResult, error) {
	var result struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Type        string `json:"type"`
		Status      string `json:"status"`
		OrigQty     string `json:"origQty"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		CumQuote    string `json:"cumQuote"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	order := &domain.OrderResult{
		OrderID: strconv.FormatInt(result.OrderID, 10),
		Symbol:  result.Symbol,
		Side:    result.Side,
		Type:    result.Type,
		Status:  result.Status,
	}
	order.Quantity, _ = strconv.ParseFloat(result.OrigQty, 64)
	order.ExecutedQty, _ = strconv.ParseFloat(result.ExecutedQty, 64)
	order.AvgPrice, _ = strconv.ParseFloat(result.AvgPrice, 64)
	order.CumQuote, _ = strconv.ParseFloat(result.CumQuote, 64)
	order.Price, _ = strconv.ParseFloat(result.Price, 64)
	return order, nil
}

func (b *BinanceAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side string, quantity float64, reduceOnly bool) (*domain.OrderResult, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}

	formattedQty := FormatQuantity(quantity, prec)
	qtyDec, _ := decimal.NewFromString(formattedQty)
	if !qtyDec.IsPositive() {
		return nil, fmt.Errorf("invalid quantity after rounding: %f -> %s", quantity, formattedQty)
	}

	// Entries are checked against the exchange minimums before anything
	// is sent. Reduce-only closes are exempt: the remainder of a
	// position may sit under min notional and still has to be closed.
	if !reduceOnly {
		price, err := b.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("fetch price for order validation: %w", err)
		}
		if !validateOrderSize(qtyDec, price, prec) {
			return nil, fmt.Errorf("order size %s below exchange minimums (min_qty=%s, min_notional=%s)",
				formattedQty, prec.MinQty, prec.MinNotional)
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", formattedQty)
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	b.log.Info("Placing market order",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", formattedQty),
		zap.Bool("reduce_only", reduceOnly))

	resp, err := b.sendRequest(ctx, "POST", "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	return b.parseOrderResult(resp)
}

func (b *BinanceAdapter) PlaceStopOrder(ctx context.Context, symbol string, side string, quantity float64, stopPrice float64, closePosition bool) (*domain.OrderResult, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}

	formattedPrice := FormatPrice(stopPrice, prec)
	priceDec, _ := decimal.NewFromString(formattedPrice)
	if !priceDec.IsPositive() {
		return nil, fmt.Errorf("invalid stop price after rounding: %f -> %s (tick=%s)", stopPrice, formattedPrice, prec.TickSize)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", formattedPrice)
	params.Set("timeInForce", "GTE_GTC")

	if closePosition {
		params.Set("closePosition", "true")
	} else {
		formattedQty := FormatQuantity(quantity, prec)
		qtyDec, _ := decimal.NewFromString(formattedQty)
		if !validateOrderSize(qtyDec, stopPrice, prec) {
			return nil, fmt.Errorf("stop order size %s below exchange minimums (min_qty=%s, min_notional=%s)",
				formattedQty, prec.MinQty, prec.MinNotional)
		}
		params.Set("quantity", formattedQty)
		params.Set("reduceOnly", "true")
	}

	b.log.Info("Placing stop order",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("stop_price", formattedPrice))

	resp, err := b.sendRequest(ctx, "POST", "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	return b.parseOrderResult(resp)
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := b.sendRequest(ctx, "DELETE", "/fapi/v1/order", params, true)
	return err
}

func (b *BinanceAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := b.sendRequest(ctx, "DELETE", "/fapi/v1/allOpenOrders", params, true)
	return err
}

func (b *BinanceAdapter) CalculateOrderQuantity(ctx context.Context, symbol string, leverage int, positionPercent float64) (float64, error) {
	prec, err := b.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return 0, err
	}

	balance, err := b.GetAvailableBalance(ctx)
	if err != nil {
		return 0, err
	}

	price, err := b.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("invalid current price for %s: %f", symbol, price)
	}

	availableFunds := balance * positionPercent / 100
	quantity := availableFunds * float64(leverage) / price

	rounded := RoundStep(quantity, prec.StepSize)
	if !validateOrderSize(rounded, price, prec) {
		b.log.Warn("Calculated quantity below exchange minimums",
			zap.String("symbol", symbol),
			zap.String("quantity", rounded.String()),
			zap.String("min_qty", prec.MinQty),
			zap.String("min_notional", prec.MinNotional))
		return 0, nil
	}

	qty, _ := rounded.Float64()
	return qty, nil
}
