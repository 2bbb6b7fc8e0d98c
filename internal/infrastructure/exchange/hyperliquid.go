package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

const (
	HyperliquidBaseURL    = "https://api.hyperliquid.xyz"
	HyperliquidTestnetURL = "https://api.hyperliquid-testnet.xyz"
)

// HyperliquidAdapter talks to the Hyperliquid L1 exchange. Instead of
// an API-key HMAC, every mutating call is an action payload signed with
// the wallet's private key as EIP-712 typed data.
type HyperliquidAdapter struct {
	privateKey *ecdsa.PrivateKey
	address    string
	baseURL    string
	testnet    bool
	client     *http.Client
	log        *zap.Logger

	mu         sync.Mutex
	universe   []string                  // coin name by asset index
	assetInfo  map[string]hlAssetInfo    // coin -> meta
	precCache  map[string]domain.SymbolPrecision
}

type hlAssetInfo struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

func NewHyperliquidAdapter(privateKeyHex, baseURL string, testnet bool, log *zap.Logger) (*HyperliquidAdapter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse hyperliquid private key: %w", err)
	}
	if baseURL == "" {
		baseURL = HyperliquidBaseURL
		if testnet {
			baseURL = HyperliquidTestnetURL
		}
	}
	return &HyperliquidAdapter{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		baseURL:    baseURL,
		testnet:    testnet,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log,
		assetInfo:  make(map[string]hlAssetInfo),
		precCache:  make(map[string]domain.SymbolPrecision),
	}, nil
}

func (h *HyperliquidAdapter) Name() string { return "hyperliquid" }

func (h *HyperliquidAdapter) Initialize(ctx context.Context) error {
	h.log.Info("Hyperliquid wallet", zap.String("address", h.address))
	return h.loadMeta(ctx)
}

func (h *HyperliquidAdapter) Close() error { return nil }

// coinName strips the USDT suffix the rest of the system carries:
// BTCUSDT -> BTC.
func coinName(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}

func (h *HyperliquidAdapter) postInfo(ctx context.Context, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hyperliquid info error %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func (h *HyperliquidAdapter) loadMeta(ctx context.Context) error {
	var meta struct {
		Universe []hlAssetInfo `json:"universe"`
	}
	if err := h.postInfo(ctx, map[string]string{"type": "meta"}, &meta); err != nil {
		return fmt.Errorf("load meta: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.universe = h.universe[:0]
	for _, asset := range meta.Universe {
		h.universe = append(h.universe, asset.Name)
		h.assetInfo[asset.Name] = asset
	}
	h.log.Info("Loaded hyperliquid universe", zap.Int("assets", len(h.universe)))
	return nil
}

func (h *HyperliquidAdapter) assetIndex(symbol string) (int, error) {
	coin := coinName(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, name := range h.universe {
		if name == coin {
			return i, nil
		}
	}
	return 0, fmt.Errorf("asset %s not in hyperliquid universe", coin)
}

// signAction produces the EIP-712 signature Hyperliquid expects over
// {hyperliquidChain, action-json, nonce}.
func (h *HyperliquidAdapter) signAction(action interface{}, nonce int64) (r, s string, v byte, err error) {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return "", "", 0, err
	}

	chainID := int64(42161)
	chainName := "Mainnet"
	if h.testnet {
		chainID = 1337
		chainName = "Testnet"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"HyperliquidTransaction:Action": []apitypes.Type{
				{Name: "hyperliquidChain", Type: "string"},
				{Name: "action", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "HyperliquidTransaction:Action",
		Domain: apitypes.TypedDataDomain{
			Name:              "HyperliquidSignTransaction",
			Version:           "1",
			ChainId:           gethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"hyperliquidChain": chainName,
			"action":           string(actionJSON),
			// The typed-data field is uint64; the hasher only accepts
			// integers as HexOrDecimal256 or decimal strings.
			"nonce": gethmath.NewHexOrDecimal256(nonce),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", "", 0, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, h.privateKey)
	if err != nil {
		return "", "", 0, fmt.Errorf("sign action: %w", err)
	}

	r = hexutil.Encode(sig[:32])
	s = hexutil.Encode(sig[32:64])
	v = sig[64] + 27
	return r, s, v, nil
}

func (h *HyperliquidAdapter) postExchange(ctx context.Context, action interface{}, out interface{}) error {
	nonce := time.Now().UnixMilli()
	r, s, v, err := h.signAction(action, nonce)
	if err != nil {
		return err
	}

	request := map[string]interface{}{
		"action": action,
		"nonce":  nonce,
		"signature": map[string]interface{}{
			"r": r,
			"s": s,
			"v": v,
		},
		"vaultAddress": nil,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("hyperliquid exchange error %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func (h *HyperliquidAdapter) GetSymbolPrecision(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	coin := coinName(symbol)

	h.mu.Lock()
	prec, ok := h.precCache[coin]
	h.mu.Unlock()
	if ok {
		return prec, nil
	}

	h.mu.Lock()
	asset, ok := h.assetInfo[coin]
	h.mu.Unlock()
	if !ok {
		if err := h.loadMeta(ctx); err != nil {
			return domain.SymbolPrecision{}, err
		}
		h.mu.Lock()
		asset, ok = h.assetInfo[coin]
		h.mu.Unlock()
		if !ok {
			return domain.SymbolPrecision{}, fmt.Errorf("asset %s not in hyperliquid universe", coin)
		}
	}

	step := decimal.New(1, -int32(asset.SzDecimals)).String()
	prec = domain.SymbolPrecision{
		PricePrecision:    6,
		QuantityPrecision: asset.SzDecimals,
		TickSize:          "0.000001",
		StepSize:          step,
		MinQty:            step,
		MinNotional:       "10",
	}

	h.mu.Lock()
	h.precCache[coin] = prec
	h.mu.Unlock()
	return prec, nil
}

func (h *HyperliquidAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var mids map[string]string
	if err := h.postInfo(ctx, map[string]string{"type": "allMids"}, &mids); err != nil {
		return 0, err
	}
	mid, ok := mids[coinName(symbol)]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", symbol)
	}
	return strconv.ParseFloat(mid, 64)
}

func intervalToMs(interval string) int64 {
	if len(interval) < 2 {
		return 60_000
	}
	value, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil {
		return 60_000
	}
	switch interval[len(interval)-1] {
	case 'm':
		return value * 60_000
	case 'h':
		return value * 3_600_000
	case 'd':
		return value * 86_400_000
	case 'w':
		return value * 7 * 86_400_000
	}
	return 60_000
}

func (h *HyperliquidAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	intervalMs := intervalToMs(interval)
	endTime := time.Now().UnixMilli()
	startTime := endTime - int64(limit)*intervalMs

	var candles []struct {
		T int64  `json:"t"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	payload := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coinName(symbol),
			"interval":  interval,
			"startTime": startTime,
			"endTime":   endTime,
		},
	}
	if err := h.postInfo(ctx, payload, &candles); err != nil {
		return nil, err
	}

	klines := make([]domain.Kline, 0, len(candles))
	for _, c := range candles {
		k := domain.Kline{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  c.T,
			CloseTime: c.T + intervalMs - 1,
			Closed:    true,
		}
		k.Open, _ = strconv.ParseFloat(c.O, 64)
		k.High, _ = strconv.ParseFloat(c.H, 64)
		k.Low, _ = strconv.ParseFloat(c.L, 64)
		k.Close, _ = strconv.ParseFloat(c.C, 64)
		k.Volume, _ = strconv.ParseFloat(c.V, 64)
		klines = append(klines, k)
	}
	return klines, nil
}

// clearinghouseState is shared by balance and position queries.
type hlClearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			UnrealizedPnl string `json:"unrealizedPnl"`
			LiquidationPx string `json:"liquidationPx"`
			Leverage      struct {
				Value int `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (h *HyperliquidAdapter) clearinghouseState(ctx context.Context) (*hlClearinghouseState, error) {
	var state hlClearinghouseState
	payload := map[string]string{"type": "clearinghouseState", "user": h.address}
	if err := h.postInfo(ctx, payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (h *HyperliquidAdapter) GetAvailableBalance(ctx context.Context) (float64, error) {
	state, err := h.clearinghouseState(ctx)
	if err != nil {
		return 0, err
	}
	accountValue, _ := strconv.ParseFloat(state.MarginSummary.AccountValue, 64)
	marginUsed, _ := strconv.ParseFloat(state.MarginSummary.TotalMarginUsed, 64)
	return accountValue - marginUsed, nil
}

func (h *HyperliquidAdapter) GetPositions(ctx context.Context) ([]domain.PositionInfo, error) {
	state, err := h.clearinghouseState(ctx)
	if err != nil {
		return nil, err
	}

	var positions []domain.PositionInfo
	for _, ap := range state.AssetPositions {
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			continue
		}
		side := domain.SideLong
		if szi < 0 {
			side = domain.SideShort
		}
		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		pnl, _ := strconv.ParseFloat(ap.Position.UnrealizedPnl, 64)
		liq, _ := strconv.ParseFloat(ap.Position.LiquidationPx, 64)

		positions = append(positions, domain.PositionInfo{
			Symbol:           ap.Position.Coin + "USDT",
			Side:             side,
			EntryPrice:       entry,
			Quantity:         math.Abs(szi),
			Leverage:         ap.Position.Leverage.Value,
			UnrealizedPnL:    pnl,
			LiquidationPrice: liq,
		})
	}
	return positions, nil
}

func (h *HyperliquidAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	asset, err := h.assetIndex(symbol)
	if err != nil {
		return err
	}
	action := map[string]interface{}{
		"type":     "updateLeverage",
		"asset":    asset,
		"isCross":  false,
		"leverage": leverage,
	}
	var result json.RawMessage
	return h.postExchange(ctx, action, &result)
}

// SetMarginType is a no-op: margin mode rides on the leverage update.
func (h *HyperliquidAdapter) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	return nil
}

type hlOrderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []struct {
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting"`
				Filled *struct {
					Oid   int64  `json:"oid"`
					AvgPx string `json:"avgPx"`
				} `json:"filled"`
				Error string `json:"error"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func (h *HyperliquidAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side string, quantity float64, reduceOnly bool) (*domain.OrderResult, error) {
	asset, err := h.assetIndex(symbol)
	if err != nil {
		return nil, err
	}
	prec, err := h.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}

	formattedQty := FormatQuantity(quantity, prec)
	qtyDec, _ := decimal.NewFromString(formattedQty)
	if !qtyDec.IsPositive() {
		return nil, fmt.Errorf("invalid quantity after rounding: %f -> %s", quantity, formattedQty)
	}

	// No native market orders: an aggressive IOC limit with slippage
	// headroom fills against the book immediately.
	price, err := h.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	isBuy := side == "BUY"
	slippage := 0.01
	limitPrice := price * (1 - slippage)
	if isBuy {
		limitPrice = price * (1 + slippage)
	}

	action := map[string]interface{}{
		"type": "order",
		"orders": []map[string]interface{}{{
			"a": asset,
			"b": isBuy,
			"p": FormatPrice(limitPrice, prec),
			"s": formattedQty,
			"r": reduceOnly,
			"t": map[string]interface{}{
				"limit": map[string]interface{}{"tif": "Ioc"},
			},
		}},
		"grouping": "na",
	}

	h.log.Info("Placing hyperliquid IOC order",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", formattedQty))

	var result hlOrderResponse
	if err := h.postExchange(ctx, action, &result); err != nil {
		return nil, err
	}

	order := &domain.OrderResult{
		Symbol:   symbol,
		Side:     side,
		Type:     "MARKET",
		Status:   "UNKNOWN",
		AvgPrice: price,
	}
	order.Quantity, _ = qtyDec.Float64()

	if result.Status == "ok" && len(result.Response.Data.Statuses) > 0 {
		st := result.Response.Data.Statuses[0]
		switch {
		case st.Error != "":
			return nil, fmt.Errorf("hyperliquid order rejected: %s", st.Error)
		case st.Filled != nil:
			order.OrderID = strconv.FormatInt(st.Filled.Oid, 10)
			order.Status = "FILLED"
			order.ExecutedQty = order.Quantity
			if avg, err := strconv.ParseFloat(st.Filled.AvgPx, 64); err == nil && avg > 0 {
				order.AvgPrice = avg
			}
		case st.Resting != nil:
			order.OrderID = strconv.FormatInt(st.Resting.Oid, 10)
			order.Status = "NEW"
		}
	}
	return order, nil
}

func (h *HyperliquidAdapter) PlaceStopOrder(ctx context.Context, symbol string, side string, quantity float64, stopPrice float64, closePosition bool) (*domain.OrderResult, error) {
	asset, err := h.assetIndex(symbol)
	if err != nil {
		return nil, err
	}
	prec, err := h.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return nil, err
	}

	formattedPrice := FormatPrice(stopPrice, prec)
	priceDec, _ := decimal.NewFromString(formattedPrice)
	if !priceDec.IsPositive() {
		return nil, fmt.Errorf("invalid stop price after rounding: %f -> %s", stopPrice, formattedPrice)
	}

	size := "1000000" // closePosition: oversize, exchange clamps reduce-only to the position
	if !closePosition {
		size = FormatQuantity(quantity, prec)
		sizeDec, _ := decimal.NewFromString(size)
		if !validateOrderSize(sizeDec, stopPrice, prec) {
			return nil, fmt.Errorf("stop order size %s below exchange minimums", size)
		}
	}

	action := map[string]interface{}{
		"type": "order",
		"orders": []map[string]interface{}{{
			"a": asset,
			"b": side == "BUY",
			"p": formattedPrice,
			"s": size,
			"r": true,
			"t": map[string]interface{}{
				"trigger": map[string]interface{}{
					"isMarket":  true,
					"triggerPx": formattedPrice,
					"tpsl":      "sl",
				},
			},
		}},
		"grouping": "na",
	}

	h.log.Info("Placing hyperliquid stop order",
		zap.String("symbol", symbol),
		zap.String("trigger_price", formattedPrice))

	var result hlOrderResponse
	if err := h.postExchange(ctx, action, &result); err != nil {
		return nil, err
	}

	order := &domain.OrderResult{
		Symbol: symbol,
		Side:   side,
		Type:   "STOP_MARKET",
		Status: "UNKNOWN",
	}
	order.Price, _ = priceDec.Float64()

	if result.Status == "ok" && len(result.Response.Data.Statuses) > 0 {
		st := result.Response.Data.Statuses[0]
		switch {
		case st.Error != "":
			return nil, fmt.Errorf("hyperliquid stop order rejected: %s", st.Error)
		case st.Resting != nil:
			order.OrderID = strconv.FormatInt(st.Resting.Oid, 10)
			order.Status = "NEW"
		}
	}
	return order, nil
}

func (h *HyperliquidAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	asset, err := h.assetIndex(symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	action := map[string]interface{}{
		"type": "cancel",
		"cancels": []map[string]interface{}{
			{"a": asset, "o": oid},
		},
	}
	var result json.RawMessage
	return h.postExchange(ctx, action, &result)
}

func (h *HyperliquidAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	var open []struct {
		Coin string `json:"coin"`
		Oid  int64  `json:"oid"`
	}
	payload := map[string]string{"type": "openOrders", "user": h.address}
	if err := h.postInfo(ctx, payload, &open); err != nil {
		return err
	}

	asset, err := h.assetIndex(symbol)
	if err != nil {
		return err
	}
	coin := coinName(symbol)

	var cancels []map[string]interface{}
	for _, o := range open {
		if o.Coin == coin {
			cancels = append(cancels, map[string]interface{}{"a": asset, "o": o.Oid})
		}
	}
	if len(cancels) == 0 {
		return nil
	}

	action := map[string]interface{}{"type": "cancel", "cancels": cancels}
	var result json.RawMessage
	return h.postExchange(ctx, action, &result)
}

func (h *HyperliquidAdapter) CalculateOrderQuantity(ctx context.Context, symbol string, leverage int, positionPercent float64) (float64, error) {
	prec, err := h.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return 0, err
	}
	balance, err := h.GetAvailableBalance(ctx)
	if err != nil {
		return 0, err
	}
	price, err := h.GetCurrentPrice(ctx, symbol)
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
		h.log.Warn("Calculated quantity below exchange minimums",
			zap.String("symbol", symbol),
			zap.String("quantity", rounded.String()))
		return 0, nil
	}

	qty, _ := rounded.Float64()
	return qty, nil
}
