package usecase_test

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vitos/futures_ema_bot/internal/domain"
)

// MockExchange is an in-memory exchange with a settable price and
// position list.
type MockExchange struct {
	mu           sync.Mutex
	Price        float64
	Balance      float64
	Positions    []domain.PositionInfo
	Klines       []domain.Kline
	FailStop     bool
	MarketOrders []domain.OrderResult
	StopOrders   []domain.OrderResult
	Cancelled    []string
	nextOrderID  int
}

func (m *MockExchange) Name() string                         { return "mock" }
func (m *MockExchange) Initialize(ctx context.Context) error { return nil }
func (m *MockExchange) Close() error                         { return nil }

func (m *MockExchange) GetSymbolPrecision(ctx context.Context, symbol string) (domain.SymbolPrecision, error) {
	return domain.SymbolPrecision{
		PricePrecision:    2,
		QuantityPrecision: 3,
		TickSize:          "0.01",
		StepSize:          "0.001",
		MinQty:            "0.001",
		MinNotional:       "5",
	}, nil
}

func (m *MockExchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Price, nil
}

func (m *MockExchange) SetPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Price = price
}

func (m *MockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Kline(nil), m.Klines...), nil
}

func (m *MockExchange) GetAvailableBalance(ctx context.Context) (float64, error) {
	return m.Balance, nil
}

func (m *MockExchange) GetPositions(ctx context.Context) ([]domain.PositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PositionInfo(nil), m.Positions...), nil
}

func (m *MockExchange) SetPositions(positions []domain.PositionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions = positions
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *MockExchange) SetMarginType(ctx context.Context, symbol, marginType string) error { return nil }

func (m *MockExchange) orderID() string {
	m.nextOrderID++
	return fmt.Sprintf("order-%d", m.nextOrderID)
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := domain.OrderResult{
		OrderID:     m.orderID(),
		Symbol:      symbol,
		Side:        side,
		Type:        "MARKET",
		Quantity:    quantity,
		Status:      "FILLED",
		ExecutedQty: quantity,
		AvgPrice:    m.Price,
	}
	m.MarketOrders = append(m.MarketOrders, order)
	return &order, nil
}

func (m *MockExchange) PlaceStopOrder(ctx context.Context, symbol, side string, quantity, stopPrice float64, closePosition bool) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStop {
		return nil, fmt.Errorf("stop order rejected")
	}
	order := domain.OrderResult{
		OrderID:  m.orderID(),
		Symbol:   symbol,
		Side:     side,
		Type:     "STOP_MARKET",
		Quantity: quantity,
		Price:    stopPrice,
		Status:   "NEW",
	}
	m.StopOrders = append(m.StopOrders, order)
	return &order, nil
}

func (m *MockExchange) LastStopPrice() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.StopOrders) == 0 {
		return 0
	}
	return m.StopOrders[len(m.StopOrders)-1].Price
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, "ALL:"+symbol)
	return nil
}

func (m *MockExchange) CalculateOrderQuantity(ctx context.Context, symbol string, leverage int, positionPercent float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Price <= 0 {
		return 0, nil
	}
	return m.Balance * positionPercent / 100 * float64(leverage) / m.Price, nil
}

// MemStore implements the repository interfaces in memory.
type MemStore struct {
	mu          sync.Mutex
	positions   []*domain.Position
	TradeLogs   []domain.TradeLog
	StopLogs    []domain.StopLossAdjustment
	Pairs       []*domain.TradingPair
	nextID      int64
	UpdateCalls int
}

func (s *MemStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pos.ID = s.nextID
	stored := *pos
	s.positions = append(s.positions, &stored)
	return nil
}

func (s *MemStore) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls++
	for i, p := range s.positions {
		if p.ID == pos.ID {
			stored := *pos
			s.positions[i] = &stored
			return nil
		}
	}
	return fmt.Errorf("position %d not found", pos.ID)
}

func (s *MemStore) GetOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*domain.Position
	for _, p := range s.positions {
		if p.Status == domain.StatusOpen {
			copied := *p
			open = append(open, &copied)
		}
	}
	return open, nil
}

func (s *MemStore) AllPositions() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

func (s *MemStore) SaveTradeLog(ctx context.Context, log *domain.TradeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TradeLogs = append(s.TradeLogs, *log)
	return nil
}

func (s *MemStore) SaveStopLossAdjustment(ctx context.Context, adj *domain.StopLossAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopLogs = append(s.StopLogs, *adj)
	return nil
}

func (s *MemStore) ListTradingPairs(ctx context.Context) ([]*domain.TradingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.TradingPair(nil), s.Pairs...), nil
}

func (s *MemStore) GetTradingPair(ctx context.Context, symbol string) (*domain.TradingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Pairs {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pair %s not found", symbol)
}

func (s *MemStore) UpdateTradingPair(ctx context.Context, pair *domain.TradingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.Pairs {
		if p.Symbol == pair.Symbol {
			s.Pairs[i] = pair
			return nil
		}
	}
	return fmt.Errorf("pair %s not found", pair.Symbol)
}

// MockStream records subscription traffic; it never connects anywhere.
type MockStream struct {
	mu           sync.Mutex
	Subscribed   []string
	Unsubscribed []string
	listeners    []func(domain.Kline)
}

func (s *MockStream) Subscribe(symbol, interval string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscribed = append(s.Subscribed, symbol)
	return nil
}

func (s *MockStream) Unsubscribe(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unsubscribed = append(s.Unsubscribed, symbol)
	return nil
}

func (s *MockStream) AddListener(fn func(domain.Kline)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MockStream) Start(ctx context.Context) error { return nil }
func (s *MockStream) Stop() error                     { return nil }

func (s *MockStream) UnsubscribedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Unsubscribed...)
}

type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
}

func (n *MockNotifier) Send(message string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, message)
	return true
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
