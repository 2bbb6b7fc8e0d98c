package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/futures_ema_bot/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trading_pairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL UNIQUE,
			leverage INTEGER NOT NULL DEFAULT 5,
			strategy_interval TEXT NOT NULL DEFAULT '15m',
			stop_loss_percent REAL NOT NULL DEFAULT 2.0,
			active BOOLEAN NOT NULL DEFAULT 1,
			amplitude_disabled BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			stop_loss_price REAL NOT NULL DEFAULT 0,
			stop_loss_order_id TEXT NOT NULL DEFAULT '',
			current_stop_level INTEGER NOT NULL DEFAULT 0,
			trailing_active BOOLEAN NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			pnl_percent REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions(symbol, status);`,
		`CREATE TABLE IF NOT EXISTS trade_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stop_loss_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			old_stop_price REAL NOT NULL,
			new_stop_price REAL NOT NULL,
			current_price REAL NOT NULL,
			profit_percent REAL NOT NULL,
			locked_profit_percent REAL NOT NULL,
			old_level INTEGER NOT NULL,
			new_level INTEGER NOT NULL,
			trailing BOOLEAN NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: older databases predate the amplitude flag
	_, _ = s.db.Exec(`ALTER TABLE trading_pairs ADD COLUMN amplitude_disabled BOOLEAN NOT NULL DEFAULT 0`)

	return nil
}

// PositionRepository Implementation

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	query := `INSERT INTO positions (symbol, side, entry_price, quantity, leverage, stop_loss_price, stop_loss_order_id, current_stop_level, trailing_active, status, pnl, pnl_percent, close_reason, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.Leverage,
		pos.StopLossPrice, pos.StopLossOrderID, pos.CurrentStopLevel, pos.TrailingActive,
		pos.Status, pos.PnL, pos.PnLPercent, pos.CloseReason, pos.OpenedAt, nullTime(pos.ClosedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	pos.ID = id
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	query := `UPDATE positions SET stop_loss_price = ?, stop_loss_order_id = ?, current_stop_level = ?, trailing_active = ?, status = ?, pnl = ?, pnl_percent = ?, close_reason = ?, closed_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		pos.StopLossPrice, pos.StopLossOrderID, pos.CurrentStopLevel, pos.TrailingActive,
		pos.Status, pos.PnL, pos.PnLPercent, pos.CloseReason, nullTime(pos.ClosedAt), pos.ID)
	return err
}

func (s *SQLiteStore) GetOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT id, symbol, side, entry_price, quantity, leverage, stop_loss_price, stop_loss_order_id, current_stop_level, trailing_active, status, pnl, pnl_percent, close_reason, opened_at, closed_at FROM positions WHERE status = ?`
	rows, err := s.db.QueryContext(ctx, query, domain.StatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var p domain.Position
		var closedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.Leverage,
			&p.StopLossPrice, &p.StopLossOrderID, &p.CurrentStopLevel, &p.TrailingActive,
			&p.Status, &p.PnL, &p.PnLPercent, &p.CloseReason, &p.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			p.ClosedAt = closedAt.Time
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// TradeLogRepository Implementation

func (s *SQLiteStore) SaveTradeLog(ctx context.Context, log *domain.TradeLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	query := `INSERT INTO trade_logs (symbol, action, price, quantity, order_id, message, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		log.Symbol, log.Action, log.Price, log.Quantity, log.OrderID, log.Message, log.CreatedAt)
	return err
}

// StopLossLogRepository Implementation

func (s *SQLiteStore) SaveStopLossAdjustment(ctx context.Context, adj *domain.StopLossAdjustment) error {
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now()
	}
	query := `INSERT INTO stop_loss_logs (symbol, side, entry_price, old_stop_price, new_stop_price, current_price, profit_percent, locked_profit_percent, old_level, new_level, trailing, reason, detail, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		adj.Symbol, adj.Side, adj.EntryPrice, adj.OldStopPrice, adj.NewStopPrice, adj.CurrentPrice,
		adj.ProfitPercent, adj.LockedProfitPercent, adj.OldLevel, adj.NewLevel, adj.Trailing,
		adj.Reason, adj.Detail, adj.CreatedAt)
	return err
}

// TradingPairRepository Implementation

const tradingPairColumns = `id, symbol, leverage, strategy_interval, stop_loss_percent, active, amplitude_disabled, created_at, updated_at`

func (s *SQLiteStore) ListTradingPairs(ctx context.Context) ([]*domain.TradingPair, error) {
	query := `SELECT ` + tradingPairColumns + ` FROM trading_pairs ORDER BY symbol`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []*domain.TradingPair
	for rows.Next() {
		var p domain.TradingPair
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Leverage, &p.StrategyInterval, &p.StopLossPercent,
			&p.Active, &p.AmplitudeDisabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pairs = append(pairs, &p)
	}
	return pairs, rows.Err()
}

func (s *SQLiteStore) GetTradingPair(ctx context.Context, symbol string) (*domain.TradingPair, error) {
	query := `SELECT ` + tradingPairColumns + ` FROM trading_pairs WHERE symbol = ?`
	row := s.db.QueryRowContext(ctx, query, symbol)

	var p domain.TradingPair
	err := row.Scan(&p.ID, &p.Symbol, &p.Leverage, &p.StrategyInterval, &p.StopLossPercent,
		&p.Active, &p.AmplitudeDisabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SaveTradingPair(ctx context.Context, pair *domain.TradingPair) error {
	now := time.Now()
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = now
	}
	pair.UpdatedAt = now
	query := `INSERT INTO trading_pairs (symbol, leverage, strategy_interval, stop_loss_percent, active, amplitude_disabled, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		pair.Symbol, pair.Leverage, pair.StrategyInterval, pair.StopLossPercent,
		pair.Active, pair.AmplitudeDisabled, pair.CreatedAt, pair.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	pair.ID = id
	return nil
}

func (s *SQLiteStore) UpdateTradingPair(ctx context.Context, pair *domain.TradingPair) error {
	pair.UpdatedAt = time.Now()
	query := `UPDATE trading_pairs SET leverage = ?, strategy_interval = ?, stop_loss_percent = ?, active = ?, amplitude_disabled = ?, updated_at = ? WHERE symbol = ?`
	_, err := s.db.ExecContext(ctx, query,
		pair.Leverage, pair.StrategyInterval, pair.StopLossPercent, pair.Active,
		pair.AmplitudeDisabled, pair.UpdatedAt, pair.Symbol)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
