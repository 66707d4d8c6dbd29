// Package store persists completed trades and open-position snapshots
// in SQLite. WAL mode keeps the trail crash-safe without blocking the
// trading loop on readers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	entry_price      TEXT NOT NULL,
	exit_price       TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	quote_value      TEXT NOT NULL,
	stop_loss        TEXT NOT NULL,
	take_profit      TEXT NOT NULL,
	trailing_stop    INTEGER NOT NULL DEFAULT 0,
	pnl              TEXT NOT NULL,
	pnl_percent      TEXT NOT NULL,
	entry_fee        TEXT NOT NULL,
	exit_fee         TEXT NOT NULL,
	total_fees       TEXT NOT NULL,
	closure_reason   TEXT NOT NULL,
	strategy_name    TEXT NOT NULL,
	entry_time       INTEGER NOT NULL,
	exit_time        INTEGER NOT NULL,
	hold_seconds     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time DESC);

CREATE TABLE IF NOT EXISTS positions (
	id                    TEXT PRIMARY KEY,
	symbol                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	entry_price           TEXT NOT NULL,
	quantity              TEXT NOT NULL,
	quote_value           TEXT NOT NULL,
	stop_loss             TEXT NOT NULL,
	take_profit           TEXT NOT NULL,
	trailing_stop_percent TEXT NOT NULL,
	max_price             TEXT NOT NULL,
	min_price             TEXT NOT NULL,
	strategy_name         TEXT NOT NULL,
	opened_at             INTEGER NOT NULL
);
`

// SQLiteStore implements core.ITradeStore on a local SQLite file.
// Prices are stored as decimal strings so nothing is lost to float
// rounding.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

var _ core.ITradeStore = (*SQLiteStore)(nil)

// New opens (or creates) the database at path and applies the schema
func New(path string, logger core.ILogger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("Trade store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger.WithField("component", "store")}, nil
}

// SaveTrade inserts a completed trade; saving the same trade ID twice
// replaces the earlier row
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *core.TradeRecord) error {
	query := `INSERT OR REPLACE INTO trades (
		id, symbol, side, entry_price, exit_price, quantity, quote_value,
		stop_loss, take_profit, trailing_stop, pnl, pnl_percent,
		entry_fee, exit_fee, total_fees, closure_reason, strategy_name,
		entry_time, exit_time, hold_seconds
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	trailing := 0
	if trade.TrailingStop {
		trailing = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		trade.ID, trade.Symbol, string(trade.Side),
		trade.EntryPrice.String(), trade.ExitPrice.String(),
		trade.Quantity.String(), trade.QuoteValue.String(),
		trade.StopLoss.String(), trade.TakeProfit.String(), trailing,
		trade.PnL.String(), trade.PnLPercent.String(),
		trade.EntryFee.String(), trade.ExitFee.String(), trade.TotalFees.String(),
		trade.ClosureReason, trade.StrategyName,
		trade.EntryTime.UnixNano(), trade.ExitTime.UnixNano(), trade.HoldSeconds,
	)
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", trade.ID, err)
	}
	return nil
}

// RecentTrades returns up to limit trades sorted newest first; a
// non-empty symbol filters. limit <= 0 means no limit.
func (s *SQLiteStore) RecentTrades(ctx context.Context, limit int, symbol string) ([]*core.TradeRecord, error) {
	query := `SELECT id, symbol, side, entry_price, exit_price, quantity, quote_value,
		stop_loss, take_profit, trailing_stop, pnl, pnl_percent,
		entry_fee, exit_fee, total_fees, closure_reason, strategy_name,
		entry_time, exit_time, hold_seconds
	FROM trades`
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}
	query += " ORDER BY exit_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.TradeRecord
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func scanTrade(rows *sql.Rows) (*core.TradeRecord, error) {
	var trade core.TradeRecord
	var side string
	var entry, exit, qty, value, stop, target string
	var pnl, pnlPct, entryFee, exitFee, totalFees string
	var trailing int
	var entryNanos, exitNanos int64
	if err := rows.Scan(
		&trade.ID, &trade.Symbol, &side, &entry, &exit, &qty, &value,
		&stop, &target, &trailing, &pnl, &pnlPct,
		&entryFee, &exitFee, &totalFees, &trade.ClosureReason, &trade.StrategyName,
		&entryNanos, &exitNanos, &trade.HoldSeconds,
	); err != nil {
		return nil, fmt.Errorf("scanning trade row: %w", err)
	}

	trade.Side = core.Side(side)
	trade.TrailingStop = trailing != 0
	trade.EntryTime = time.Unix(0, entryNanos)
	trade.ExitTime = time.Unix(0, exitNanos)

	var err error
	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&trade.EntryPrice, entry}, {&trade.ExitPrice, exit},
		{&trade.Quantity, qty}, {&trade.QuoteValue, value},
		{&trade.StopLoss, stop}, {&trade.TakeProfit, target},
		{&trade.PnL, pnl}, {&trade.PnLPercent, pnlPct},
		{&trade.EntryFee, entryFee}, {&trade.ExitFee, exitFee},
		{&trade.TotalFees, totalFees},
	} {
		if *field.dst, err = decimal.NewFromString(field.src); err != nil {
			return nil, fmt.Errorf("parsing decimal %q in trade %s: %w", field.src, trade.ID, err)
		}
	}
	return &trade, nil
}

// UpsertPosition writes an open-position snapshot for crash recovery
func (s *SQLiteStore) UpsertPosition(ctx context.Context, pos *core.Position) error {
	query := `INSERT OR REPLACE INTO positions (
		id, symbol, side, entry_price, quantity, quote_value,
		stop_loss, take_profit, trailing_stop_percent, max_price, min_price,
		strategy_name, opened_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Symbol, string(pos.Side),
		pos.EntryPrice.String(), pos.Quantity.String(), pos.QuoteValue.String(),
		pos.StopLoss.String(), pos.TakeProfit.String(),
		pos.TrailingStopPercent.String(), pos.MaxPrice.String(), pos.MinPrice.String(),
		pos.StrategyName, pos.OpenedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upserting position %s: %w", pos.ID, err)
	}
	return nil
}

// DeletePosition removes a closed position's snapshot
func (s *SQLiteStore) DeletePosition(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM positions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting position %s: %w", id, err)
	}
	return nil
}

// LoadPositions returns all stored open positions, oldest first
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]*core.Position, error) {
	query := `SELECT id, symbol, side, entry_price, quantity, quote_value,
		stop_loss, take_profit, trailing_stop_percent, max_price, min_price,
		strategy_name, opened_at
	FROM positions ORDER BY opened_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var pos core.Position
		var side string
		var entry, qty, value, stop, target string
		var trailingPct, maxPrice, minPrice string
		var openedNanos int64
		if err := rows.Scan(
			&pos.ID, &pos.Symbol, &side, &entry, &qty, &value,
			&stop, &target, &trailingPct, &maxPrice, &minPrice,
			&pos.StrategyName, &openedNanos,
		); err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		pos.Side = core.Side(side)
		pos.OpenedAt = time.Unix(0, openedNanos)

		for _, field := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&pos.EntryPrice, entry}, {&pos.Quantity, qty}, {&pos.QuoteValue, value},
			{&pos.StopLoss, stop}, {&pos.TakeProfit, target},
			{&pos.TrailingStopPercent, trailingPct},
			{&pos.MaxPrice, maxPrice}, {&pos.MinPrice, minPrice},
		} {
			if *field.dst, err = decimal.NewFromString(field.src); err != nil {
				return nil, fmt.Errorf("parsing decimal %q in position %s: %w", field.src, pos.ID, err)
			}
		}
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
