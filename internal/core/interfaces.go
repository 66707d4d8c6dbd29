// Package core defines the shared types and interfaces for the trading service
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the spot exchange operations used across the service
type IExchange interface {
	// Identity
	GetName() string

	// Time
	ServerTime(ctx context.Context) (time.Time, error)

	// Account operations
	GetAccount(ctx context.Context) (*Account, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetAllBalances(ctx context.Context) ([]Balance, error)
	GetBalanceInQuote(ctx context.Context, asset string) (decimal.Decimal, error)
	GetPortfolioSummary(ctx context.Context) (*Portfolio, error)

	// Market data
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetTickerStats(ctx context.Context, symbol string) (*TickerStats, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Candle, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*ExchangeOrder, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// ITradeStore persists completed trades and open-position snapshots.
// Implementations tolerate a missing backing store by returning errors
// the callers log and ignore.
type ITradeStore interface {
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	RecentTrades(ctx context.Context, limit int, symbol string) ([]*TradeRecord, error)
	UpsertPosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, id string) error
	LoadPositions(ctx context.Context) ([]*Position, error)
	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
