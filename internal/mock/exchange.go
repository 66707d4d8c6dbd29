// Package mock provides in-memory test doubles for the exchange and store
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
)

// Exchange implements core.IExchange for testing
type Exchange struct {
	mu sync.RWMutex

	balances   map[string]core.Balance
	prices     map[string]decimal.Decimal
	books      map[string]*core.OrderBook
	candles    map[string][]core.Candle
	trades     map[string][]core.Trade
	orders     map[int64]*core.ExchangeOrder
	orderIDSeq int64

	// FillAfterPolls delays market fills: GetOrder reports the order as
	// SUBMITTED this many times before flipping it to FILLED
	FillAfterPolls int
	pollCounts     map[int64]int

	// PartialFillRatio, when positive and below one, makes market orders
	// land PARTIALLY_FILLED at that fraction of the requested quantity
	PartialFillRatio decimal.Decimal

	// Error injection
	PlaceOrderErr error
	GetOrderErr   error
	PriceErr      error
	BookErr       error

	PlacedOrders []*core.PlaceOrderRequest
	KlinesCalls  int
}

var _ core.IExchange = (*Exchange)(nil)

// NewExchange creates a mock exchange with empty state
func NewExchange() *Exchange {
	return &Exchange{
		balances:   make(map[string]core.Balance),
		prices:     make(map[string]decimal.Decimal),
		books:      make(map[string]*core.OrderBook),
		candles:    make(map[string][]core.Candle),
		trades:     make(map[string][]core.Trade),
		orders:     make(map[int64]*core.ExchangeOrder),
		pollCounts: make(map[int64]int),
	}
}

func (m *Exchange) GetName() string { return "mock" }

func (m *Exchange) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

// SetBalance sets an asset balance
func (m *Exchange) SetBalance(asset string, free, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = core.Balance{Asset: asset, Free: free, Locked: locked}
}

// SetPrice sets the last price for a symbol
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetOrderBook sets the depth snapshot for a symbol
func (m *Exchange) SetOrderBook(symbol string, book *core.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[symbol] = book
}

// SetCandles sets the kline history for a symbol
func (m *Exchange) SetCandles(symbol string, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// SetTrades sets the recent public trades for a symbol
func (m *Exchange) SetTrades(symbol string, trades []core.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[symbol] = trades
}

func (m *Exchange) GetAccount(ctx context.Context) (*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account := &core.Account{UpdatedAt: time.Now()}
	for _, b := range m.balances {
		account.Balances = append(account.Balances, b)
	}
	return account, nil
}

func (m *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[asset]; ok {
		return b.Total(), nil
	}
	return decimal.Zero, nil
}

func (m *Exchange) GetAllBalances(ctx context.Context) ([]core.Balance, error) {
	account, err := m.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	return account.Balances, nil
}

func (m *Exchange) GetBalanceInQuote(ctx context.Context, asset string) (decimal.Decimal, error) {
	total, err := m.GetBalance(ctx, asset)
	if err != nil || total.IsZero() {
		return total, err
	}
	if asset == "USDT" {
		return total, nil
	}
	price, err := m.GetLatestPrice(ctx, asset+"USDT")
	if err != nil {
		return decimal.Zero, err
	}
	return total.Mul(price), nil
}

func (m *Exchange) GetPortfolioSummary(ctx context.Context) (*core.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	portfolio := &core.Portfolio{}
	for asset, b := range m.balances {
		total := b.Total()
		quoteValue := total
		if asset != "USDT" {
			price, ok := m.prices[asset+"USDT"]
			if !ok {
				continue
			}
			quoteValue = total.Mul(price)
		} else {
			portfolio.QuoteBalance = total
		}
		portfolio.TotalQuoteValue = portfolio.TotalQuoteValue.Add(quoteValue)
		portfolio.Assets = append(portfolio.Assets, core.AssetValue{
			Asset:      asset,
			Free:       b.Free,
			Locked:     b.Locked,
			Total:      total,
			QuoteValue: quoteValue,
		})
	}
	return portfolio, nil
}

func (m *Exchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, apperrors.ErrInvalidSymbol
	}
	return price, nil
}

func (m *Exchange) GetTickerStats(ctx context.Context, symbol string) (*core.TickerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.PriceErr != nil {
		return nil, m.PriceErr
	}
	price, ok := m.prices[symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	stats := &core.TickerStats{Symbol: symbol, LastPrice: price, HighPrice: price, LowPrice: price}
	for _, c := range m.candles[symbol] {
		stats.Volume = stats.Volume.Add(c.Volume)
		if c.High.GreaterThan(stats.HighPrice) {
			stats.HighPrice = c.High
		}
		if c.Low.LessThan(stats.LowPrice) {
			stats.LowPrice = c.Low
		}
	}
	stats.QuoteVolume = stats.Volume.Mul(price)
	return stats, nil
}

func (m *Exchange) GetOrderBook(ctx context.Context, symbol string, limit int) (*core.OrderBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.BookErr != nil {
		return nil, m.BookErr
	}
	book, ok := m.books[symbol]
	if !ok {
		return nil, apperrors.ErrInvalidSymbol
	}
	return book, nil
}

func (m *Exchange) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KlinesCalls++
	candles := m.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}

func (m *Exchange) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := m.trades[symbol]
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PlaceOrderErr != nil {
		return nil, m.PlaceOrderErr
	}

	m.orderIDSeq++
	m.PlacedOrders = append(m.PlacedOrders, req)

	price := req.Price
	if req.Type == core.OrderTypeMarket {
		price = m.prices[req.Symbol]
	}

	qty := req.Quantity
	if qty.IsZero() && req.QuoteQuantity.IsPositive() && price.IsPositive() {
		qty = req.QuoteQuantity.Div(price)
	}

	status := core.OrderStatusSubmitted
	executed := decimal.Zero
	cumQuote := decimal.Zero
	if req.Type == core.OrderTypeMarket && m.FillAfterPolls == 0 {
		status = core.OrderStatusFilled
		executed = qty
		if m.PartialFillRatio.IsPositive() && m.PartialFillRatio.LessThan(decimal.NewFromInt(1)) {
			status = core.OrderStatusPartiallyFilled
			executed = qty.Mul(m.PartialFillRatio)
		}
		cumQuote = executed.Mul(price)
	}

	order := &core.ExchangeOrder{
		OrderID:            m.orderIDSeq,
		ClientOrderID:      fmt.Sprintf("mock-%d", m.orderIDSeq),
		Symbol:             req.Symbol,
		Side:               req.Side,
		Type:               req.Type,
		Status:             status,
		Price:              price,
		OrigQuantity:       qty,
		ExecutedQuantity:   executed,
		CumulativeQuoteQty: cumQuote,
		TransactTime:       time.Now(),
	}
	m.orders[order.OrderID] = order
	return order, nil
}

func (m *Exchange) GetOrder(ctx context.Context, symbol string, orderID int64) (*core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetOrderErr != nil {
		return nil, m.GetOrderErr
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}

	if order.Status == core.OrderStatusSubmitted && m.FillAfterPolls > 0 {
		m.pollCounts[orderID]++
		if m.pollCounts[orderID] >= m.FillAfterPolls {
			order.Status = core.OrderStatusFilled
			order.ExecutedQuantity = order.OrigQuantity
			order.CumulativeQuoteQty = order.OrigQuantity.Mul(order.Price)
		}
	}

	copied := *order
	return &copied, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !order.Status.IsTerminal() {
		order.Status = core.OrderStatusCancelled
	}
	return nil
}

// Orders returns a snapshot of all orders seen by the mock
func (m *Exchange) Orders() []*core.ExchangeOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*core.ExchangeOrder, 0, len(m.orders))
	for _, o := range m.orders {
		copied := *o
		res = append(res, &copied)
	}
	return res
}
