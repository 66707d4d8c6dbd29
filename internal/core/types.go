package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order or position direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce for limit orders
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus tracks an order through its lifecycle. SUBMITTED and later
// states mirror the exchange's own status vocabulary.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can no longer change
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Candle is a single OHLCV bar
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// PriceLevel is one side-level of an order book
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a depth snapshot, bids descending and asks ascending
type OrderBook struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID int64
	Timestamp    time.Time
}

// BestBid returns the top bid, or zero when the book is empty
func (b *OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask, or zero when the book is empty
func (b *OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Trade is a single public market trade
type Trade struct {
	ID           int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	IsBuyerMaker bool
	Time         time.Time
}

// TickerStats is the rolling 24h statistics snapshot for a symbol
type TickerStats struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	LastPrice          decimal.Decimal
	HighPrice          decimal.Decimal
	LowPrice           decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
	TradeCount         int64
}

// Balance is a single asset balance
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Account is the account snapshot returned by the exchange
type Account struct {
	Balances  []Balance
	UpdatedAt time.Time
}

// AssetValue is a balance valued in the quote currency
type AssetValue struct {
	Asset      string
	Free       decimal.Decimal
	Locked     decimal.Decimal
	Total      decimal.Decimal
	QuoteValue decimal.Decimal
}

// Portfolio is the account valued entirely in the quote currency
type Portfolio struct {
	TotalQuoteValue decimal.Decimal
	QuoteBalance    decimal.Decimal
	Assets          []AssetValue
}

// Signal is a trade intent produced by the strategy. StopLoss and
// TakeProfit of zero mean unset.
type Signal struct {
	ID          string
	Symbol      string
	Side        Side
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	Confidence  decimal.Decimal
	BuyScore    decimal.Decimal
	SellScore   decimal.Decimal
	MaxScore    decimal.Decimal
	Reasons     []string
	GeneratedAt time.Time
}

// Fill is a partial execution reported by the exchange
type Fill struct {
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// PlaceOrderRequest describes an order to submit. Market orders set
// either Quantity (base) or QuoteQuantity; limit orders need Price.
type PlaceOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   TimeInForce
}

// ExchangeOrder is an order as the exchange reports it, from both the
// placement acknowledgement and subsequent status queries.
type ExchangeOrder struct {
	OrderID             int64
	ClientOrderID       string
	Symbol              string
	Side                Side
	Type                OrderType
	Status              OrderStatus
	Price               decimal.Decimal
	OrigQuantity        decimal.Decimal
	ExecutedQuantity    decimal.Decimal
	CumulativeQuoteQty  decimal.Decimal
	Fills               []Fill
	TransactTime        time.Time
}

// AveragePrice derives the average fill price, preferring the cumulative
// quote amount, then the order price, then the fill-weighted average.
func (o *ExchangeOrder) AveragePrice() decimal.Decimal {
	if o.ExecutedQuantity.IsPositive() && o.CumulativeQuoteQty.IsPositive() {
		return o.CumulativeQuoteQty.Div(o.ExecutedQuantity)
	}
	if o.Price.IsPositive() {
		return o.Price
	}
	if len(o.Fills) > 0 {
		totalQty := decimal.Zero
		totalCost := decimal.Zero
		for _, f := range o.Fills {
			totalQty = totalQty.Add(f.Quantity)
			totalCost = totalCost.Add(f.Price.Mul(f.Quantity))
		}
		if totalQty.IsPositive() {
			return totalCost.Div(totalQty)
		}
	}
	return decimal.Zero
}

// Position is an open spot position tracked by the risk layer.
// TrailingStopPercent of zero disables trailing; MaxPrice/MinPrice track
// the most favorable price seen while trailing.
type Position struct {
	ID                  string
	Symbol              string
	Side                Side
	EntryPrice          decimal.Decimal
	Quantity            decimal.Decimal
	QuoteValue          decimal.Decimal
	StopLoss            decimal.Decimal
	TakeProfit          decimal.Decimal
	TrailingStopPercent decimal.Decimal
	MaxPrice            decimal.Decimal
	MinPrice            decimal.Decimal
	StrategyName        string
	OpenedAt            time.Time
}

// UnrealizedPnL computes side-aware unrealized profit at the given price
func (p *Position) UnrealizedPnL(current decimal.Decimal) decimal.Decimal {
	if p.Side == SideBuy {
		return current.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(current).Mul(p.Quantity)
}

// TradeRecord is a completed round-trip persisted to the store
type TradeRecord struct {
	ID            string
	Symbol        string
	Side          Side
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	Quantity      decimal.Decimal
	QuoteValue    decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	TrailingStop  bool
	PnL           decimal.Decimal
	PnLPercent    decimal.Decimal
	EntryFee      decimal.Decimal
	ExitFee       decimal.Decimal
	TotalFees     decimal.Decimal
	ClosureReason string
	StrategyName  string
	EntryTime     time.Time
	ExitTime      time.Time
	HoldSeconds   int64
}
