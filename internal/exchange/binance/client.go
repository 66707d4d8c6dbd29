// Package binance provides the Binance spot exchange implementation
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/config"
	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
	pkghttp "spottrader/pkg/http"
)

const (
	defaultBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	requestTimeout = 10 * time.Second
	recvWindowMs   = 5000
)

// Request weights per endpoint, used against the per-minute budget
const (
	weightDefault = 1
	weightTrades  = 5
	weightAccount = 10
)

var _ core.IExchange = (*Client)(nil)

// Client implements core.IExchange for Binance spot
type Client struct {
	cfg      *config.ExchangeConfig
	quote    string
	logger   core.ILogger
	public   *pkghttp.Client
	private  *pkghttp.Client
	limiter  *RateLimiter
	timeSync *TimeSync
}

// requestSigner signs private requests with the account's HMAC key and a
// clock-adjusted timestamp
type requestSigner struct {
	apiKey    string
	secretKey string
	timeSync  *TimeSync
}

func (s *requestSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(s.timeSync.Timestamp(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(recvWindowMs))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

// NewClient creates a Binance spot client. quoteCurrency is the account's
// valuation currency, normally USDT.
func NewClient(cfg *config.ExchangeConfig, quoteCurrency string, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.Testnet {
		baseURL = testnetBaseURL
	}

	c := &Client{
		cfg:    cfg,
		quote:  quoteCurrency,
		logger: logger.WithField("exchange", "binance"),
		limiter: NewRateLimiter(BudgetConfig{
			WeightPerMinute: cfg.RequestWeightPerMinute,
			OrdersPerSecond: cfg.OrdersPerSecond,
			OrdersPerDay:    cfg.OrdersPerDay,
			Margin:          cfg.RateLimitMargin,
		}, logger),
	}

	c.public = pkghttp.NewClient(baseURL, requestTimeout, nil)
	c.timeSync = NewTimeSync(c.ServerTime, logger)
	c.private = pkghttp.NewClient(baseURL, requestTimeout, &requestSigner{
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		timeSync:  c.timeSync,
	})

	return c
}

// Start performs the initial clock sync and begins periodic resyncs
func (c *Client) Start(ctx context.Context) error {
	if err := c.timeSync.Sync(ctx); err != nil {
		return fmt.Errorf("initial time sync failed: %w", err)
	}
	interval := time.Duration(c.cfg.TimeSyncIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	c.timeSync.Start(ctx, interval)
	return nil
}

func (c *Client) GetName() string {
	return "binance"
}

// TimeSync exposes the clock synchronizer for diagnostics
func (c *Client) TimeSync() *TimeSync {
	return c.timeSync
}

// parseError maps a Binance error payload to a sentinel error
func parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case -2015, -2014:
		return apperrors.ErrAuthenticationFailed
	case -1013, -1111:
		return apperrors.ErrInvalidOrderParameter
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

// classify converts HTTP-layer failures into domain errors
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		return parseError(apiErr.Body)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

type requestFn func(ctx context.Context) ([]byte, error)

// signedCall executes a private request; a timestamp rejection triggers a
// resync and exactly one retry
func (c *Client) signedCall(ctx context.Context, weight int, fn requestFn) ([]byte, error) {
	if err := c.limiter.WaitRequest(ctx, weight); err != nil {
		return nil, err
	}

	body, err := fn(ctx)
	err = classify(err)
	if !errors.Is(err, apperrors.ErrTimestampOutOfBounds) {
		return body, err
	}

	c.logger.Warn("Timestamp rejected by exchange, resyncing clock")
	if syncErr := c.timeSync.Sync(ctx); syncErr != nil {
		return nil, fmt.Errorf("resync after timestamp rejection failed: %w", syncErr)
	}

	body, err = fn(ctx)
	return body, classify(err)
}

func (c *Client) publicGet(ctx context.Context, weight int, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.WaitRequest(ctx, weight); err != nil {
		return nil, err
	}
	body, err := c.public.Get(ctx, path, params)
	return body, classify(err)
}

// ServerTime fetches the exchange clock
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.publicGet(ctx, weightDefault, "/api/v3/time", nil)
	if err != nil {
		return time.Time{}, err
	}

	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(res.ServerTime), nil
}

// GetAccount fetches the full account snapshot with non-zero balances
func (c *Client) GetAccount(ctx context.Context) (*core.Account, error) {
	body, err := c.signedCall(ctx, weightAccount, func(ctx context.Context) ([]byte, error) {
		return c.private.Get(ctx, "/api/v3/account", nil)
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		UpdateTime int64 `json:"updateTime"`
		Balances   []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	account := &core.Account{UpdatedAt: time.UnixMilli(raw.UpdateTime)}
	for _, b := range raw.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		account.Balances = append(account.Balances, core.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
		})
	}
	return account, nil
}

// GetBalance returns the balance of a single asset, zero when not held
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := c.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range account.Balances {
		if b.Asset == asset {
			return b.Total(), nil
		}
	}
	return decimal.Zero, nil
}

// GetAllBalances returns every non-zero balance
func (c *Client) GetAllBalances(ctx context.Context) ([]core.Balance, error) {
	account, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	return account.Balances, nil
}

// GetBalanceInQuote values a single asset's balance in the quote currency
func (c *Client) GetBalanceInQuote(ctx context.Context, asset string) (decimal.Decimal, error) {
	total, err := c.GetBalance(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if asset == c.quote || total.IsZero() {
		return total, nil
	}

	price, err := c.GetLatestPrice(ctx, asset+c.quote)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Mul(price), nil
}

// GetPortfolioSummary values the whole account in the quote currency.
// Assets without a direct quote pair are skipped.
func (c *Client) GetPortfolioSummary(ctx context.Context) (*core.Portfolio, error) {
	account, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	portfolio := &core.Portfolio{}
	for _, b := range account.Balances {
		total := b.Total()

		if b.Asset == c.quote {
			portfolio.QuoteBalance = total
			portfolio.TotalQuoteValue = portfolio.TotalQuoteValue.Add(total)
			portfolio.Assets = append(portfolio.Assets, core.AssetValue{
				Asset:      b.Asset,
				Free:       b.Free,
				Locked:     b.Locked,
				Total:      total,
				QuoteValue: total,
			})
			continue
		}

		price, err := c.GetLatestPrice(ctx, b.Asset+c.quote)
		if err != nil {
			c.logger.Debug("Skipping unpriced asset in portfolio", "asset", b.Asset, "error", err)
			continue
		}

		quoteValue := total.Mul(price)
		portfolio.TotalQuoteValue = portfolio.TotalQuoteValue.Add(quoteValue)
		portfolio.Assets = append(portfolio.Assets, core.AssetValue{
			Asset:      b.Asset,
			Free:       b.Free,
			Locked:     b.Locked,
			Total:      total,
			QuoteValue: quoteValue,
		})
	}
	return portfolio, nil
}

// GetLatestPrice fetches the last traded price for a symbol
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.publicGet(ctx, weightDefault, "/api/v3/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, err
	}

	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.Price)
}

// GetTickerStats fetches the rolling 24h statistics for a symbol
func (c *Client) GetTickerStats(ctx context.Context, symbol string) (*core.TickerStats, error) {
	body, err := c.publicGet(ctx, weightDefault, "/api/v3/ticker/24hr", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol             string `json:"symbol"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		LastPrice          string `json:"lastPrice"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		Count              int64  `json:"count"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	stats := &core.TickerStats{Symbol: raw.Symbol, TradeCount: raw.Count}
	for _, f := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{raw.PriceChange, &stats.PriceChange},
		{raw.PriceChangePercent, &stats.PriceChangePercent},
		{raw.LastPrice, &stats.LastPrice},
		{raw.HighPrice, &stats.HighPrice},
		{raw.LowPrice, &stats.LowPrice},
		{raw.Volume, &stats.Volume},
		{raw.QuoteVolume, &stats.QuoteVolume},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse 24h ticker for %s: %w", symbol, err)
		}
	}
	return stats, nil
}

func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 5
	default:
		return 10
	}
}

// GetOrderBook fetches a depth snapshot with up to limit levels per side
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*core.OrderBook, error) {
	body, err := c.publicGet(ctx, depthWeight(limit), "/api/v3/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	book := &core.OrderBook{
		Symbol:       symbol,
		LastUpdateID: raw.LastUpdateID,
		Timestamp:    time.Now(),
		Bids:         make([]core.PriceLevel, 0, len(raw.Bids)),
		Asks:         make([]core.PriceLevel, 0, len(raw.Asks)),
	}
	for _, lvl := range raw.Bids {
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		book.Bids = append(book.Bids, core.PriceLevel{Price: price, Quantity: qty})
	}
	for _, lvl := range raw.Asks {
		price, _ := decimal.NewFromString(lvl[0])
		qty, _ := decimal.NewFromString(lvl[1])
		book.Asks = append(book.Asks, core.PriceLevel{Price: price, Quantity: qty})
	}
	return book, nil
}

// GetKlines fetches candles. Zero start/end are omitted; limit caps the
// number of bars per request.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]core.Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if !start.IsZero() {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := c.publicGet(ctx, weightDefault, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	candles := make([]core.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		candle, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("malformed kline: %w", err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline decodes one kline array:
// [openTime, open, high, low, close, volume, closeTime, ...]
func parseKline(k []json.RawMessage) (core.Candle, error) {
	var openTime, closeTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return core.Candle{}, err
	}
	if err := json.Unmarshal(k[6], &closeTime); err != nil {
		return core.Candle{}, err
	}

	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		var s string
		if err := json.Unmarshal(k[i+1], &s); err != nil {
			return core.Candle{}, err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return core.Candle{}, err
		}
		fields[i] = d
	}

	return core.Candle{
		OpenTime:  time.UnixMilli(openTime),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
		CloseTime: time.UnixMilli(closeTime),
	}, nil
}

// GetRecentTrades fetches the latest public trades for a symbol
func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	body, err := c.publicGet(ctx, weightTrades, "/api/v3/trades", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID           int64  `json:"id"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		Time         int64  `json:"time"`
		IsBuyerMaker bool   `json:"isBuyerMaker"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	trades := make([]core.Trade, 0, len(raw))
	for _, t := range raw {
		price, _ := decimal.NewFromString(t.Price)
		qty, _ := decimal.NewFromString(t.Qty)
		trades = append(trades, core.Trade{
			ID:           t.ID,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: t.IsBuyerMaker,
			Time:         time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

// rawOrder is the order shape shared by placement acks and status queries
type rawOrder struct {
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Symbol             string `json:"symbol"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
	Fills              []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusSubmitted
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderStatusCancelled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusExpired
	}
	return core.OrderStatusPending
}

func (o *rawOrder) toCore() *core.ExchangeOrder {
	price, _ := decimal.NewFromString(o.Price)
	origQty, _ := decimal.NewFromString(o.OrigQty)
	execQty, _ := decimal.NewFromString(o.ExecutedQty)
	cumQuote, _ := decimal.NewFromString(o.CumulativeQuoteQty)

	transactAt := o.TransactTime
	if transactAt == 0 {
		transactAt = o.UpdateTime
	}

	order := &core.ExchangeOrder{
		OrderID:            o.OrderID,
		ClientOrderID:      o.ClientOrderID,
		Symbol:             o.Symbol,
		Side:               core.Side(o.Side),
		Type:               core.OrderType(o.Type),
		Status:             mapOrderStatus(o.Status),
		Price:              price,
		OrigQuantity:       origQty,
		ExecutedQuantity:   execQty,
		CumulativeQuoteQty: cumQuote,
		TransactTime:       time.UnixMilli(transactAt),
	}

	for _, f := range o.Fills {
		fillPrice, _ := decimal.NewFromString(f.Price)
		fillQty, _ := decimal.NewFromString(f.Qty)
		commission, _ := decimal.NewFromString(f.Commission)
		order.Fills = append(order.Fills, core.Fill{
			Price:           fillPrice,
			Quantity:        fillQty,
			Commission:      commission,
			CommissionAsset: f.CommissionAsset,
		})
	}
	return order
}

// PlaceOrder submits an order. Market orders use either base quantity or
// quoteOrderQty; limit orders require a price and default to GTC.
func (c *Client) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.ExchangeOrder, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"newOrderRespType": "FULL",
	}

	switch req.Type {
	case core.OrderTypeMarket:
		switch {
		case req.QuoteQuantity.IsPositive():
			params["quoteOrderQty"] = req.QuoteQuantity.String()
		case req.Quantity.IsPositive():
			params["quantity"] = req.Quantity.String()
		default:
			return nil, fmt.Errorf("%w: market order needs quantity or quote quantity", apperrors.ErrInvalidOrderParameter)
		}
	case core.OrderTypeLimit:
		if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: limit order needs quantity and price", apperrors.ErrInvalidOrderParameter)
		}
		params["quantity"] = req.Quantity.String()
		params["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = core.TimeInForceGTC
		}
		params["timeInForce"] = string(tif)
	default:
		return nil, fmt.Errorf("%w: unsupported order type %s", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	if err := c.limiter.WaitOrder(ctx); err != nil {
		return nil, err
	}

	body, err := c.signedCall(ctx, weightDefault, func(ctx context.Context) ([]byte, error) {
		return c.private.PostParams(ctx, "/api/v3/order", params)
	})
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	order := raw.toCore()
	c.logger.Info("Order placed",
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"order_id", order.OrderID,
		"status", order.Status)
	return order, nil
}

// GetOrder fetches the current state of an order
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*core.ExchangeOrder, error) {
	body, err := c.signedCall(ctx, weightDefault, func(ctx context.Context) ([]byte, error) {
		return c.private.Get(ctx, "/api/v3/order", map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(orderID, 10),
		})
	})
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return raw.toCore(), nil
}

// CancelOrder cancels a resting order
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.signedCall(ctx, weightDefault, func(ctx context.Context) ([]byte, error) {
		return c.private.Delete(ctx, "/api/v3/order", map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(orderID, 10),
		})
	})
	return err
}
