package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/core"
	"spottrader/pkg/concurrency"
	"spottrader/pkg/websocket"
)

// CandleHandler receives closed candles from the kline stream
type CandleHandler func(symbol string, candle core.Candle)

// BookTickerHandler receives best bid/ask updates
type BookTickerHandler func(symbol string, bidPrice, bidQty, askPrice, askQty decimal.Decimal)

// TradeHandler receives live public trades
type TradeHandler func(symbol string, trade core.Trade)

// StreamHub manages the live WebSocket subscriptions. Handlers are
// dispatched on a worker pool so a slow consumer cannot stall a read loop.
type StreamHub struct {
	wsBaseURL string
	logger    core.ILogger
	pool      *concurrency.WorkerPool
	clients   []*websocket.Client
}

// NewStreamHub creates a stream hub against a WebSocket endpoint
func NewStreamHub(wsBaseURL string, pool *concurrency.WorkerPool, logger core.ILogger) *StreamHub {
	return &StreamHub{
		wsBaseURL: wsBaseURL,
		logger:    logger.WithField("component", "stream_hub"),
		pool:      pool,
	}
}

func (h *StreamHub) streamURL(symbol, stream string) string {
	return fmt.Sprintf("%s/%s@%s", h.wsBaseURL, strings.ToLower(symbol), stream)
}

func (h *StreamHub) dispatch(task func()) {
	if h.pool != nil {
		if err := h.pool.Submit(task); err != nil {
			h.logger.Warn("Stream dispatch dropped", "error", err)
		}
		return
	}
	task()
}

func (h *StreamHub) startClient(ctx context.Context, url string, onMessage func([]byte)) {
	client := websocket.NewClient(url, onMessage, h.logger)
	client.Start()
	h.clients = append(h.clients, client)

	go func() {
		<-ctx.Done()
		client.Stop()
	}()
}

// SubscribeKlines streams candles for each symbol and invokes the handler
// only when a candle closes
func (h *StreamHub) SubscribeKlines(ctx context.Context, symbols []string, interval string, handler CandleHandler) {
	for _, symbol := range symbols {
		url := h.streamURL(symbol, "kline_"+interval)
		h.startClient(ctx, url, func(message []byte) {
			var event struct {
				Kline struct {
					StartTime int64  `json:"t"`
					CloseTime int64  `json:"T"`
					Symbol    string `json:"s"`
					Open      string `json:"o"`
					High      string `json:"h"`
					Low       string `json:"l"`
					Close     string `json:"c"`
					Volume    string `json:"v"`
					Closed    bool   `json:"x"`
				} `json:"k"`
			}
			if err := json.Unmarshal(message, &event); err != nil {
				h.logger.Error("Failed to unmarshal kline event", "error", err)
				return
			}
			if !event.Kline.Closed {
				return
			}

			open, _ := decimal.NewFromString(event.Kline.Open)
			high, _ := decimal.NewFromString(event.Kline.High)
			low, _ := decimal.NewFromString(event.Kline.Low)
			closePrice, _ := decimal.NewFromString(event.Kline.Close)
			volume, _ := decimal.NewFromString(event.Kline.Volume)

			candle := core.Candle{
				OpenTime:  time.UnixMilli(event.Kline.StartTime),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     closePrice,
				Volume:    volume,
				CloseTime: time.UnixMilli(event.Kline.CloseTime),
			}
			sym := event.Kline.Symbol
			h.dispatch(func() { handler(sym, candle) })
		})
	}

	h.logger.Info("Kline streams started", "symbols", symbols, "interval", interval)
}

// SubscribeBookTicker streams best bid/ask updates for each symbol
func (h *StreamHub) SubscribeBookTicker(ctx context.Context, symbols []string, handler BookTickerHandler) {
	for _, symbol := range symbols {
		url := h.streamURL(symbol, "bookTicker")
		h.startClient(ctx, url, func(message []byte) {
			var event struct {
				Symbol   string `json:"s"`
				BidPrice string `json:"b"`
				BidQty   string `json:"B"`
				AskPrice string `json:"a"`
				AskQty   string `json:"A"`
			}
			if err := json.Unmarshal(message, &event); err != nil {
				h.logger.Error("Failed to unmarshal bookTicker event", "error", err)
				return
			}

			bidPrice, _ := decimal.NewFromString(event.BidPrice)
			bidQty, _ := decimal.NewFromString(event.BidQty)
			askPrice, _ := decimal.NewFromString(event.AskPrice)
			askQty, _ := decimal.NewFromString(event.AskQty)

			sym := event.Symbol
			h.dispatch(func() { handler(sym, bidPrice, bidQty, askPrice, askQty) })
		})
	}

	h.logger.Info("Book ticker streams started", "symbols", symbols)
}

// SubscribeTrades streams live public trades for each symbol
func (h *StreamHub) SubscribeTrades(ctx context.Context, symbols []string, handler TradeHandler) {
	for _, symbol := range symbols {
		url := h.streamURL(symbol, "trade")
		h.startClient(ctx, url, func(message []byte) {
			var event struct {
				Symbol       string `json:"s"`
				TradeID      int64  `json:"t"`
				Price        string `json:"p"`
				Quantity     string `json:"q"`
				TradeTime    int64  `json:"T"`
				IsBuyerMaker bool   `json:"m"`
			}
			if err := json.Unmarshal(message, &event); err != nil {
				h.logger.Error("Failed to unmarshal trade event", "error", err)
				return
			}

			price, _ := decimal.NewFromString(event.Price)
			qty, _ := decimal.NewFromString(event.Quantity)

			trade := core.Trade{
				ID:           event.TradeID,
				Price:        price,
				Quantity:     qty,
				IsBuyerMaker: event.IsBuyerMaker,
				Time:         time.UnixMilli(event.TradeTime),
			}
			sym := event.Symbol
			h.dispatch(func() { handler(sym, trade) })
		})
	}

	h.logger.Info("Trade streams started", "symbols", symbols)
}
