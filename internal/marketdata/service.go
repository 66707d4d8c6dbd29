// Package marketdata fetches and caches the market snapshots the
// strategy consumes each cycle
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"spottrader/internal/config"
	"spottrader/internal/core"
)

const (
	candleCacheTTL = 30 * time.Second
	bookCacheTTL   = 2 * time.Second
	tradesCacheTTL = 5 * time.Second
	tickerCacheTTL = time.Minute
	priceCacheTTL  = 10 * time.Second

	// Exchange caps klines at 1000 bars per request
	maxKlinesPerRequest = 1000
)

// Service caches REST market data so repeated reads inside a trading
// cycle do not burn rate limit budget
type Service struct {
	exchange core.IExchange
	cfg      *config.TradingConfig
	logger   core.ILogger

	candleCache *gocache.Cache
	bookCache   *gocache.Cache
	tradesCache *gocache.Cache
	tickerCache *gocache.Cache
	priceCache  *gocache.Cache
}

// NewService creates a market data service around an exchange
func NewService(exchange core.IExchange, cfg *config.TradingConfig, logger core.ILogger) *Service {
	return &Service{
		exchange:    exchange,
		cfg:         cfg,
		logger:      logger.WithField("component", "marketdata"),
		candleCache: gocache.New(candleCacheTTL, time.Minute),
		bookCache:   gocache.New(bookCacheTTL, 30*time.Second),
		tradesCache: gocache.New(tradesCacheTTL, 30*time.Second),
		tickerCache: gocache.New(tickerCacheTTL, time.Minute),
		priceCache:  gocache.New(priceCacheTTL, time.Minute),
	}
}

// GetCandles returns the configured lookback of candles for a symbol,
// paginating the exchange's per-request cap when needed
func (s *Service) GetCandles(ctx context.Context, symbol string) ([]core.Candle, error) {
	key := symbol + "_" + s.cfg.CandleInterval
	if cached, ok := s.candleCache.Get(key); ok {
		return cached.([]core.Candle), nil
	}

	end := time.Now()
	start := end.Add(-time.Duration(s.cfg.LookbackHours) * time.Hour)

	candles, err := s.fetchRange(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	s.candleCache.Set(key, candles, gocache.DefaultExpiration)
	return candles, nil
}

func (s *Service) fetchRange(ctx context.Context, symbol string, start, end time.Time) ([]core.Candle, error) {
	var all []core.Candle
	cursor := start

	for cursor.Before(end) {
		batch, err := s.exchange.GetKlines(ctx, symbol, s.cfg.CandleInterval, cursor, end, maxKlinesPerRequest)
		if err != nil {
			return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
		}
		if len(batch) == 0 {
			break
		}

		all = append(all, batch...)

		last := batch[len(batch)-1].CloseTime
		if !last.After(cursor) {
			break
		}
		cursor = last

		if len(batch) < maxKlinesPerRequest {
			break
		}
	}

	s.logger.Debug("Fetched candle history",
		"symbol", symbol,
		"bars", len(all),
		"interval", s.cfg.CandleInterval)
	return all, nil
}

// GetOrderBook returns a recent depth snapshot, briefly cached
func (s *Service) GetOrderBook(ctx context.Context, symbol string) (*core.OrderBook, error) {
	if cached, ok := s.bookCache.Get(symbol); ok {
		return cached.(*core.OrderBook), nil
	}

	book, err := s.exchange.GetOrderBook(ctx, symbol, s.cfg.OrderBookDepth)
	if err != nil {
		return nil, fmt.Errorf("fetch order book for %s: %w", symbol, err)
	}

	s.bookCache.Set(symbol, book, gocache.DefaultExpiration)
	return book, nil
}

// GetRecentTrades returns the latest public trades, briefly cached
func (s *Service) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	key := fmt.Sprintf("%s_%d", symbol, limit)
	if cached, ok := s.tradesCache.Get(key); ok {
		return cached.([]core.Trade), nil
	}

	trades, err := s.exchange.GetRecentTrades(ctx, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent trades for %s: %w", symbol, err)
	}

	s.tradesCache.Set(key, trades, gocache.DefaultExpiration)
	return trades, nil
}

// GetLatestPrice reads the exchange first; callers on the execution path
// always want a fresh price. A REST failure falls back to the last price
// the streams delivered, as long as it is recent.
func (s *Service) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := s.exchange.GetLatestPrice(ctx, symbol)
	if err != nil {
		if cached, ok := s.priceCache.Get(symbol); ok {
			s.logger.Warn("Price fetch failed, using streamed price",
				"symbol", symbol, "error", err)
			return cached.(decimal.Decimal), nil
		}
		return decimal.Zero, err
	}
	s.priceCache.Set(symbol, price, gocache.DefaultExpiration)
	return price, nil
}

// SetLastPrice records a streamed price as the REST fallback
func (s *Service) SetLastPrice(symbol string, price decimal.Decimal) {
	if price.IsPositive() {
		s.priceCache.Set(symbol, price, gocache.DefaultExpiration)
	}
}

// InvalidateTrades drops cached trade lists for a symbol so the next
// read refetches
func (s *Service) InvalidateTrades(symbol string) {
	for key := range s.tradesCache.Items() {
		if strings.HasPrefix(key, symbol+"_") {
			s.tradesCache.Delete(key)
		}
	}
}

// GetTickerStats returns the 24h rolling statistics for a symbol,
// cached for a minute
func (s *Service) GetTickerStats(ctx context.Context, symbol string) (*core.TickerStats, error) {
	key := symbol + "_24h"
	if cached, ok := s.tickerCache.Get(key); ok {
		return cached.(*core.TickerStats), nil
	}

	stats, err := s.exchange.GetTickerStats(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch 24h ticker for %s: %w", symbol, err)
	}

	s.tickerCache.Set(key, stats, gocache.DefaultExpiration)
	return stats, nil
}

// Invalidate drops all cached entries for a symbol
func (s *Service) Invalidate(symbol string) {
	s.candleCache.Delete(symbol + "_" + s.cfg.CandleInterval)
	s.bookCache.Delete(symbol)
	s.tickerCache.Delete(symbol + "_24h")
}
