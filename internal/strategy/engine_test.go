package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/pkg/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	return logger
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func bar(price, volume float64, at time.Time) core.Candle {
	return core.Candle{
		OpenTime:  at,
		Open:      d(price),
		High:      d(price * 1.003),
		Low:       d(price * 0.997),
		Close:     d(price),
		Volume:    d(volume),
		CloseTime: at.Add(time.Minute - time.Millisecond),
	}
}

func depth(price, bidQty, askQty float64, levels int) *core.OrderBook {
	book := &core.OrderBook{Symbol: "BTCUSDT"}
	for i := 0; i < levels; i++ {
		book.Bids = append(book.Bids, core.PriceLevel{
			Price: d(price - 0.01 - float64(i)*0.05), Quantity: d(bidQty),
		})
		book.Asks = append(book.Asks, core.PriceLevel{
			Price: d(price + 0.01 + float64(i)*0.05), Quantity: d(askQty),
		})
	}
	return book
}

// buyView builds a market where price sold off below the value area on
// rising buy-side flow: value builds at 105, price steps down to 90 on
// doubled volume while aggressive buyers absorb, and the book leans bid.
func buyView(base time.Time) MarketView {
	var candles []core.Candle
	var trades []core.Trade

	for i := 0; i < 40; i++ {
		candles = append(candles, bar(105, 100, base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 0; i < 10; i++ {
		price := 104 - float64(i)*1.5 // 104 down to 90.5
		candles = append(candles, bar(price, 100, base.Add(time.Duration(40+i)*time.Minute)))
	}
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(50+i) * time.Minute)
		candles = append(candles, bar(90, 200, at))
		trades = append(trades, core.Trade{
			ID:           int64(i),
			Price:        d(90),
			Quantity:     d(10),
			IsBuyerMaker: false, // aggressive buy
			Time:         at.Add(5 * time.Second),
		})
	}

	return MarketView{
		Symbol:  "BTCUSDT",
		Candles: candles,
		Book:    depth(90, 60, 20, 20),
		Trades:  trades,
		Price:   d(90),
	}
}

func TestEvaluateEmitsBuySignal(t *testing.T) {
	cfg := config.DefaultConfig().Strategy
	engine := NewEngine(&cfg, testLogger(t))

	signal, err := engine.Evaluate(context.Background(), buyView(time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, core.SideBuy, signal.Side)
	assert.NotEmpty(t, signal.ID)
	assert.True(t, signal.EntryPrice.Equal(d(90)))
	assert.True(t, signal.StopLoss.LessThan(signal.EntryPrice))
	assert.True(t, signal.TakeProfit.GreaterThan(signal.EntryPrice))
	assert.True(t, signal.BuyScore.GreaterThan(signal.SellScore))
	assert.True(t, signal.Confidence.IsPositive())
	assert.True(t, signal.Confidence.LessThanOrEqual(d(1)))
	assert.NotEmpty(t, signal.Reasons)

	scores, ok := engine.LastScores("BTCUSDT")
	require.True(t, ok)
	assert.GreaterOrEqual(t, scores.Buy, cfg.MinScore)
	assert.Equal(t, 10.0, scores.Max)
}

func TestEvaluateQuietMarketProducesNoSignal(t *testing.T) {
	cfg := config.DefaultConfig().Strategy
	engine := NewEngine(&cfg, testLogger(t))

	// Balanced flat market: every factor should stay silent
	base := time.Now().Add(-time.Hour)
	var candles []core.Candle
	for i := 0; i < 60; i++ {
		candles = append(candles, bar(100, 100, base.Add(time.Duration(i)*time.Minute)))
	}
	view := MarketView{
		Symbol:  "ETHUSDT",
		Candles: candles,
		Book:    depth(100, 40, 40, 20),
		Price:   d(100),
	}

	signal, err := engine.Evaluate(context.Background(), view)
	require.NoError(t, err)
	assert.Nil(t, signal)

	// Scores are still recorded for observers
	scores, ok := engine.LastScores("ETHUSDT")
	require.True(t, ok)
	assert.Less(t, scores.Buy, cfg.MinScore)
	assert.Less(t, scores.Sell, cfg.MinScore)
}

func TestEvaluatePoorMicrostructureGate(t *testing.T) {
	cfg := config.DefaultConfig().Strategy
	engine := NewEngine(&cfg, testLogger(t))

	view := buyView(time.Now().Add(-time.Hour))
	view.Symbol = "WIDEUSDT"
	// Replace the book with a wide, thin one
	view.Book = &core.OrderBook{
		Symbol: "WIDEUSDT",
		Bids:   []core.PriceLevel{{Price: d(89), Quantity: d(1)}},
		Asks:   []core.PriceLevel{{Price: d(91), Quantity: d(1)}},
	}

	signal, err := engine.Evaluate(context.Background(), view)
	require.NoError(t, err)
	assert.Nil(t, signal)

	// The gate fires before scoring
	_, ok := engine.LastScores("WIDEUSDT")
	assert.False(t, ok)
}

func TestEvaluateMissingDataErrors(t *testing.T) {
	cfg := config.DefaultConfig().Strategy
	engine := NewEngine(&cfg, testLogger(t))

	_, err := engine.Evaluate(context.Background(), MarketView{Symbol: "BTCUSDT"})
	assert.Error(t, err)

	_, err = engine.Evaluate(context.Background(), MarketView{
		Symbol:  "BTCUSDT",
		Candles: []core.Candle{bar(100, 10, time.Now())},
	})
	assert.Error(t, err)
}

func TestThresholds(t *testing.T) {
	cfg := config.StrategyConfig{MinScore: 7}
	assert.Equal(t, 7.0, cfg.BuyThreshold())
	assert.Equal(t, 7.0, cfg.SellThreshold())

	cfg.MinBuyScore = 6
	cfg.MinSellScore = 8
	assert.Equal(t, 6.0, cfg.BuyThreshold())
	assert.Equal(t, 8.0, cfg.SellThreshold())
}
