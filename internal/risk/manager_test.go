package risk

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/pkg/logging"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	return NewManager(&cfg.Risk, &cfg.Trading, logger)
}

// deepBook builds a tight, liquid book around the given price
func deepBook(price float64) *core.OrderBook {
	book := &core.OrderBook{Symbol: "BTCUSDT"}
	for i := 0; i < 20; i++ {
		book.Bids = append(book.Bids, core.PriceLevel{Price: d(price - 0.01 - float64(i)*0.01), Quantity: d(50)})
		book.Asks = append(book.Asks, core.PriceLevel{Price: d(price + 0.01 + float64(i)*0.01), Quantity: d(50)})
	}
	return book
}

func buySignal() *core.Signal {
	return &core.Signal{
		ID:         "sig-1",
		Symbol:     "BTCUSDT",
		Side:       core.SideBuy,
		EntryPrice: d(100),
		StopLoss:   d(98),
		TakeProfit: d(104),
	}
}

func TestSizerBasics(t *testing.T) {
	sizer := NewSizer(2, 10000, 10)

	t.Run("risk-based quantity", func(t *testing.T) {
		size, err := sizer.Size(d(10000), d(100), d(95), core.SideBuy)
		require.NoError(t, err)
		// 2% of 10000 = 200 at risk, 5 per unit -> 40 units
		assert.True(t, size.Quantity.Equal(d(40)), "got %s", size.Quantity)
		assert.True(t, size.QuoteValue.Equal(d(4000)))
		assert.True(t, size.RiskAmount.Equal(d(200)))
	})

	t.Run("value clamped to maximum", func(t *testing.T) {
		size, err := sizer.Size(d(20000), d(100), d(98), core.SideBuy)
		require.NoError(t, err)
		// Unclamped: 400/2 = 200 units = 20000 value
		assert.True(t, size.QuoteValue.Equal(d(10000)))
		assert.True(t, size.Quantity.Equal(d(100)))
		assert.True(t, size.RiskAmount.Equal(d(200)))
	})

	t.Run("sell side mirrors", func(t *testing.T) {
		size, err := sizer.Size(d(10000), d(100), d(105), core.SideSell)
		require.NoError(t, err)
		assert.True(t, size.Quantity.Equal(d(40)))
	})

	t.Run("stop on wrong side rejected", func(t *testing.T) {
		_, err := sizer.Size(d(10000), d(100), d(101), core.SideBuy)
		assert.Error(t, err)
		_, err = sizer.Size(d(10000), d(100), d(99), core.SideSell)
		assert.Error(t, err)
	})

	t.Run("below minimum rejected", func(t *testing.T) {
		// 2% of 100 = 2 at risk, 25 per unit -> 0.08 units = 8 value
		_, err := sizer.Size(d(100), d(100), d(75), core.SideBuy)
		assert.Error(t, err)
	})
}

func TestValidateTradeApproves(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))

	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), deepBook(100))
	require.True(t, decision.Approved, "rejected: %s", decision.Reason)
	// 2% of 20000 = 400 risk / 2 per unit = 200 units, clamped to 10000 value
	assert.True(t, decision.Size.Quantity.Equal(d(100)))
	assert.True(t, decision.Size.QuoteValue.Equal(d(10000)))
}

func TestValidateTradeMaxPositions(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))
	for i := 0; i < 5; i++ {
		m.AddPosition(&core.Position{ID: string(rune('a' + i)), Symbol: "ETHUSDT", QuoteValue: d(100)})
	}

	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), deepBook(100))
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "maximum positions")
}

func TestValidateTradeDailyLoss(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))
	m.UpdateBalance(d(18800)) // -6%

	decision := m.ValidateTrade(context.Background(), buySignal(), d(18800), deepBook(100))
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "daily loss")
}

func TestValidateTradeDrawdown(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))
	m.UpdateBalance(d(25000)) // new high-water mark

	// 20000 against a 25000 peak is a 20% drawdown, but only -x% on the day
	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), deepBook(100))
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "drawdown")
}

func TestValidateTradeSymbolExposure(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))
	m.AddPosition(&core.Position{ID: "p1", Symbol: "BTCUSDT", QuoteValue: d(4000)}) // 20% of balance

	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), deepBook(100))
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "exposure")
}

func TestValidateTradeReserve(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(1000))

	// Tight stop forces the value clamp to 10000, far beyond the balance
	sig := buySignal()
	sig.StopLoss = d(99.9)
	decision := m.ValidateTrade(context.Background(), sig, d(1000), deepBook(100))
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "reserve")
}

func TestValidateTradeEmptyBook(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))

	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), &core.OrderBook{Symbol: "BTCUSDT"})
	require.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "empty order book")
}

func TestValidateTradeThinBookSlippage(t *testing.T) {
	m := newTestManager(t)
	m.StartDay(d(20000))

	// Tight spread and just enough total liquidity, but the real order
	// size has to walk far down the book
	book := &core.OrderBook{Symbol: "BTCUSDT"}
	book.Bids = append(book.Bids, core.PriceLevel{Price: d(99.99), Quantity: d(1)})
	book.Asks = append(book.Asks, core.PriceLevel{Price: d(100.01), Quantity: d(1)})
	for i := 1; i < 20; i++ {
		book.Bids = append(book.Bids, core.PriceLevel{Price: d(97 - float64(i)), Quantity: d(20)})
		book.Asks = append(book.Asks, core.PriceLevel{Price: d(103 + float64(i)), Quantity: d(20)})
	}

	decision := m.ValidateTrade(context.Background(), buySignal(), d(20000), book)
	require.False(t, decision.Approved)
	assert.True(t,
		strings.Contains(decision.Reason, "slippage"),
		"unexpected reason: %s", decision.Reason)
}

func TestPositionTracking(t *testing.T) {
	m := newTestManager(t)
	m.AddPosition(&core.Position{ID: "p1", Symbol: "BTCUSDT", QuoteValue: d(100)})
	m.AddPosition(&core.Position{ID: "p2", Symbol: "ETHUSDT", QuoteValue: d(200)})
	assert.Equal(t, 2, m.PositionCount())

	m.RemovePosition("p1")
	assert.Equal(t, 1, m.PositionCount())

	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "p2", positions[0].ID)

	// Removing an unknown ID is a no-op
	m.RemovePosition("missing")
	assert.Equal(t, 1, m.PositionCount())
}

func TestDailyPnLPercent(t *testing.T) {
	m := newTestManager(t)
	assert.Zero(t, m.DailyPnLPercent())

	m.StartDay(d(10000))
	m.UpdateBalance(d(10500))
	assert.InDelta(t, 5.0, m.DailyPnLPercent(), 0.001)

	m.UpdateBalance(d(9000))
	assert.InDelta(t, -10.0, m.DailyPnLPercent(), 0.001)
}
