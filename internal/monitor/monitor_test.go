package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/pkg/logging"
	"spottrader/internal/mock"
	"spottrader/internal/risk"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	return logger
}

func tightBook(price float64) *core.OrderBook {
	book := &core.OrderBook{Symbol: "BTCUSDT", Timestamp: time.Now()}
	for i := 0; i < 20; i++ {
		step := float64(i) * 0.01
		book.Bids = append(book.Bids, core.PriceLevel{Price: d(price - 0.01 - step), Quantity: d(50)})
		book.Asks = append(book.Asks, core.PriceLevel{Price: d(price + 0.01 + step), Quantity: d(50)})
	}
	return book
}

type fixture struct {
	exchange *mock.Exchange
	manager  *risk.Manager
	store    *mock.TradeStore
	monitor  *Monitor
}

func newFixture(t *testing.T, cfg *config.MonitorConfig) *fixture {
	t.Helper()
	logger := testLogger(t)
	exchange := mock.NewExchange()
	store := mock.NewTradeStore()

	riskCfg := &config.RiskConfig{
		MaxOpenPositions: 5, MaxDailyLossPercent: 5, MaxDrawdownPercent: 15,
		MaxExposurePercent: 20, RiskPerTradePercent: 2, MaxSlippagePercent: 0.5,
		MinLiquidity: 50000, MinBalanceReserve: 10,
	}
	tradingCfg := &config.TradingConfig{MaxPositionValue: 10000, MinOrderValue: 10}
	manager := risk.NewManager(riskCfg, tradingCfg, logger)

	execCfg := &config.ExecutionConfig{
		PollIntervalSeconds: 0, PollTimeoutSeconds: 5, PollMaxErrors: 3,
	}
	poller := execution.NewStatusPoller(exchange, execCfg, "USDT", logger)
	closer := execution.NewCloser(exchange, poller, manager, cfg.FeeRate, logger)

	return &fixture{
		exchange: exchange,
		manager:  manager,
		store:    store,
		monitor:  New(cfg, exchange, manager, closer, store, logger),
	}
}

func defaultMonitorConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		IntervalSeconds:      5,
		AdverseSpreadPercent: 0.5,
		LiquidityFloor:       10000,
		MaxConsecutiveErrors: 10,
		FeeRate:              0.001,
	}
}

func openPosition(f *fixture, id string, side core.Side, entry, qty, stop, target float64) *core.Position {
	position := &core.Position{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       side,
		EntryPrice: d(entry),
		Quantity:   d(qty),
		QuoteValue: d(entry * qty),
		StopLoss:   d(stop),
		TakeProfit: d(target),
		OpenedAt:   time.Now(),
	}
	f.manager.AddPosition(position)
	return position
}

func TestStopLossCloses(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 98, 104)
	f.exchange.SetPrice("BTCUSDT", d(97.5))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(97.5))

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	assert.Equal(t, 0, f.manager.PositionCount())
	trades, err := f.store.RecentTrades(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonStopLoss, trades[0].ClosureReason)
	assert.True(t, trades[0].PnL.IsNegative())
}

func TestTakeProfitCloses(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 98, 104)
	f.exchange.SetPrice("BTCUSDT", d(105))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(105))

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	assert.Equal(t, 0, f.manager.PositionCount())
	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonTakeProfit, trades[0].ClosureReason)
	assert.True(t, trades[0].PnL.IsPositive())
}

func TestShortStopLoss(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideSell, 100, 2, 102, 96)
	f.exchange.SetPrice("BTCUSDT", d(102.5))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(102.5))

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonStopLoss, trades[0].ClosureReason)
	// exit side is a buy-back
	require.Len(t, f.exchange.PlacedOrders, 1)
	assert.Equal(t, core.SideBuy, f.exchange.PlacedOrders[0].Side)
}

func TestHealthyPositionStaysOpen(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 98, 104)
	f.exchange.SetPrice("BTCUSDT", d(101))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(101))

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	assert.Equal(t, 1, f.manager.PositionCount())
	assert.Empty(t, f.exchange.PlacedOrders)
}

func TestTrailingStopRatchets(t *testing.T) {
	cfg := defaultMonitorConfig()
	cfg.TrailingStopPercent = 2
	f := newFixture(t, cfg)
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 98, 120)

	// Price rallies to 105: stop trails up to 102.90
	f.exchange.SetPrice("BTCUSDT", d(105))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(105))
	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	require.Equal(t, 1, f.manager.PositionCount())
	live := f.manager.Positions()[0]
	assert.True(t, live.StopLoss.Equal(d(102.9)), "stop = %s", live.StopLoss)
	assert.True(t, live.MaxPrice.Equal(d(105)))

	// Pullback to 104 does not lower the stop
	f.exchange.SetPrice("BTCUSDT", d(104))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(104))
	require.NoError(t, f.monitor.CheckOnce(context.Background()))
	live = f.manager.Positions()[0]
	assert.True(t, live.StopLoss.Equal(d(102.9)))
	assert.True(t, live.MaxPrice.Equal(d(105)))

	// Drop through the trailed stop closes with the trailing reason
	f.exchange.SetPrice("BTCUSDT", d(102.5))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(102.5))
	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	assert.Equal(t, 0, f.manager.PositionCount())
	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonTrailingStop, trades[0].ClosureReason)
	assert.True(t, trades[0].PnL.IsPositive(), "trailed exit above entry should profit")
}

func TestMaxAgeCloses(t *testing.T) {
	cfg := defaultMonitorConfig()
	cfg.MaxPositionAgeHours = 1
	f := newFixture(t, cfg)
	position := openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	position.OpenedAt = time.Now().Add(-2 * time.Hour)
	f.manager.Apply("pos-1", func(p *core.Position) { p.OpenedAt = position.OpenedAt })

	f.exchange.SetPrice("BTCUSDT", d(100))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(100))
	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonMaxAge, trades[0].ClosureReason)
}

func TestAdverseSpreadCloses(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.SetPrice("BTCUSDT", d(100))
	// 1% spread against a 0.5% threshold
	f.exchange.SetOrderBook("BTCUSDT", &core.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []core.PriceLevel{{Price: d(99.5), Quantity: d(100)}},
		Asks:   []core.PriceLevel{{Price: d(100.5), Quantity: d(100)}},
	})

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonAdverse, trades[0].ClosureReason)
}

func TestAdverseLiquidityCloses(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.SetPrice("BTCUSDT", d(100))
	// tight spread but only ~1500 USD of depth
	f.exchange.SetOrderBook("BTCUSDT", &core.OrderBook{
		Symbol: "BTCUSDT",
		Bids:   []core.PriceLevel{{Price: d(99.99), Quantity: d(15)}},
		Asks:   []core.PriceLevel{{Price: d(100.01), Quantity: d(15)}},
	})

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonAdverse, trades[0].ClosureReason)
}

func TestBookErrorNeverForcesClose(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.SetPrice("BTCUSDT", d(100))
	f.exchange.BookErr = assert.AnError

	require.NoError(t, f.monitor.CheckOnce(context.Background()))
	assert.Equal(t, 1, f.manager.PositionCount())
	assert.Empty(t, f.exchange.PlacedOrders)
}

func TestPriceErrorReportedWhenAllChecksFail(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.PriceErr = assert.AnError

	err := f.monitor.CheckOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.manager.PositionCount())
}

func TestRunGivesUpAfterConsecutiveFailures(t *testing.T) {
	cfg := defaultMonitorConfig()
	cfg.IntervalSeconds = 1
	cfg.MaxConsecutiveErrors = 2
	f := newFixture(t, cfg)
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.PriceErr = assert.AnError

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := f.monitor.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "giving up")
}

func TestPartialCloseKeepsPosition(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 98, 104)
	f.exchange.SetPrice("BTCUSDT", d(97))
	f.exchange.SetOrderBook("BTCUSDT", tightBook(97))
	f.exchange.PartialFillRatio = d(0.5)

	require.NoError(t, f.monitor.CheckOnce(context.Background()))

	// half the position remains tracked with the reduced size
	require.Equal(t, 1, f.manager.PositionCount())
	live := f.manager.Positions()[0]
	assert.True(t, live.Quantity.Equal(d(1)), "quantity = %s", live.Quantity)

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	assert.Empty(t, trades)

	stored, err := f.store.LoadPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Quantity.Equal(d(1)))
}

func TestEmptyBookSkipsAdverse(t *testing.T) {
	f := newFixture(t, defaultMonitorConfig())
	openPosition(f, "pos-1", core.SideBuy, 100, 2, 90, 120)
	f.exchange.SetPrice("BTCUSDT", d(100))
	f.exchange.SetOrderBook("BTCUSDT", &core.OrderBook{Symbol: "BTCUSDT"})

	require.NoError(t, f.monitor.CheckOnce(context.Background()))
	assert.Equal(t, 1, f.manager.PositionCount())
}
