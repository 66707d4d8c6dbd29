package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spottrader/internal/audit"
	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/emergency"
	"spottrader/internal/execution"
	"spottrader/internal/marketdata"
	"spottrader/internal/mock"
	"spottrader/internal/risk"
	"spottrader/internal/strategy"
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

func depth(symbol string, price, bidQty, askQty float64, levels int) *core.OrderBook {
	book := &core.OrderBook{Symbol: symbol}
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

// seedBuyMarket loads the exchange with a market that sells off below its
// value area on rising buy-side flow, which the scoring engine reads as a
// long setup.
func seedBuyMarket(ex *mock.Exchange, symbol string) {
	base := time.Now().Add(-time.Hour)
	var candles []core.Candle
	var trades []core.Trade

	for i := 0; i < 40; i++ {
		candles = append(candles, bar(105, 100, base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 0; i < 10; i++ {
		candles = append(candles, bar(104-float64(i)*1.5, 100, base.Add(time.Duration(40+i)*time.Minute)))
	}
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(50+i) * time.Minute)
		candles = append(candles, bar(90, 200, at))
		trades = append(trades, core.Trade{
			ID:           int64(i),
			Price:        d(90),
			Quantity:     d(10),
			IsBuyerMaker: false,
			Time:         at.Add(5 * time.Second),
		})
	}

	ex.SetCandles(symbol, candles)
	ex.SetTrades(symbol, trades)
	ex.SetOrderBook(symbol, depth(symbol, 90, 60, 20, 20))
	ex.SetPrice(symbol, d(90))
}

// seedQuietMarket loads a flat, balanced market that scores no signal.
func seedQuietMarket(ex *mock.Exchange, symbol string) {
	base := time.Now().Add(-time.Hour)
	var candles []core.Candle
	for i := 0; i < 60; i++ {
		candles = append(candles, bar(100, 100, base.Add(time.Duration(i)*time.Minute)))
	}
	ex.SetCandles(symbol, candles)
	ex.SetTrades(symbol, nil)
	ex.SetOrderBook(symbol, depth(symbol, 100, 40, 40, 20))
	ex.SetPrice(symbol, d(100))
}

type fixture struct {
	exchange   *mock.Exchange
	store      *mock.TradeStore
	manager    *risk.Manager
	controller *emergency.Controller
	audit      *audit.Logger
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger(t)

	cfg := config.DefaultConfig()
	cfg.Trading.Symbols = []string{"BTCUSDT"}
	cfg.Execution.TWAPIntervalSeconds = 0
	cfg.Execution.PollIntervalSeconds = 0
	cfg.Emergency.KillSwitchPath = filepath.Join(t.TempDir(), "KILL_SWITCH")
	cfg.Emergency.CloseVerifyDelaySeconds = 0

	ex := mock.NewExchange()
	ex.SetBalance("USDT", d(50000), decimal.Zero)

	store := mock.NewTradeStore()
	market := marketdata.NewService(ex, &cfg.Trading, logger)
	engine := strategy.NewEngine(&cfg.Strategy, logger)
	manager := risk.NewManager(&cfg.Risk, &cfg.Trading, logger)
	manager.StartDay(d(50000))

	executor := execution.NewExecutor(ex, &cfg.Execution, cfg.Trading.QuoteCurrency, logger)
	closer := execution.NewCloser(ex, executor.Poller(), manager, cfg.Monitor.FeeRate, logger)
	controller := emergency.NewController(&cfg.Emergency, manager, ex, closer, store, logger)

	auditLog, err := audit.NewLogger(&config.AuditConfig{BufferSize: 100}, logger)
	require.NoError(t, err)

	orch := New(&cfg.Trading, ex, market, engine, manager, executor, controller, auditLog, store, logger)
	return &fixture{
		exchange:   ex,
		store:      store,
		manager:    manager,
		controller: controller,
		audit:      auditLog,
		orch:       orch,
	}
}

func TestCycleOpensPosition(t *testing.T) {
	f := newFixture(t)
	seedBuyMarket(f.exchange, "BTCUSDT")

	f.orch.RunCycle(context.Background())

	require.Equal(t, 1, f.manager.PositionCount())
	position := f.manager.Positions()[0]
	assert.Equal(t, "BTCUSDT", position.Symbol)
	assert.Equal(t, core.SideBuy, position.Side)
	assert.Equal(t, strategy.Name, position.StrategyName)
	assert.True(t, position.Quantity.IsPositive())
	assert.True(t, position.StopLoss.LessThan(position.EntryPrice))
	assert.True(t, position.TakeProfit.GreaterThan(position.EntryPrice))

	// A 10k order in a good book routes through TWAP in five chunks.
	orders := f.exchange.Orders()
	assert.Len(t, orders, 5)
	for _, o := range orders {
		assert.Equal(t, core.SideBuy, o.Side)
		assert.Equal(t, core.OrderTypeMarket, o.Type)
	}

	persisted, err := f.store.LoadPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, position.ID, persisted[0].ID)

	opened := f.audit.RecentEvents(10, audit.EventPositionOpened, "")
	assert.Len(t, opened, 1)
	accepted := f.audit.RecentEvents(10, audit.EventSignalGenerated, "")
	assert.Len(t, accepted, 1)
}

func TestSecondCycleRejectedByExposure(t *testing.T) {
	f := newFixture(t)
	seedBuyMarket(f.exchange, "BTCUSDT")

	f.orch.RunCycle(context.Background())
	require.Equal(t, 1, f.manager.PositionCount())
	firstOrders := len(f.exchange.Orders())

	f.orch.RunCycle(context.Background())

	assert.Equal(t, 1, f.manager.PositionCount())
	assert.Equal(t, firstOrders, len(f.exchange.Orders()))
	rejected := f.audit.RecentEvents(10, audit.EventSignalRejected, "")
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Data["rejection_reason"], "exposure")
}

func TestQuietMarketPlacesNoOrders(t *testing.T) {
	f := newFixture(t)
	seedQuietMarket(f.exchange, "BTCUSDT")

	f.orch.RunCycle(context.Background())

	assert.Zero(t, f.manager.PositionCount())
	assert.Empty(t, f.exchange.Orders())
}

func TestPausedSkipsCycle(t *testing.T) {
	f := newFixture(t)
	seedBuyMarket(f.exchange, "BTCUSDT")
	f.controller.PauseTrading()

	f.orch.RunCycle(context.Background())

	assert.Zero(t, f.manager.PositionCount())
	assert.Empty(t, f.exchange.Orders())
}

func TestKillSwitchAbortsCycle(t *testing.T) {
	f := newFixture(t)
	seedBuyMarket(f.exchange, "BTCUSDT")
	require.NoError(t, f.controller.CreateKillSwitch())

	f.orch.RunCycle(context.Background())

	assert.True(t, f.controller.IsEmergency())
	assert.Zero(t, f.manager.PositionCount())
	assert.Empty(t, f.exchange.Orders())
}

func TestSymbolErrorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	// BADUSDT has no candles, which fails the strategy but must not stop
	// BTCUSDT from trading.
	f.orch.cfg.Symbols = []string{"BADUSDT", "BTCUSDT"}
	seedBuyMarket(f.exchange, "BTCUSDT")
	f.exchange.SetOrderBook("BADUSDT", depth("BADUSDT", 100, 40, 40, 20))
	f.exchange.SetPrice("BADUSDT", d(100))

	f.orch.RunCycle(context.Background())

	require.Equal(t, 1, f.manager.PositionCount())
	assert.Equal(t, "BTCUSDT", f.manager.Positions()[0].Symbol)
	errs := f.audit.RecentEvents(10, audit.EventError, "BADUSDT")
	assert.Len(t, errs, 1)
}

func TestRecoverLoadsPositions(t *testing.T) {
	f := newFixture(t)
	saved := &core.Position{
		ID:         "pos-1",
		Symbol:     "BTCUSDT",
		Side:       core.SideBuy,
		EntryPrice: d(100),
		Quantity:   d(1),
		QuoteValue: d(100),
		StopLoss:   d(98),
		TakeProfit: d(104),
		OpenedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.UpsertPosition(context.Background(), saved))

	require.NoError(t, f.orch.Recover(context.Background()))

	require.Equal(t, 1, f.manager.PositionCount())
	assert.Equal(t, "pos-1", f.manager.Positions()[0].ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	seedQuietMarket(f.exchange, "BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop on context cancellation")
	}
}
