package emergency

import (
	"context"
	"os"
	"path/filepath"
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

type fixture struct {
	exchange   *mock.Exchange
	manager    *risk.Manager
	store      *mock.TradeStore
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
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
	closer := execution.NewCloser(exchange, poller, manager, 0.001, logger)

	cfg := &config.EmergencyConfig{
		MaxDailyLossPercent:     5,
		MaxPositionLossPercent:  10,
		KillSwitchPath:          filepath.Join(t.TempDir(), "KILL_SWITCH"),
		CloseVerifyDelaySeconds: 0,
	}
	return &fixture{
		exchange:   exchange,
		manager:    manager,
		store:      store,
		controller: NewController(cfg, manager, exchange, closer, store, logger),
	}
}

func (f *fixture) openPosition(id, symbol string, entry, qty float64) {
	f.manager.AddPosition(&core.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       core.SideBuy,
		EntryPrice: d(entry),
		Quantity:   d(qty),
		QuoteValue: d(entry * qty),
		StopLoss:   d(entry * 0.9),
		TakeProfit: d(entry * 1.2),
		OpenedAt:   time.Now(),
	})
}

func TestGuardAllowsTradingByDefault(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.controller.Guard())
	assert.False(t, f.controller.IsPaused())
	assert.False(t, f.controller.IsEmergency())
}

func TestDailyLossTriggersStop(t *testing.T) {
	f := newFixture(t)
	f.manager.StartDay(d(10000))

	// balance down 6% against a 5% limit
	triggered := f.controller.CheckTriggers(context.Background(), d(9400))
	assert.True(t, triggered)
	assert.True(t, f.controller.IsEmergency())
	assert.True(t, f.controller.IsPaused())
	assert.Error(t, f.controller.Guard())
}

func TestDailyLossWithinLimitDoesNotTrigger(t *testing.T) {
	f := newFixture(t)
	f.manager.StartDay(d(10000))

	triggered := f.controller.CheckTriggers(context.Background(), d(9700))
	assert.False(t, triggered)
	assert.NoError(t, f.controller.Guard())
}

func TestPositionLossTriggersStop(t *testing.T) {
	f := newFixture(t)
	f.manager.StartDay(d(10000))
	f.openPosition("pos-1", "BTCUSDT", 100, 2)
	// 12% under water against a 10% limit
	f.exchange.SetPrice("BTCUSDT", d(88))

	triggered := f.controller.CheckTriggers(context.Background(), decimal.Zero)
	assert.True(t, triggered)
	assert.True(t, f.controller.IsEmergency())

	// the position was flattened on the way down
	assert.Equal(t, 0, f.manager.PositionCount())
	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	require.Len(t, trades, 1)
	assert.Equal(t, execution.ReasonEmergency, trades[0].ClosureReason)
}

func TestPriceErrorSkipsPositionCheck(t *testing.T) {
	f := newFixture(t)
	f.manager.StartDay(d(10000))
	f.openPosition("pos-1", "BTCUSDT", 100, 2)
	f.exchange.PriceErr = assert.AnError

	triggered := f.controller.CheckTriggers(context.Background(), decimal.Zero)
	assert.False(t, triggered)
	assert.Equal(t, 1, f.manager.PositionCount())
}

func TestKillSwitchTriggersStop(t *testing.T) {
	f := newFixture(t)
	f.manager.StartDay(d(10000))

	require.NoError(t, f.controller.CreateKillSwitch())
	triggered := f.controller.CheckTriggers(context.Background(), decimal.Zero)
	assert.True(t, triggered)
	assert.True(t, f.controller.IsEmergency())

	require.NoError(t, f.controller.RemoveKillSwitch())
	_, err := os.Stat(f.controller.cfg.KillSwitchPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseAllPositions(t *testing.T) {
	f := newFixture(t)
	f.openPosition("pos-1", "BTCUSDT", 100, 2)
	f.openPosition("pos-2", "ETHUSDT", 50, 10)
	f.exchange.SetPrice("BTCUSDT", d(110))
	f.exchange.SetPrice("ETHUSDT", d(55))

	result := f.controller.CloseAllPositions(context.Background(), execution.ReasonManual, false)
	assert.Equal(t, 2, result.Closed)
	assert.Empty(t, result.Failed)
	// +20 on BTC and +50 on ETH before fees
	assert.True(t, result.TotalPnL.IsPositive())
	assert.Equal(t, 0, f.manager.PositionCount())

	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	assert.Len(t, trades, 2)
}

func TestCloseAllPartialFillShrinksPosition(t *testing.T) {
	f := newFixture(t)
	f.openPosition("pos-1", "BTCUSDT", 100, 10)
	f.exchange.SetPrice("BTCUSDT", d(100))
	f.exchange.PartialFillRatio = d(0.5)

	result := f.controller.CloseAllPositions(context.Background(), execution.ReasonEmergency, true)
	assert.Equal(t, 1, result.Closed)
	assert.Empty(t, result.Failed)

	// Half the quantity sold; the tracked position shrinks so a retry
	// never sells what is already gone
	positions := f.manager.Positions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(d(5)),
		"remaining quantity = %s", positions[0].Quantity)
	assert.True(t, positions[0].QuoteValue.Equal(d(500)))

	// A partial closure produces no completed trade record
	trades, _ := f.store.RecentTrades(context.Background(), 10, "")
	assert.Empty(t, trades)
}

func TestCloseAllCollectsFailures(t *testing.T) {
	f := newFixture(t)
	f.openPosition("pos-1", "BTCUSDT", 100, 2)
	f.exchange.SetPrice("BTCUSDT", d(100))
	f.exchange.PlaceOrderErr = assert.AnError

	result := f.controller.CloseAllPositions(context.Background(), execution.ReasonManual, false)
	assert.Equal(t, 0, result.Closed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "pos-1", result.Failed[0].PositionID)
	// failed closures stay tracked for the next attempt
	assert.Equal(t, 1, f.manager.PositionCount())
}

func TestEmergencyStopIdempotent(t *testing.T) {
	f := newFixture(t)
	f.openPosition("pos-1", "BTCUSDT", 100, 2)
	f.exchange.SetPrice("BTCUSDT", d(100))

	f.controller.TriggerEmergencyStop(context.Background(), "first")
	ordersAfterFirst := len(f.exchange.PlacedOrders)
	f.controller.TriggerEmergencyStop(context.Background(), "second")
	assert.Len(t, f.exchange.PlacedOrders, ordersAfterFirst)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)

	f.controller.PauseTrading()
	assert.True(t, f.controller.IsPaused())
	err := f.controller.Guard()
	require.Error(t, err)

	f.controller.ResumeTrading()
	assert.False(t, f.controller.IsPaused())
	assert.NoError(t, f.controller.Guard())
}

func TestResumeClearsEmergencyLatch(t *testing.T) {
	f := newFixture(t)
	f.controller.TriggerEmergencyStop(context.Background(), "test")
	assert.True(t, f.controller.IsEmergency())

	f.controller.ResumeTrading()
	assert.False(t, f.controller.IsEmergency())
	assert.False(t, f.controller.IsPaused())
	assert.NoError(t, f.controller.Guard())
}
