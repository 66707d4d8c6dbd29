// Package monitor watches open positions and closes them when their
// exit conditions fire: stop-loss, take-profit, trailing stops, age
// limits, and adverse market conditions.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/internal/risk"
	"spottrader/pkg/telemetry"
)

const adverseLiquidityDepth = 10

var hundred = decimal.NewFromInt(100)

// Monitor sweeps open positions on a fixed cadence. Exit checks run in
// priority order so a position that hit its stop never lingers on a
// slower check.
type Monitor struct {
	cfg      *config.MonitorConfig
	exchange core.IExchange
	manager  *risk.Manager
	closer   *execution.Closer
	store    core.ITradeStore
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// New constructs the position monitor. store may be nil; trades are
// then not persisted.
func New(cfg *config.MonitorConfig, exchange core.IExchange, manager *risk.Manager, closer *execution.Closer, store core.ITradeStore, logger core.ILogger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		exchange: exchange,
		manager:  manager,
		closer:   closer,
		store:    store,
		logger:   logger.WithField("component", "position_monitor"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Run loops until the context is cancelled or too many consecutive
// sweeps fail outright. Individual position errors never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.IntervalSeconds) * time.Second
	m.logger.Info("Position monitor started",
		"interval", interval.String(),
		"trailing_stop_pct", m.cfg.TrailingStopPercent,
		"max_age_hours", m.cfg.MaxPositionAgeHours)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Position monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				consecutiveErrors++
				m.logger.Error("Monitoring sweep failed",
					"consecutive_errors", consecutiveErrors, "error", err)
				if consecutiveErrors >= m.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("position monitor giving up after %d consecutive failed sweeps: %w", consecutiveErrors, err)
				}
				continue
			}
			consecutiveErrors = 0
		}
	}
}

// CheckOnce runs a single sweep over all open positions. It returns an
// error only when every position check failed, which signals a dead
// exchange connection rather than a flaky symbol.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	positions := m.manager.Positions()
	if len(positions) == 0 {
		return nil
	}

	failed := 0
	var lastErr error
	for _, position := range positions {
		if err := m.checkPosition(ctx, position); err != nil {
			failed++
			lastErr = err
			m.logger.Error("Position check failed",
				"id", position.ID, "symbol", position.Symbol, "error", err)
		}
	}
	if failed == len(positions) {
		return fmt.Errorf("all %d position checks failed: %w", failed, lastErr)
	}
	return nil
}

func (m *Monitor) checkPosition(ctx context.Context, position *core.Position) error {
	price, err := m.exchange.GetLatestPrice(ctx, position.Symbol)
	if err != nil {
		return fmt.Errorf("fetching price for %s: %w", position.Symbol, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive price for %s", position.Symbol)
	}

	m.publishUnrealized(position, price)

	if hit, trailed := m.stopLossHit(position, price); hit {
		reason := execution.ReasonStopLoss
		if trailed {
			reason = execution.ReasonTrailingStop
		}
		return m.close(ctx, position, reason, price)
	}
	if m.takeProfitHit(position, price) {
		return m.close(ctx, position, execution.ReasonTakeProfit, price)
	}

	m.updateTrailingStop(position, price)

	if m.cfg.MaxPositionAgeHours > 0 {
		age := time.Since(position.OpenedAt)
		maxAge := time.Duration(m.cfg.MaxPositionAgeHours) * time.Hour
		if age > maxAge {
			m.logger.Info("Position exceeded max age",
				"id", position.ID, "symbol", position.Symbol,
				"age", age.String(), "max_age", maxAge.String())
			return m.close(ctx, position, execution.ReasonMaxAge, price)
		}
	}

	if m.adverseConditions(ctx, position, price) {
		return m.close(ctx, position, execution.ReasonAdverse, price)
	}
	return nil
}

// stopLossHit reports whether the stop triggered and whether the stop
// was a trailed one rather than the original
func (m *Monitor) stopLossHit(position *core.Position, price decimal.Decimal) (bool, bool) {
	if !position.StopLoss.IsPositive() {
		return false, false
	}
	var hit bool
	if position.Side == core.SideBuy {
		hit = price.LessThanOrEqual(position.StopLoss)
	} else {
		hit = price.GreaterThanOrEqual(position.StopLoss)
	}
	if !hit {
		return false, false
	}

	trailed := false
	if pct := m.trailingPercent(position); pct.IsPositive() {
		if position.Side == core.SideBuy && position.MaxPrice.IsPositive() {
			trailed = position.StopLoss.Equal(position.MaxPrice.Mul(decimal.NewFromInt(1).Sub(pct.Div(hundred))))
		} else if position.Side == core.SideSell && position.MinPrice.IsPositive() {
			trailed = position.StopLoss.Equal(position.MinPrice.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred))))
		}
	}

	m.logger.Warn("Stop-loss hit",
		"id", position.ID, "symbol", position.Symbol,
		"price", price.String(), "stop", position.StopLoss.String(),
		"trailed", trailed)
	return true, trailed
}

func (m *Monitor) takeProfitHit(position *core.Position, price decimal.Decimal) bool {
	if !position.TakeProfit.IsPositive() {
		return false
	}
	var hit bool
	if position.Side == core.SideBuy {
		hit = price.GreaterThanOrEqual(position.TakeProfit)
	} else {
		hit = price.LessThanOrEqual(position.TakeProfit)
	}
	if hit {
		m.logger.Info("Take-profit hit",
			"id", position.ID, "symbol", position.Symbol,
			"price", price.String(), "target", position.TakeProfit.String())
	}
	return hit
}

// trailingPercent resolves the trailing distance: the position's own
// setting wins, the monitor default applies otherwise, zero disables
func (m *Monitor) trailingPercent(position *core.Position) decimal.Decimal {
	if position.TrailingStopPercent.IsPositive() {
		return position.TrailingStopPercent
	}
	return decimal.NewFromFloat(m.cfg.TrailingStopPercent)
}

// updateTrailingStop ratchets the stop behind the best price seen. The
// stop only ever tightens; a pullback leaves it where it was.
func (m *Monitor) updateTrailingStop(position *core.Position, price decimal.Decimal) {
	pct := m.trailingPercent(position)
	if !pct.IsPositive() || !position.StopLoss.IsPositive() {
		return
	}
	fraction := pct.Div(hundred)

	var newStop decimal.Decimal
	improved := false
	if position.Side == core.SideBuy {
		if price.GreaterThan(position.MaxPrice) {
			position.MaxPrice = price
			newStop = price.Mul(decimal.NewFromInt(1).Sub(fraction))
			improved = newStop.GreaterThan(position.StopLoss)
		}
	} else {
		if !position.MinPrice.IsPositive() || price.LessThan(position.MinPrice) {
			position.MinPrice = price
			newStop = price.Mul(decimal.NewFromInt(1).Add(fraction))
			improved = newStop.LessThan(position.StopLoss)
		}
	}
	if !improved {
		m.syncExtremes(position)
		return
	}

	old := position.StopLoss
	position.StopLoss = newStop
	m.syncExtremes(position)
	m.logger.Info("Trailing stop updated",
		"id", position.ID, "symbol", position.Symbol,
		"old_stop", old.String(), "new_stop", newStop.String())
	m.persistPosition(position)
}

// syncExtremes writes the copy's trailing state back into the manager's
// live position
func (m *Monitor) syncExtremes(position *core.Position) {
	m.manager.Apply(position.ID, func(live *core.Position) {
		live.MaxPrice = position.MaxPrice
		live.MinPrice = position.MinPrice
		live.StopLoss = position.StopLoss
	})
}

// adverseConditions closes a position when the spread blows out or the
// near-touch depth evaporates. Fetch errors never force a close; a
// missing book is worse evidence than a bad one.
func (m *Monitor) adverseConditions(ctx context.Context, position *core.Position, price decimal.Decimal) bool {
	book, err := m.exchange.GetOrderBook(ctx, position.Symbol, 20)
	if err != nil {
		m.logger.Warn("Order book unavailable for adverse check",
			"symbol", position.Symbol, "error", err)
		return false
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return false
	}

	bid, ask := book.BestBid(), book.BestAsk()
	if bid.IsPositive() {
		spreadPct := ask.Sub(bid).Div(bid).Mul(hundred)
		if spreadPct.GreaterThan(decimal.NewFromFloat(m.cfg.AdverseSpreadPercent)) {
			m.logger.Warn("Adverse spread detected",
				"symbol", position.Symbol, "spread_pct", spreadPct.StringFixed(3))
			return true
		}
	}

	liquidity := sumQuantity(book.Bids, adverseLiquidityDepth).
		Add(sumQuantity(book.Asks, adverseLiquidityDepth)).
		Mul(price).Div(decimal.NewFromInt(2))
	if liquidity.LessThan(decimal.NewFromFloat(m.cfg.LiquidityFloor)) {
		m.logger.Warn("Adverse liquidity detected",
			"symbol", position.Symbol, "liquidity", liquidity.StringFixed(0))
		return true
	}
	return false
}

func (m *Monitor) close(ctx context.Context, position *core.Position, reason string, price decimal.Decimal) error {
	m.logger.Info("Closing position",
		"id", position.ID, "symbol", position.Symbol,
		"reason", reason, "price", price.String())

	result, err := m.closer.ClosePosition(ctx, position, reason, false)
	if err != nil {
		// Position stays tracked; the next sweep retries
		return fmt.Errorf("closing %s: %w", position.ID, err)
	}

	if result.Record != nil {
		m.recordRealized(ctx, result, position)
		if m.store != nil {
			if err := m.store.SaveTrade(ctx, result.Record); err != nil {
				m.logger.Error("Failed to persist trade record",
					"id", position.ID, "error", err)
			}
			if err := m.store.DeletePosition(ctx, position.ID); err != nil {
				m.logger.Error("Failed to delete stored position",
					"id", position.ID, "error", err)
			}
		}
		m.metrics.SetUnrealizedPnL(position.Symbol, 0)
		return nil
	}

	// Partial close: the closer already shrank the tracked position,
	// persist the reduced snapshot and keep watching it
	m.persistPosition(position)
	return nil
}

func (m *Monitor) recordRealized(ctx context.Context, result *execution.CloseResult, position *core.Position) {
	if m.metrics.PnLRealizedTotal == nil {
		return
	}
	pnl, _ := result.NetPnL.Float64()
	m.metrics.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(
		attribute.String("symbol", position.Symbol),
		attribute.String("reason", result.Record.ClosureReason)))
}

func (m *Monitor) publishUnrealized(position *core.Position, price decimal.Decimal) {
	pnl, _ := position.UnrealizedPnL(price).Float64()
	m.metrics.SetUnrealizedPnL(position.Symbol, pnl)
}

func (m *Monitor) persistPosition(position *core.Position) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertPosition(context.Background(), position); err != nil {
		m.logger.Error("Failed to persist position",
			"id", position.ID, "error", err)
	}
}

func sumQuantity(levels []core.PriceLevel, depth int) decimal.Decimal {
	if len(levels) < depth {
		depth = len(levels)
	}
	total := decimal.Zero
	for _, level := range levels[:depth] {
		total = total.Add(level.Quantity)
	}
	return total
}
