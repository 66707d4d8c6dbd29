// Package orchestrator drives the trading cycle: every interval it runs
// the emergency checks, then analyzes each configured symbol, validates
// any signal against the risk manager, and hands approved signals to the
// execution pipeline. Symbol failures are isolated so one bad market
// never stalls the rest of the cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spottrader/internal/audit"
	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/emergency"
	"spottrader/internal/execution"
	"spottrader/internal/marketdata"
	"spottrader/internal/risk"
	"spottrader/internal/strategy"
	apperrors "spottrader/pkg/errors"
)

const recentTradesLimit = 500

// Orchestrator owns the per-cycle control flow.
type Orchestrator struct {
	cfg       *config.TradingConfig
	exchange  core.IExchange
	market    *marketdata.Service
	strategy  *strategy.Engine
	risk      *risk.Manager
	executor  *execution.Executor
	emergency *emergency.Controller
	audit     *audit.Logger
	store     core.ITradeStore // nil when persistence is disabled
	logger    core.ILogger
}

// New wires the orchestrator. store and auditLog may be nil.
func New(
	cfg *config.TradingConfig,
	exchange core.IExchange,
	market *marketdata.Service,
	engine *strategy.Engine,
	riskManager *risk.Manager,
	executor *execution.Executor,
	controller *emergency.Controller,
	auditLog *audit.Logger,
	store core.ITradeStore,
	logger core.ILogger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		exchange:  exchange,
		market:    market,
		strategy:  engine,
		risk:      riskManager,
		executor:  executor,
		emergency: controller,
		audit:     auditLog,
		store:     store,
		logger:    logger.WithField("component", "orchestrator"),
	}
}

// Recover reloads open positions persisted before the last shutdown and
// registers them with the risk manager so the monitor picks them up.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	positions, err := o.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		o.risk.AddPosition(p)
	}
	if len(positions) > 0 {
		o.logger.Info("Recovered open positions", "count", len(positions))
	}
	return nil
}

// Run blocks until ctx is cancelled, executing one cycle immediately and
// then one per configured interval.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := time.Duration(o.cfg.CycleIntervalSeconds) * time.Second
	o.logger.Info("Trading cycle started",
		"symbols", o.cfg.Symbols, "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Trading cycle stopped")
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full pass: emergency triggers, then every symbol.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	balance, err := o.exchange.GetBalance(ctx, o.cfg.QuoteCurrency)
	if err != nil {
		o.logger.Error("Balance fetch failed, skipping cycle", "error", err)
		return
	}

	if o.emergency.CheckTriggers(ctx, balance) {
		o.logger.Error("Emergency stop triggered, cycle aborted")
		return
	}
	if err := o.emergency.Guard(); err != nil {
		o.logger.Debug("Trading halted, skipping cycle", "reason", err.Error())
		return
	}

	for _, symbol := range o.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		if err := o.processSymbol(ctx, symbol, balance); err != nil {
			o.logger.Error("Symbol cycle failed", "symbol", symbol, "error", err)
			if o.audit != nil {
				o.audit.LogError(err.Error(), symbol, nil)
			}
		}
	}
}

// processSymbol runs the full pipeline for one symbol: snapshot, signal,
// risk validation, execution, and position registration.
func (o *Orchestrator) processSymbol(ctx context.Context, symbol string, balance decimal.Decimal) error {
	candles, err := o.market.GetCandles(ctx, symbol)
	if err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	book, err := o.market.GetOrderBook(ctx, symbol)
	if err != nil {
		return fmt.Errorf("order book: %w", err)
	}
	trades, err := o.market.GetRecentTrades(ctx, symbol, recentTradesLimit)
	if err != nil {
		return fmt.Errorf("recent trades: %w", err)
	}
	// Price failures are not fatal, the engine falls back to the last close.
	price, err := o.market.GetLatestPrice(ctx, symbol)
	if err != nil {
		o.logger.Warn("Price fetch failed, using last close", "symbol", symbol, "error", err)
		price = decimal.Zero
	}

	signal, err := o.strategy.Evaluate(ctx, strategy.MarketView{
		Symbol:  symbol,
		Candles: candles,
		Book:    book,
		Trades:  trades,
		Price:   price,
	})
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if signal == nil {
		return nil
	}

	decision := o.risk.ValidateTrade(ctx, signal, balance, book)
	if !decision.Approved {
		o.logSignal(signal, false, decision.Reason)
		return nil
	}
	o.logSignal(signal, true, "")
	if o.audit != nil {
		o.audit.LogRiskCheck(symbol, true, "", map[string]interface{}{
			"quantity":    decision.Size.Quantity.String(),
			"quote_value": decision.Size.QuoteValue.String(),
		})
	}

	report, err := o.executor.ExecuteSignal(ctx, signal, decision.Size.Quantity, book)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrDuplicateSignal):
			o.logger.Debug("Duplicate signal skipped", "symbol", symbol)
			return nil
		case errors.Is(err, apperrors.ErrTradeRejected):
			o.logger.Warn("Execution rejected signal", "symbol", symbol, "error", err)
			return nil
		default:
			return fmt.Errorf("execute: %w", err)
		}
	}

	if o.audit != nil {
		for _, order := range report.Orders {
			o.audit.LogOrder(order, "")
		}
	}
	o.openPosition(ctx, signal, report)
	return nil
}

// openPosition registers the filled entry with the risk manager, persists
// the snapshot, and audits it.
func (o *Orchestrator) openPosition(ctx context.Context, signal *core.Signal, report *execution.ExecutionReport) {
	position := &core.Position{
		ID:           uuid.NewString(),
		Symbol:       signal.Symbol,
		Side:         signal.Side,
		EntryPrice:   report.AvgFillPrice,
		Quantity:     report.FilledQuantity,
		QuoteValue:   report.FilledQuantity.Mul(report.AvgFillPrice),
		StopLoss:     signal.StopLoss,
		TakeProfit:   signal.TakeProfit,
		MaxPrice:     report.AvgFillPrice,
		MinPrice:     report.AvgFillPrice,
		StrategyName: strategy.Name,
		OpenedAt:     time.Now().UTC(),
	}

	o.risk.AddPosition(position)
	if o.store != nil {
		if err := o.store.UpsertPosition(ctx, position); err != nil {
			o.logger.Error("Position persist failed", "id", position.ID, "error", err)
		}
	}
	if o.audit != nil {
		o.audit.LogPositionOpened(position)
	}
	o.logger.Info("Position opened",
		"id", position.ID,
		"symbol", position.Symbol,
		"side", string(position.Side),
		"entry", position.EntryPrice.String(),
		"quantity", position.Quantity.String(),
		"route", string(report.Route))
}

func (o *Orchestrator) logSignal(signal *core.Signal, accepted bool, reason string) {
	if o.audit == nil {
		return
	}
	o.audit.LogSignal(signal, accepted, reason)
}
