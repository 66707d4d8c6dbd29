package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

// Close timeouts: emergencies cannot afford the full polling window
const (
	closeTimeoutNormal    = 30 * time.Second
	closeTimeoutEmergency = 10 * time.Second
)

// Closure reasons recorded on completed trades
const (
	ReasonStopLoss     = "STOP_LOSS_HIT"
	ReasonTakeProfit   = "TAKE_PROFIT_HIT"
	ReasonTrailingStop = "TRAILING_STOP_HIT"
	ReasonMaxAge       = "MAX_AGE_EXCEEDED"
	ReasonAdverse      = "ADVERSE_CONDITIONS"
	ReasonEmergency    = "EMERGENCY_STOP"
	ReasonManual       = "MANUAL"
	ReasonShutdown     = "SHUTDOWN"
)

// PositionRegistry is the slice of the risk manager the closer needs.
// ReducePosition shrinks the live tracked position after a partial exit
// fill so every caller, not just ones holding the snapshot, sees the
// reduced quantity.
type PositionRegistry interface {
	RemovePosition(id string)
	ReducePosition(id string, remaining decimal.Decimal)
}

// CloseResult reports a position closure, fully or partially filled
type CloseResult struct {
	ExitPrice         decimal.Decimal
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	GrossPnL          decimal.Decimal
	NetPnL            decimal.Decimal
	PnLPercent        decimal.Decimal
	Fees              decimal.Decimal
	Record            *core.TradeRecord // nil when the close was partial
}

// Closer flattens positions with market orders and settles their PnL.
// A full fill removes the position from the registry and produces the
// completed trade record; a partial fill shrinks the position and keeps
// it open.
type Closer struct {
	exchange core.IExchange
	poller   *StatusPoller
	registry PositionRegistry
	feeRate  decimal.Decimal
	logger   core.ILogger
}

// NewCloser constructs the position closer. feeRate is the per-side
// trading fee as a fraction (0.001 for 0.1%).
func NewCloser(exchange core.IExchange, poller *StatusPoller, registry PositionRegistry, feeRate float64, logger core.ILogger) *Closer {
	return &Closer{
		exchange: exchange,
		poller:   poller,
		registry: registry,
		feeRate:  decimal.NewFromFloat(feeRate),
		logger:   logger.WithField("component", "closer"),
	}
}

// ClosePosition exits a position at market and returns the settled
// result. Emergencies use a shorter fill timeout.
func (c *Closer) ClosePosition(ctx context.Context, position *core.Position, reason string, emergency bool) (*CloseResult, error) {
	if position == nil || !position.Quantity.IsPositive() {
		return nil, fmt.Errorf("invalid position to close")
	}

	exitSide := position.Side.Opposite()
	c.logger.Info("Closing position",
		"id", position.ID, "symbol", position.Symbol,
		"side", string(position.Side), "exit_side", string(exitSide),
		"quantity", position.Quantity.String(),
		"reason", reason, "emergency", emergency)

	order, err := c.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:   position.Symbol,
		Side:     exitSide,
		Type:     core.OrderTypeMarket,
		Quantity: position.Quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("placing close order for %s: %w", position.ID, err)
	}

	timeout := closeTimeoutNormal
	if emergency {
		timeout = closeTimeoutEmergency
	}
	fill, err := c.poller.WaitForFill(ctx, position.Symbol, order.OrderID, timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for close order %d: %w", order.OrderID, err)
	}
	if !fill.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("close order %d ended %s with nothing filled", order.OrderID, fill.Status)
	}

	return c.settle(position, reason, fill), nil
}

func (c *Closer) settle(position *core.Position, reason string, fill *FillResult) *CloseResult {
	exitPrice := fill.AvgFillPrice
	filled := fill.FilledQuantity

	var gross decimal.Decimal
	if position.Side == core.SideBuy {
		gross = exitPrice.Sub(position.EntryPrice).Mul(filled)
	} else {
		gross = position.EntryPrice.Sub(exitPrice).Mul(filled)
	}

	entryFee := position.EntryPrice.Mul(filled).Mul(c.feeRate)
	exitFee := exitPrice.Mul(filled).Mul(c.feeRate)
	fees := entryFee.Add(exitFee)
	net := gross.Sub(fees)

	value := position.EntryPrice.Mul(filled)
	pnlPercent := decimal.Zero
	if value.IsPositive() {
		pnlPercent = net.Div(value).Mul(decimal.NewFromInt(100))
	}

	result := &CloseResult{
		ExitPrice:      exitPrice,
		FilledQuantity: filled,
		GrossPnL:       gross,
		NetPnL:         net,
		PnLPercent:     pnlPercent,
		Fees:           fees,
	}

	if filled.GreaterThanOrEqual(position.Quantity) {
		c.registry.RemovePosition(position.ID)
		now := time.Now()
		result.Record = &core.TradeRecord{
			ID:            position.ID,
			Symbol:        position.Symbol,
			Side:          position.Side,
			EntryPrice:    position.EntryPrice,
			ExitPrice:     exitPrice,
			Quantity:      filled,
			QuoteValue:    value,
			StopLoss:      position.StopLoss,
			TakeProfit:    position.TakeProfit,
			TrailingStop:  position.TrailingStopPercent.IsPositive(),
			PnL:           net,
			PnLPercent:    pnlPercent,
			EntryFee:      entryFee,
			ExitFee:       exitFee,
			TotalFees:     fees,
			ClosureReason: reason,
			StrategyName:  position.StrategyName,
			EntryTime:     position.OpenedAt,
			ExitTime:      now,
			HoldSeconds:   int64(now.Sub(position.OpenedAt).Seconds()),
		}
		c.logger.Info("Position fully closed",
			"id", position.ID, "symbol", position.Symbol,
			"entry", position.EntryPrice.String(), "exit", exitPrice.String(),
			"pnl", net.String(), "pnl_pct", pnlPercent.StringFixed(2),
			"reason", reason)
	} else {
		result.RemainingQuantity = position.Quantity.Sub(filled)
		position.Quantity = result.RemainingQuantity
		position.QuoteValue = position.EntryPrice.Mul(position.Quantity)
		c.registry.ReducePosition(position.ID, result.RemainingQuantity)
		c.logger.Warn("Position partially closed",
			"id", position.ID, "symbol", position.Symbol,
			"filled", filled.String(),
			"remaining", result.RemainingQuantity.String())
	}
	return result
}
