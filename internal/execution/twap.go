package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/config"
	"spottrader/internal/core"
)

// TWAP stop reasons
const (
	StopSpreadTooWide  = "SPREAD_TOO_WIDE"
	StopPriceFetch     = "PRICE_FETCH_ERROR"
	StopPriceDeviation = "PRICE_DEVIATION"
	StopChunkError     = "ERROR"
)

const twapSpreadDepth = 5

// TWAPResult aggregates the outcome of a time-sliced execution
type TWAPResult struct {
	Orders          []*core.ExchangeOrder
	TotalFilled     decimal.Decimal
	AveragePrice    decimal.Decimal
	TotalFees       decimal.Decimal
	SlippagePercent decimal.Decimal
	Duration        time.Duration
	StoppedEarly    bool
	StopReason      string
	ChunksExecuted  int
	TotalChunks     int
}

// TWAPExecutor splits a large order into market-order chunks spaced over
// time. Before each chunk it re-checks the spread and how far price has
// drifted from the reference, stopping early when conditions turn.
type TWAPExecutor struct {
	exchange core.IExchange
	poller   *StatusPoller
	cfg      *config.ExecutionConfig
	logger   core.ILogger
}

// NewTWAPExecutor constructs the TWAP executor
func NewTWAPExecutor(exchange core.IExchange, poller *StatusPoller, cfg *config.ExecutionConfig, logger core.ILogger) *TWAPExecutor {
	return &TWAPExecutor{
		exchange: exchange,
		poller:   poller,
		cfg:      cfg,
		logger:   logger.WithField("component", "twap"),
	}
}

// Execute runs the TWAP schedule. refPrice anchors the deviation guard;
// chunks of zero uses the configured default. The last chunk takes the
// unfilled remainder so rounding never strands quantity.
func (t *TWAPExecutor) Execute(ctx context.Context, symbol string, side core.Side, totalQuantity, refPrice decimal.Decimal, chunks int) (*TWAPResult, error) {
	if !totalQuantity.IsPositive() {
		return nil, fmt.Errorf("invalid TWAP quantity: %s", totalQuantity)
	}
	if !refPrice.IsPositive() {
		return nil, fmt.Errorf("invalid TWAP reference price: %s", refPrice)
	}
	if chunks <= 0 {
		chunks = t.cfg.TWAPChunks
	}
	interval := time.Duration(t.cfg.TWAPIntervalSeconds) * time.Second

	chunkSize := totalQuantity.Div(decimal.NewFromInt(int64(chunks)))

	// Keep each chunk above the exchange's useful minimum
	minChunk := decimal.NewFromFloat(t.cfg.TWAPMinChunkValue)
	if chunkSize.Mul(refPrice).LessThan(minChunk) {
		adjusted := int(totalQuantity.Mul(refPrice).Div(minChunk).IntPart())
		if adjusted < 1 {
			adjusted = 1
		}
		t.logger.Warn("Chunk value below minimum, reducing chunk count",
			"symbol", symbol, "chunks", chunks, "adjusted", adjusted)
		chunks = adjusted
		chunkSize = totalQuantity.Div(decimal.NewFromInt(int64(chunks)))
	}

	t.logger.Info("Starting TWAP execution",
		"symbol", symbol, "side", string(side),
		"quantity", totalQuantity.String(),
		"chunks", chunks, "interval", interval.String())

	start := time.Now()
	result := &TWAPResult{TotalChunks: chunks}
	totalCost := decimal.Zero

	for i := 0; i < chunks; i++ {
		if reason, stop := t.preChunkChecks(ctx, symbol, refPrice); stop {
			result.StoppedEarly = true
			result.StopReason = reason
			break
		}

		size := chunkSize
		if i == chunks-1 {
			size = totalQuantity.Sub(result.TotalFilled)
			if !size.IsPositive() {
				break
			}
		}

		order, fill, err := t.executeChunk(ctx, symbol, side, size, i)
		if err != nil {
			t.logger.Error("TWAP chunk failed",
				"symbol", symbol, "chunk", i+1, "error", err)
			result.StoppedEarly = true
			result.StopReason = fmt.Sprintf("%s: %v", StopChunkError, err)
			break
		}

		result.Orders = append(result.Orders, order)
		result.ChunksExecuted++
		if fill.FilledQuantity.IsPositive() {
			result.TotalFilled = result.TotalFilled.Add(fill.FilledQuantity)
			totalCost = totalCost.Add(fill.AvgFillPrice.Mul(fill.FilledQuantity))
			result.TotalFees = result.TotalFees.Add(fill.Fees)
		}

		t.logger.Info("TWAP chunk completed",
			"symbol", symbol, "chunk", fmt.Sprintf("%d/%d", i+1, chunks),
			"filled", fill.FilledQuantity.String(),
			"price", fill.AvgFillPrice.String(),
			"progress", result.TotalFilled.String())

		if i < chunks-1 {
			select {
			case <-ctx.Done():
				result.StoppedEarly = true
				result.StopReason = fmt.Sprintf("%s: %v", StopChunkError, ctx.Err())
			case <-time.After(interval):
			}
			if result.StoppedEarly {
				break
			}
		}
	}

	result.Duration = time.Since(start)
	if result.TotalFilled.IsPositive() {
		result.AveragePrice = totalCost.Div(result.TotalFilled)
		slippage := result.AveragePrice.Sub(refPrice).Div(refPrice).Mul(decimal.NewFromInt(100))
		if side == core.SideSell {
			slippage = slippage.Neg()
		}
		result.SlippagePercent = slippage
	}

	t.logger.Info("TWAP execution complete",
		"symbol", symbol,
		"filled", result.TotalFilled.String(),
		"requested", totalQuantity.String(),
		"avg_price", result.AveragePrice.String(),
		"slippage_pct", result.SlippagePercent.String(),
		"stopped_early", result.StoppedEarly,
		"stop_reason", result.StopReason)
	return result, nil
}

// preChunkChecks guards each chunk: a widened spread or a price too far
// from the reference stops the schedule with the remainder unfilled
func (t *TWAPExecutor) preChunkChecks(ctx context.Context, symbol string, refPrice decimal.Decimal) (string, bool) {
	book, err := t.exchange.GetOrderBook(ctx, symbol, twapSpreadDepth)
	if err == nil && len(book.Bids) > 0 && len(book.Asks) > 0 {
		bid, ask := book.BestBid(), book.BestAsk()
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		if mid.IsPositive() {
			spread := ask.Sub(bid).Div(mid)
			if spread.GreaterThan(decimal.NewFromFloat(t.cfg.TWAPMaxSpread)) {
				t.logger.Warn("Spread too wide, stopping TWAP",
					"symbol", symbol, "spread", spread.String())
				return fmt.Sprintf("%s: %s%%", StopSpreadTooWide, spread.Mul(decimal.NewFromInt(100)).StringFixed(2)), true
			}
		}
	}

	price, err := t.exchange.GetLatestPrice(ctx, symbol)
	if err != nil || !price.IsPositive() {
		t.logger.Error("Price fetch failed, stopping TWAP", "symbol", symbol, "error", err)
		return StopPriceFetch, true
	}

	deviation := price.Sub(refPrice).Abs().Div(refPrice)
	if deviation.GreaterThan(decimal.NewFromFloat(t.cfg.TWAPMaxDeviation)) {
		t.logger.Warn("Price deviated from reference, stopping TWAP",
			"symbol", symbol,
			"reference", refPrice.String(), "current", price.String(),
			"deviation", deviation.String())
		return fmt.Sprintf("%s: %s%%", StopPriceDeviation, deviation.Mul(decimal.NewFromInt(100)).StringFixed(2)), true
	}
	return "", false
}

func (t *TWAPExecutor) executeChunk(ctx context.Context, symbol string, side core.Side, quantity decimal.Decimal, index int) (*core.ExchangeOrder, *FillResult, error) {
	order, err := t.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     core.OrderTypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("placing chunk %d: %w", index+1, err)
	}

	fill, err := t.poller.WaitForFill(ctx, symbol, order.OrderID, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for chunk %d: %w", index+1, err)
	}
	return order, fill, nil
}
