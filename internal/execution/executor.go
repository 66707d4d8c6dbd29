package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/indicators"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"
)

// ExecutionReport is the aggregated result of executing one signal
type ExecutionReport struct {
	Route          Route
	Orders         []*core.ExchangeOrder
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fees           decimal.Decimal
	TWAP           *TWAPResult // set for TWAP routes
}

// Executor converts an approved signal into exchange orders: it
// deduplicates, routes by order value and book quality, executes via
// market, limit, or TWAP, and reports the fills.
type Executor struct {
	exchange core.IExchange
	cfg      *config.ExecutionConfig
	dedup    *Deduplicator
	router   *Router
	twap     *TWAPExecutor
	poller   *StatusPoller
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewExecutor wires the execution pipeline
func NewExecutor(exchange core.IExchange, cfg *config.ExecutionConfig, quoteCurrency string, logger core.ILogger) *Executor {
	poller := NewStatusPoller(exchange, cfg, quoteCurrency, logger)
	return &Executor{
		exchange: exchange,
		cfg:      cfg,
		dedup:    NewDeduplicator(cfg, logger),
		router:   NewRouter(cfg, logger),
		twap:     NewTWAPExecutor(exchange, poller, cfg, logger),
		poller:   poller,
		logger:   logger.WithField("component", "executor"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Poller exposes the shared status poller for the closer and monitor
func (e *Executor) Poller() *StatusPoller {
	return e.poller
}

// ExecuteSignal runs the full pipeline for an approved signal with the
// sized quantity. Duplicate signals return ErrDuplicateSignal; a book
// too thin to route returns ErrTradeRejected.
func (e *Executor) ExecuteSignal(ctx context.Context, signal *core.Signal, quantity decimal.Decimal, book *core.OrderBook) (*ExecutionReport, error) {
	if err := e.dedup.Check(signal); err != nil {
		return nil, err
	}

	quoteValue := quantity.Mul(signal.EntryPrice)
	liquidity := indicators.AnalyzeBook(book).Liquidity
	spread := indicators.AnalyzeMicrostructure(book, signal.Side, quoteValue).Quality
	decision := e.router.Route(quoteValue, liquidity, spread)

	var report *ExecutionReport
	var err error
	switch decision.Route {
	case RouteReject:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTradeRejected, decision.Reason)
	case RouteMarket:
		report, err = e.executeMarket(ctx, signal, quantity)
	case RouteLimit:
		report, err = e.executeLimit(ctx, signal, quantity)
	case RouteTWAP:
		report, err = e.executeTWAP(ctx, signal, quantity, decision.TWAPSplits)
	}
	if err != nil {
		return nil, err
	}
	report.Route = decision.Route

	e.dedup.RegisterExecution(signal)
	e.recordMetrics(ctx, signal, report)
	return report, nil
}

func (e *Executor) executeMarket(ctx context.Context, signal *core.Signal, quantity decimal.Decimal) (*ExecutionReport, error) {
	order, err := e.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:   signal.Symbol,
		Side:     signal.Side,
		Type:     core.OrderTypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("placing market order: %w", err)
	}

	fill, err := e.poller.WaitForFill(ctx, signal.Symbol, order.OrderID, 0)
	if err != nil {
		return nil, err
	}
	if !fill.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("market order %d ended %s unfilled", order.OrderID, fill.Status)
	}
	return &ExecutionReport{
		Orders:         []*core.ExchangeOrder{order},
		FilledQuantity: fill.FilledQuantity,
		AvgFillPrice:   fill.AvgFillPrice,
		Fees:           fill.Fees,
	}, nil
}

// executeLimit rests a passive limit order slightly inside the signal
// price; whatever has not filled when polling gives up is cancelled
func (e *Executor) executeLimit(ctx context.Context, signal *core.Signal, quantity decimal.Decimal) (*ExecutionReport, error) {
	offset := decimal.NewFromFloat(e.cfg.LimitPriceOffsetBps).Div(decimal.NewFromInt(10000))
	price := signal.EntryPrice.Mul(decimal.NewFromInt(1).Sub(offset))
	if signal.Side == core.SideSell {
		price = signal.EntryPrice.Mul(decimal.NewFromInt(1).Add(offset))
	}

	order, err := e.exchange.PlaceOrder(ctx, &core.PlaceOrderRequest{
		Symbol:      signal.Symbol,
		Side:        signal.Side,
		Type:        core.OrderTypeLimit,
		Quantity:    quantity,
		Price:       price,
		TimeInForce: core.TimeInForceGTC,
	})
	if err != nil {
		return nil, fmt.Errorf("placing limit order: %w", err)
	}

	fill, err := e.poller.WaitForFill(ctx, signal.Symbol, order.OrderID, 0)
	if err != nil {
		return nil, err
	}

	if fill.Status == FillPartial || fill.Status == FillTimeout {
		if cancelErr := e.exchange.CancelOrder(ctx, signal.Symbol, order.OrderID); cancelErr != nil {
			e.logger.Warn("Failed to cancel unfilled limit remainder",
				"symbol", signal.Symbol, "order_id", order.OrderID, "error", cancelErr)
		}
	}
	if !fill.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("limit order %d ended %s unfilled", order.OrderID, fill.Status)
	}
	return &ExecutionReport{
		Orders:         []*core.ExchangeOrder{order},
		FilledQuantity: fill.FilledQuantity,
		AvgFillPrice:   fill.AvgFillPrice,
		Fees:           fill.Fees,
	}, nil
}

func (e *Executor) executeTWAP(ctx context.Context, signal *core.Signal, quantity decimal.Decimal, splits int) (*ExecutionReport, error) {
	result, err := e.twap.Execute(ctx, signal.Symbol, signal.Side, quantity, signal.EntryPrice, splits)
	if err != nil {
		return nil, err
	}
	if !result.TotalFilled.IsPositive() {
		return nil, fmt.Errorf("TWAP execution filled nothing: %s", result.StopReason)
	}
	return &ExecutionReport{
		Orders:         result.Orders,
		FilledQuantity: result.TotalFilled,
		AvgFillPrice:   result.AveragePrice,
		Fees:           result.TotalFees,
		TWAP:           result,
	}, nil
}

func (e *Executor) recordMetrics(ctx context.Context, signal *core.Signal, report *ExecutionReport) {
	attrs := metric.WithAttributes(
		attribute.String("symbol", signal.Symbol),
		attribute.String("side", string(signal.Side)),
		attribute.String("route", string(report.Route)),
	)
	if e.metrics.OrdersPlacedTotal != nil {
		e.metrics.OrdersPlacedTotal.Add(ctx, int64(len(report.Orders)), attrs)
	}
	if e.metrics.OrdersFilledTotal != nil && report.FilledQuantity.IsPositive() {
		e.metrics.OrdersFilledTotal.Add(ctx, 1, attrs)
	}
	if e.metrics.VolumeTotal != nil {
		volume, _ := report.FilledQuantity.Mul(report.AvgFillPrice).Float64()
		e.metrics.VolumeTotal.Add(ctx, volume, attrs)
	}
}
