package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spottrader/internal/config"
	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
)

// FillStatus is the terminal outcome of fill monitoring
type FillStatus string

const (
	FillComplete FillStatus = "FILLED"
	FillPartial  FillStatus = "PARTIAL"
	FillFailed   FillStatus = "FAILED"
	FillTimeout  FillStatus = "TIMEOUT"
)

// fallbackFeeRate estimates fees when the exchange reports no fills
const fallbackFeeRate = 0.001

// FillResult summarizes how an order ended up
type FillResult struct {
	Status         FillStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fees           decimal.Decimal // in quote currency
	FillTime       time.Time
	Polls          int
	FailureReason  string
}

// StatusPoller polls the exchange until an order reaches a terminal
// state or the timeout passes. Partial fills return immediately so the
// caller can decide whether to keep waiting or cancel the rest.
type StatusPoller struct {
	exchange      core.IExchange
	quoteCurrency string
	interval      time.Duration
	timeout       time.Duration
	maxErrors     int
	logger        core.ILogger
}

// NewStatusPoller constructs a poller with the configured cadence
func NewStatusPoller(exchange core.IExchange, cfg *config.ExecutionConfig, quoteCurrency string, logger core.ILogger) *StatusPoller {
	return &StatusPoller{
		exchange:      exchange,
		quoteCurrency: strings.ToUpper(quoteCurrency),
		interval:      time.Duration(cfg.PollIntervalSeconds) * time.Second,
		timeout:       time.Duration(cfg.PollTimeoutSeconds) * time.Second,
		maxErrors:     cfg.PollMaxErrors,
		logger:        logger.WithField("component", "status_poller"),
	}
}

// WaitForFill polls the order until FILLED, a partial fill, a terminal
// failure, too many consecutive request errors, or timeout. On timeout
// one final best-effort read can still rescue a fill that landed late.
func (p *StatusPoller) WaitForFill(ctx context.Context, symbol string, orderID int64, timeout time.Duration) (*FillResult, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	deadline := time.Now().Add(timeout)
	polls := 0
	consecutiveErrors := 0

	for time.Now().Before(deadline) {
		polls++

		order, err := p.exchange.GetOrder(ctx, symbol, orderID)
		if err != nil {
			consecutiveErrors++
			p.logger.Error("Order status poll failed",
				"symbol", symbol, "order_id", orderID,
				"consecutive_errors", consecutiveErrors, "error", err)
			if consecutiveErrors >= p.maxErrors {
				return nil, fmt.Errorf("order status unavailable after %d consecutive errors: %w", consecutiveErrors, err)
			}
			if serr := p.sleep(ctx); serr != nil {
				return nil, serr
			}
			continue
		}
		consecutiveErrors = 0

		switch order.Status {
		case core.OrderStatusFilled:
			result := p.filledResult(ctx, order, polls)
			p.logger.Info("Order filled",
				"symbol", symbol, "order_id", orderID,
				"quantity", result.FilledQuantity.String(),
				"avg_price", result.AvgFillPrice.String(),
				"fees", result.Fees.String(), "polls", polls)
			return result, nil

		case core.OrderStatusPartiallyFilled:
			result := p.filledResult(ctx, order, polls)
			result.Status = FillPartial
			p.logger.Warn("Order partially filled",
				"symbol", symbol, "order_id", orderID,
				"filled", result.FilledQuantity.String(),
				"requested", order.OrigQuantity.String())
			return result, nil

		case core.OrderStatusCancelled, core.OrderStatusRejected, core.OrderStatusExpired:
			p.logger.Error("Order reached failed state",
				"symbol", symbol, "order_id", orderID, "status", string(order.Status))
			return &FillResult{
				Status:         FillFailed,
				FilledQuantity: order.ExecutedQuantity,
				FillTime:       time.Now(),
				Polls:          polls,
				FailureReason:  string(order.Status),
			}, nil
		}

		if err := p.sleep(ctx); err != nil {
			return nil, err
		}
	}

	// Timeout: one final read in case the fill landed while we waited
	filled := decimal.Zero
	if order, err := p.exchange.GetOrder(ctx, symbol, orderID); err == nil {
		if order.Status == core.OrderStatusFilled {
			p.logger.Warn("Order filled after timeout window",
				"symbol", symbol, "order_id", orderID)
			return p.filledResult(ctx, order, polls), nil
		}
		filled = order.ExecutedQuantity
	}

	p.logger.Error("Timed out waiting for order",
		"symbol", symbol, "order_id", orderID,
		"timeout", timeout.String(), "polls", polls)
	return &FillResult{
		Status:         FillTimeout,
		FilledQuantity: filled,
		FillTime:       time.Now(),
		Polls:          polls,
		FailureReason:  apperrors.ErrOrderStatusTimeout.Error(),
	}, nil
}

func (p *StatusPoller) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.interval):
		return nil
	}
}

func (p *StatusPoller) filledResult(ctx context.Context, order *core.ExchangeOrder, polls int) *FillResult {
	fillTime := order.TransactTime
	if fillTime.IsZero() {
		fillTime = time.Now()
	}
	return &FillResult{
		Status:         FillComplete,
		FilledQuantity: order.ExecutedQuantity,
		AvgFillPrice:   order.AveragePrice(),
		Fees:           p.calculateFees(ctx, order),
		FillTime:       fillTime,
		Polls:          polls,
	}
}

// calculateFees sums fill commissions in quote currency. Commissions
// paid in another asset (BNB discounts, the base asset on buys) are
// converted at the exchange's current price for that asset; fills the
// exchange did not itemize fall back to a flat taker-fee estimate.
func (p *StatusPoller) calculateFees(ctx context.Context, order *core.ExchangeOrder) decimal.Decimal {
	if len(order.Fills) == 0 {
		if order.ExecutedQuantity.IsPositive() {
			return order.AveragePrice().Mul(order.ExecutedQuantity).Mul(decimal.NewFromFloat(fallbackFeeRate))
		}
		return decimal.Zero
	}

	total := decimal.Zero
	for _, fill := range order.Fills {
		asset := strings.ToUpper(fill.CommissionAsset)
		switch {
		case !fill.Commission.IsPositive():
			// zero commission, nothing to add
		case asset == p.quoteCurrency:
			total = total.Add(fill.Commission)
		default:
			price, err := p.exchange.GetLatestPrice(ctx, asset+p.quoteCurrency)
			if err != nil || !price.IsPositive() {
				estimated := fill.Price.Mul(fill.Quantity).Mul(decimal.NewFromFloat(fallbackFeeRate))
				p.logger.Warn("No conversion price for commission asset, estimating fee",
					"asset", asset, "estimated", estimated.String())
				total = total.Add(estimated)
				continue
			}
			total = total.Add(fill.Commission.Mul(price))
		}
	}
	return total
}
