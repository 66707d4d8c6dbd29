package binance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"
)

// BudgetConfig holds the exchange rate limit budgets. Margin scales all
// budgets down so bursts never touch the hard exchange limits.
type BudgetConfig struct {
	WeightPerMinute int
	OrdersPerSecond int
	OrdersPerDay    int
	Margin          float64
}

type weightEntry struct {
	at     time.Time
	weight int
}

// RateLimiter enforces the three exchange budgets: request weight per
// minute, orders per second, and orders per day.
type RateLimiter struct {
	logger core.ILogger

	effWeightPerMin int
	effOrdersPerDay int

	mu           sync.Mutex
	weightWindow []weightEntry
	weightSum    int
	orderTimes   []time.Time

	orderLimiter *rate.Limiter

	now func() time.Time
}

// NewRateLimiter creates a limiter from the budget configuration
func NewRateLimiter(cfg BudgetConfig, logger core.ILogger) *RateLimiter {
	effOrdersPerSec := float64(cfg.OrdersPerSecond) * cfg.Margin
	if effOrdersPerSec < 1 {
		effOrdersPerSec = 1
	}

	return &RateLimiter{
		logger:          logger.WithField("component", "rate_limiter"),
		effWeightPerMin: int(float64(cfg.WeightPerMinute) * cfg.Margin),
		effOrdersPerDay: int(float64(cfg.OrdersPerDay) * cfg.Margin),
		orderLimiter:    rate.NewLimiter(rate.Limit(effOrdersPerSec), int(effOrdersPerSec)),
		now:             time.Now,
	}
}

// WaitRequest blocks until the given request weight fits inside the
// per-minute budget, then records it.
func (r *RateLimiter) WaitRequest(ctx context.Context, weight int) error {
	for {
		r.mu.Lock()
		r.pruneLocked()

		if r.weightSum+weight <= r.effWeightPerMin {
			r.weightWindow = append(r.weightWindow, weightEntry{at: r.now(), weight: weight})
			r.weightSum += weight
			utilization := float64(r.weightSum) / float64(r.effWeightPerMin)
			r.mu.Unlock()
			telemetry.GetGlobalMetrics().SetRateLimitUtilization("request_weight", utilization)
			return nil
		}

		// Wait until the oldest entry rolls out of the minute window
		wait := time.Until(r.weightWindow[0].at.Add(time.Minute))
		r.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		r.logger.Debug("Request weight budget exhausted, waiting", "wait", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitOrder reserves capacity for one order placement. The daily budget
// is a hard stop rather than a wait: exhausting it means no more orders
// until the 24h window rolls over.
func (r *RateLimiter) WaitOrder(ctx context.Context) error {
	r.mu.Lock()
	r.pruneLocked()
	if len(r.orderTimes) >= r.effOrdersPerDay {
		r.mu.Unlock()
		return apperrors.ErrDailyOrderBudget
	}
	r.orderTimes = append(r.orderTimes, r.now())
	dayUtil := float64(len(r.orderTimes)) / float64(r.effOrdersPerDay)
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().SetRateLimitUtilization("orders_day", dayUtil)

	return r.orderLimiter.Wait(ctx)
}

// Utilization returns current weight-window and daily-order utilization
func (r *RateLimiter) Utilization() (weight float64, ordersDay float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return float64(r.weightSum) / float64(r.effWeightPerMin),
		float64(len(r.orderTimes)) / float64(r.effOrdersPerDay)
}

// pruneLocked drops weight entries older than one minute and order
// timestamps older than 24 hours. Caller holds r.mu.
func (r *RateLimiter) pruneLocked() {
	now := r.now()

	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(r.weightWindow); i++ {
		if r.weightWindow[i].at.After(cutoff) {
			break
		}
		r.weightSum -= r.weightWindow[i].weight
	}
	if i > 0 {
		r.weightWindow = r.weightWindow[i:]
	}

	dayCutoff := now.Add(-24 * time.Hour)
	j := 0
	for ; j < len(r.orderTimes); j++ {
		if r.orderTimes[j].After(dayCutoff) {
			break
		}
	}
	if j > 0 {
		r.orderTimes = r.orderTimes[j:]
	}
}
