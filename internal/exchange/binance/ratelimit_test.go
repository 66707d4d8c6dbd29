package binance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "spottrader/pkg/errors"
)

func TestRateLimiterWeightBudget(t *testing.T) {
	limiter := NewRateLimiter(BudgetConfig{
		WeightPerMinute: 100,
		OrdersPerSecond: 10,
		OrdersPerDay:    1000,
		Margin:          1.0,
	}, mustLogger(t))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.WaitRequest(ctx, 10))
	}

	weight, _ := limiter.Utilization()
	assert.InDelta(t, 1.0, weight, 0.001)

	// Budget is full: the next request must block until entries expire,
	// so a short-deadline context gets cancelled instead
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := limiter.WaitRequest(shortCtx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterMarginApplied(t *testing.T) {
	limiter := NewRateLimiter(BudgetConfig{
		WeightPerMinute: 100,
		OrdersPerSecond: 10,
		OrdersPerDay:    1000,
		Margin:          0.8,
	}, mustLogger(t))

	ctx := context.Background()
	// Effective budget is 80, so the ninth unit of 10 must not fit
	for i := 0; i < 8; i++ {
		require.NoError(t, limiter.WaitRequest(ctx, 10))
	}
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.WaitRequest(shortCtx, 10), context.DeadlineExceeded)
}

func TestRateLimiterDailyOrderBudget(t *testing.T) {
	limiter := NewRateLimiter(BudgetConfig{
		WeightPerMinute: 1200,
		OrdersPerSecond: 100,
		OrdersPerDay:    5,
		Margin:          1.0,
	}, mustLogger(t))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.WaitOrder(ctx))
	}

	err := limiter.WaitOrder(ctx)
	assert.ErrorIs(t, err, apperrors.ErrDailyOrderBudget)
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	limiter := NewRateLimiter(BudgetConfig{
		WeightPerMinute: 100,
		OrdersPerSecond: 10,
		OrdersPerDay:    1000,
		Margin:          1.0,
	}, mustLogger(t))

	// Backdate the clock so recorded entries are already outside the window
	base := time.Now().Add(-2 * time.Minute)
	limiter.now = func() time.Time { return base }

	ctx := context.Background()
	require.NoError(t, limiter.WaitRequest(ctx, 100))

	limiter.now = time.Now
	weight, _ := limiter.Utilization()
	assert.Zero(t, weight)

	require.NoError(t, limiter.WaitRequest(ctx, 100))
}
