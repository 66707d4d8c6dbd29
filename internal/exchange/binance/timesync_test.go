package binance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSyncOffset(t *testing.T) {
	// Server clock running 5s ahead of local
	ts := NewTimeSync(func(ctx context.Context) (time.Time, error) {
		return time.Now().Add(5 * time.Second), nil
	}, mustLogger(t))

	require.NoError(t, ts.Sync(context.Background()))

	offset := ts.OffsetMs()
	assert.InDelta(t, 5000, offset, 200)

	adjusted := ts.Now()
	assert.InDelta(t, float64(time.Now().Add(5*time.Second).UnixMilli()), float64(adjusted.UnixMilli()), 200)
}

func TestTimeSyncFetchError(t *testing.T) {
	fetchErr := errors.New("connection refused")
	ts := NewTimeSync(func(ctx context.Context) (time.Time, error) {
		return time.Time{}, fetchErr
	}, mustLogger(t))

	err := ts.Sync(context.Background())
	assert.ErrorIs(t, err, fetchErr)
	assert.Zero(t, ts.OffsetMs())
}

func TestTimestampUsesOffset(t *testing.T) {
	ts := NewTimeSync(func(ctx context.Context) (time.Time, error) {
		return time.Now().Add(-2 * time.Second), nil
	}, mustLogger(t))
	require.NoError(t, ts.Sync(context.Background()))

	diff := time.Now().UnixMilli() - ts.Timestamp()
	assert.InDelta(t, 2000, diff, 200)
}
