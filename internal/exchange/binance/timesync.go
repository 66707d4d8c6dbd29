package binance

import (
	"context"
	"sync/atomic"
	"time"

	"spottrader/internal/core"
)

// TimeSync keeps a running offset between local and exchange clocks so
// signed request timestamps stay inside the exchange's recv window.
type TimeSync struct {
	fetchServerTime func(ctx context.Context) (time.Time, error)
	logger          core.ILogger

	offsetMs  atomic.Int64
	lastSync  atomic.Int64
	syncCount atomic.Int64
}

// NewTimeSync creates a TimeSync around a server-time fetcher
func NewTimeSync(fetch func(ctx context.Context) (time.Time, error), logger core.ILogger) *TimeSync {
	return &TimeSync{
		fetchServerTime: fetch,
		logger:          logger.WithField("component", "time_sync"),
	}
}

// Sync measures the clock offset using a single round trip. Half the
// round-trip latency approximates the one-way delay.
func (t *TimeSync) Sync(ctx context.Context) error {
	t1 := time.Now()
	serverTime, err := t.fetchServerTime(ctx)
	if err != nil {
		return err
	}
	t2 := time.Now()

	latency := t2.Sub(t1) / 2
	offset := serverTime.Sub(t1.Add(latency))

	t.offsetMs.Store(offset.Milliseconds())
	t.lastSync.Store(t2.UnixMilli())
	t.syncCount.Add(1)

	if offset.Abs() > time.Second {
		t.logger.Warn("Large clock offset against exchange",
			"offset_ms", offset.Milliseconds(),
			"latency_ms", latency.Milliseconds())
	} else {
		t.logger.Debug("Clock synchronized",
			"offset_ms", offset.Milliseconds(),
			"latency_ms", latency.Milliseconds())
	}

	return nil
}

// Start runs periodic resynchronization until the context is cancelled
func (t *TimeSync) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Sync(ctx); err != nil {
					t.logger.Warn("Periodic time sync failed", "error", err)
				}
			}
		}
	}()
}

// Now returns the local time adjusted by the measured offset
func (t *TimeSync) Now() time.Time {
	return time.Now().Add(time.Duration(t.offsetMs.Load()) * time.Millisecond)
}

// Timestamp returns the adjusted time in epoch milliseconds
func (t *TimeSync) Timestamp() int64 {
	return t.Now().UnixMilli()
}

// OffsetMs returns the current offset in milliseconds
func (t *TimeSync) OffsetMs() int64 {
	return t.offsetMs.Load()
}
