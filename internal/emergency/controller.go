// Package emergency implements the safety controller: kill switch,
// loss-limit triggers, trading pause, and flatten-everything closure.
package emergency

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/execution"
	"spottrader/internal/risk"
	apperrors "spottrader/pkg/errors"
	"spottrader/pkg/telemetry"
)

// FailedClosure records a position that survived a close-all attempt
type FailedClosure struct {
	PositionID string
	Symbol     string
	Err        error
}

// CloseAllResult summarizes a flatten-everything pass
type CloseAllResult struct {
	Closed   int
	Failed   []FailedClosure
	TotalPnL decimal.Decimal
}

// Controller watches for crisis conditions and halts trading when one
// fires. Once the emergency stop trips it stays tripped until an
// operator resumes trading explicitly.
type Controller struct {
	cfg      *config.EmergencyConfig
	manager  *risk.Manager
	exchange core.IExchange
	closer   *execution.Closer
	store    core.ITradeStore
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu            sync.Mutex
	emergencyMode bool
	paused        bool
	stopReason    string
}

// NewController constructs the emergency controller. store may be nil.
func NewController(cfg *config.EmergencyConfig, manager *risk.Manager, exchange core.IExchange, closer *execution.Closer, store core.ITradeStore, logger core.ILogger) *Controller {
	return &Controller{
		cfg:      cfg,
		manager:  manager,
		exchange: exchange,
		closer:   closer,
		store:    store,
		logger:   logger.WithField("component", "emergency"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Guard reports why trading must not proceed, or nil when it may
func (c *Controller) Guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergencyMode {
		return fmt.Errorf("%w: %s", apperrors.ErrEmergencyStop, c.stopReason)
	}
	if c.paused {
		return apperrors.ErrTradingPaused
	}
	return nil
}

// CheckTriggers evaluates the emergency conditions in order: daily
// loss, single-position loss, kill-switch file. A positive balance
// refreshes the risk manager's daily accounting first. Returns true
// when a trigger fired and the stop ran.
func (c *Controller) CheckTriggers(ctx context.Context, currentBalance decimal.Decimal) bool {
	if currentBalance.IsPositive() {
		c.manager.UpdateBalance(currentBalance)
	}

	dailyPct := c.manager.DailyPnLPercent()
	if dailyPct <= -c.cfg.MaxDailyLossPercent {
		c.logger.Error("Daily loss limit breached",
			"daily_pnl_pct", dailyPct,
			"limit_pct", c.cfg.MaxDailyLossPercent)
		c.TriggerEmergencyStop(ctx, fmt.Sprintf("daily loss %.2f%%", dailyPct))
		return true
	}

	for _, position := range c.manager.Positions() {
		price, err := c.exchange.GetLatestPrice(ctx, position.Symbol)
		if err != nil || !price.IsPositive() {
			c.logger.Warn("Price unavailable for position loss check",
				"symbol", position.Symbol, "error", err)
			continue
		}
		value := position.EntryPrice.Mul(position.Quantity)
		if !value.IsPositive() {
			continue
		}
		pnlPct := position.UnrealizedPnL(price).Div(value).Mul(decimal.NewFromInt(100))
		if pnlPct.LessThanOrEqual(decimal.NewFromFloat(-c.cfg.MaxPositionLossPercent)) {
			c.logger.Error("Single position loss limit breached",
				"id", position.ID, "symbol", position.Symbol,
				"pnl_pct", pnlPct.StringFixed(2),
				"limit_pct", c.cfg.MaxPositionLossPercent)
			c.TriggerEmergencyStop(ctx, fmt.Sprintf("position %s loss %s%%", position.Symbol, pnlPct.StringFixed(2)))
			return true
		}
	}

	if c.killSwitchPresent() {
		c.logger.Error("Kill switch file detected", "path", c.cfg.KillSwitchPath)
		c.TriggerEmergencyStop(ctx, "kill switch file detected")
		return true
	}
	return false
}

// TriggerEmergencyStop flattens every position and pauses trading. A
// second trigger while one is in progress is a no-op; close failures
// still leave trading paused.
func (c *Controller) TriggerEmergencyStop(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.emergencyMode {
		c.mu.Unlock()
		c.logger.Warn("Emergency stop already in progress")
		return
	}
	c.emergencyMode = true
	c.stopReason = reason
	c.mu.Unlock()

	c.metrics.SetEmergencyStop(true)
	c.logger.Error("EMERGENCY STOP TRIGGERED", "reason", reason)

	result := c.CloseAllPositions(ctx, execution.ReasonEmergency, true)
	c.logger.Error("Emergency closure complete",
		"closed", result.Closed,
		"failed", len(result.Failed),
		"total_pnl", result.TotalPnL.StringFixed(2))
	for _, f := range result.Failed {
		c.logger.Error("Position failed to close during emergency",
			"id", f.PositionID, "symbol", f.Symbol, "error", f.Err)
	}

	if delay := time.Duration(c.cfg.CloseVerifyDelaySeconds) * time.Second; delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if remaining := c.manager.PositionCount(); remaining > 0 {
			c.logger.Error("Positions still open after emergency closure",
				"remaining", remaining)
		}
	}

	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.logger.Error("Emergency stop completed, trading paused")
}

// CloseAllPositions flattens every open position concurrently with
// market orders. Failures are collected, never fatal; the survivors
// stay tracked for a retry.
func (c *Controller) CloseAllPositions(ctx context.Context, reason string, emergency bool) *CloseAllResult {
	positions := c.manager.Positions()
	result := &CloseAllResult{}
	if len(positions) == 0 {
		c.logger.Info("No open positions to close")
		return result
	}

	c.logger.Warn("Closing all positions",
		"count", len(positions), "reason", reason)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, position := range positions {
		position := position
		g.Go(func() error {
			closeResult, err := c.closer.ClosePosition(gctx, position, reason, emergency)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, FailedClosure{
					PositionID: position.ID,
					Symbol:     position.Symbol,
					Err:        err,
				})
				return nil
			}
			result.Closed++
			result.TotalPnL = result.TotalPnL.Add(closeResult.NetPnL)
			if closeResult.Record != nil && c.store != nil {
				if serr := c.store.SaveTrade(gctx, closeResult.Record); serr != nil {
					c.logger.Error("Failed to persist emergency trade record",
						"id", position.ID, "error", serr)
				}
				if derr := c.store.DeletePosition(gctx, position.ID); derr != nil {
					c.logger.Error("Failed to delete stored position",
						"id", position.ID, "error", derr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Warn("Position closure complete",
		"closed", result.Closed, "requested", len(positions),
		"total_pnl", result.TotalPnL.StringFixed(2))
	return result
}

// PauseTrading blocks new positions while existing ones stay monitored
func (c *Controller) PauseTrading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.logger.Warn("Trading already paused")
		return
	}
	c.paused = true
	c.logger.Warn("Trading paused, no new positions will be opened")
}

// ResumeTrading clears both the pause and the emergency latch
func (c *Controller) ResumeTrading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused && !c.emergencyMode {
		c.logger.Info("Trading already active")
		return
	}
	c.paused = false
	c.emergencyMode = false
	c.stopReason = ""
	c.metrics.SetEmergencyStop(false)
	c.logger.Info("Trading resumed")
}

// IsPaused reports whether new positions are blocked
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsEmergency reports whether the emergency latch is set
func (c *Controller) IsEmergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergencyMode
}

func (c *Controller) killSwitchPresent() bool {
	if c.cfg.KillSwitchPath == "" {
		return false
	}
	_, err := os.Stat(c.cfg.KillSwitchPath)
	return err == nil
}

// CreateKillSwitch writes the kill-switch file for a manual stop; the
// next trigger check picks it up
func (c *Controller) CreateKillSwitch() error {
	content := fmt.Sprintf("KILL_SWITCH\nCreated: %s\n", time.Now().Format(time.RFC3339))
	if err := os.WriteFile(c.cfg.KillSwitchPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("creating kill switch file: %w", err)
	}
	c.logger.Error("Kill switch file created", "path", c.cfg.KillSwitchPath)
	return nil
}

// RemoveKillSwitch clears the kill-switch file if present
func (c *Controller) RemoveKillSwitch() error {
	err := os.Remove(c.cfg.KillSwitchPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing kill switch file: %w", err)
	}
	if err == nil {
		c.logger.Info("Kill switch file removed", "path", c.cfg.KillSwitchPath)
	}
	return nil
}
