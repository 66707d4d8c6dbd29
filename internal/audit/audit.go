// Package audit records trading activity as a JSONL trail for
// compliance and post-mortem analysis. Events go to a daily-rotated
// file and a bounded in-memory buffer that powers queries and the
// daily summary.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"spottrader/internal/config"
	"spottrader/internal/core"
)

// EventType classifies audit events
type EventType string

const (
	EventSignalGenerated EventType = "signal_generated"
	EventSignalRejected  EventType = "signal_rejected"
	EventOrderPlaced     EventType = "order_placed"
	EventOrderFilled     EventType = "order_filled"
	EventOrderCancelled  EventType = "order_cancelled"
	EventOrderRejected   EventType = "order_rejected"
	EventPositionOpened  EventType = "position_opened"
	EventPositionClosed  EventType = "position_closed"
	EventRiskCheckPassed EventType = "risk_check_passed"
	EventRiskCheckFailed EventType = "risk_check_failed"
	EventBotStarted      EventType = "bot_started"
	EventBotStopped      EventType = "bot_stopped"
	EventEmergencyStop   EventType = "emergency_stop"
	EventError           EventType = "error"
)

// Event is one audit trail entry
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"event_type"`
	Symbol    string                 `json:"symbol,omitempty"`
	RefID     string                 `json:"ref_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Logger writes audit events to daily JSONL files and keeps the most
// recent ones in memory. File write failures are logged and swallowed;
// an audit hiccup must never stop trading.
type Logger struct {
	dir        string
	bufferSize int
	toFile     bool
	logger     core.ILogger

	mu          sync.Mutex
	events      []Event
	currentDate string
	file        *os.File
}

// NewLogger creates the audit logger and its directory. An empty dir
// disables file output.
func NewLogger(cfg *config.AuditConfig, logger core.ILogger) (*Logger, error) {
	l := &Logger{
		dir:        cfg.Dir,
		bufferSize: cfg.BufferSize,
		toFile:     cfg.Dir != "",
		logger:     logger.WithField("component", "audit"),
	}
	if l.bufferSize <= 0 {
		l.bufferSize = 1000
	}
	if l.toFile {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	return l, nil
}

// Close flushes and closes the current audit file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Log records one event with optional symbol and reference ID
func (l *Logger) Log(eventType EventType, symbol, refID string, data map[string]interface{}) Event {
	event := Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Symbol:    symbol,
		RefID:     refID,
		Data:      data,
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.bufferSize {
		l.events = l.events[len(l.events)-l.bufferSize:]
	}
	l.writeLocked(event)
	l.mu.Unlock()

	l.logger.Debug("Audit event", "type", string(eventType), "symbol", symbol, "ref", refID)
	return event
}

// writeLocked appends the event to the daily file, rotating at UTC
// midnight. Caller holds the mutex.
func (l *Logger) writeLocked(event Event) {
	if !l.toFile {
		return
	}
	date := event.Timestamp.Format("2006-01-02")
	if date != l.currentDate {
		if l.file != nil {
			_ = l.file.Close()
		}
		path := filepath.Join(l.dir, fmt.Sprintf("audit_%s.jsonl", date))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.logger.Error("Failed to open audit file", "path", path, "error", err)
			l.file = nil
			return
		}
		l.file = file
		l.currentDate = date
	}
	if l.file == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("Failed to marshal audit event", "error", err)
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Error("Failed to write audit event", "error", err)
	}
}

// LogSignal records a generated or rejected signal
func (l *Logger) LogSignal(signal *core.Signal, accepted bool, rejectionReason string) Event {
	eventType := EventSignalGenerated
	if !accepted {
		eventType = EventSignalRejected
	}
	return l.Log(eventType, signal.Symbol, signal.ID, map[string]interface{}{
		"side":             string(signal.Side),
		"entry_price":      signal.EntryPrice.String(),
		"stop_loss":        signal.StopLoss.String(),
		"take_profit":      signal.TakeProfit.String(),
		"confidence":       signal.Confidence.String(),
		"buy_score":        signal.BuyScore.String(),
		"sell_score":       signal.SellScore.String(),
		"reasons":          signal.Reasons,
		"accepted":         accepted,
		"rejection_reason": rejectionReason,
	})
}

// LogOrder records an order lifecycle event keyed off the order status
func (l *Logger) LogOrder(order *core.ExchangeOrder, errMsg string) Event {
	eventType := EventOrderPlaced
	switch order.Status {
	case core.OrderStatusFilled:
		eventType = EventOrderFilled
	case core.OrderStatusCancelled:
		eventType = EventOrderCancelled
	case core.OrderStatusRejected:
		eventType = EventOrderRejected
	}
	return l.Log(eventType, order.Symbol, fmt.Sprintf("%d", order.OrderID), map[string]interface{}{
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"quantity":        order.OrigQuantity.String(),
		"price":           order.Price.String(),
		"status":          string(order.Status),
		"filled_quantity": order.ExecutedQuantity.String(),
		"error":           errMsg,
	})
}

// LogPositionOpened records a new position
func (l *Logger) LogPositionOpened(position *core.Position) Event {
	return l.Log(EventPositionOpened, position.Symbol, position.ID, map[string]interface{}{
		"side":        string(position.Side),
		"entry_price": position.EntryPrice.String(),
		"quantity":    position.Quantity.String(),
		"quote_value": position.QuoteValue.String(),
		"stop_loss":   position.StopLoss.String(),
		"take_profit": position.TakeProfit.String(),
	})
}

// LogPositionClosed records a completed trade
func (l *Logger) LogPositionClosed(record *core.TradeRecord) Event {
	pnl, _ := record.PnL.Float64()
	return l.Log(EventPositionClosed, record.Symbol, record.ID, map[string]interface{}{
		"side":         string(record.Side),
		"entry_price":  record.EntryPrice.String(),
		"exit_price":   record.ExitPrice.String(),
		"quantity":     record.Quantity.String(),
		"pnl":          pnl,
		"pnl_percent":  record.PnLPercent.String(),
		"total_fees":   record.TotalFees.String(),
		"close_reason": record.ClosureReason,
		"hold_seconds": record.HoldSeconds,
	})
}

// LogRiskCheck records a risk validation outcome
func (l *Logger) LogRiskCheck(symbol string, passed bool, reason string, details map[string]interface{}) Event {
	eventType := EventRiskCheckPassed
	if !passed {
		eventType = EventRiskCheckFailed
	}
	data := map[string]interface{}{"passed": passed, "reason": reason}
	for k, v := range details {
		data[k] = v
	}
	return l.Log(eventType, symbol, "", data)
}

// LogSystem records a system-level event
func (l *Logger) LogSystem(eventType EventType, message string, details map[string]interface{}) Event {
	data := map[string]interface{}{"message": message}
	for k, v := range details {
		data[k] = v
	}
	return l.Log(eventType, "", "", data)
}

// LogError records an error event
func (l *Logger) LogError(errMsg, symbol string, context map[string]interface{}) Event {
	return l.Log(EventError, symbol, "", map[string]interface{}{
		"error":   errMsg,
		"context": context,
	})
}

// RecentEvents returns up to count events, newest first, optionally
// filtered by type and symbol. Empty filters match everything.
func (l *Logger) RecentEvents(count int, eventType EventType, symbol string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0 && len(out) < count; i-- {
		e := l.events[i]
		if eventType != "" && e.Type != eventType {
			continue
		}
		if symbol != "" && !strings.EqualFold(e.Symbol, symbol) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DailySummary aggregates today's buffered events
type DailySummary struct {
	Date             string            `json:"date"`
	TotalEvents      int               `json:"total_events"`
	EventCounts      map[EventType]int `json:"event_counts"`
	SignalsGenerated int               `json:"signals_generated"`
	SignalsRejected  int               `json:"signals_rejected"`
	OrdersPlaced     int               `json:"orders_placed"`
	OrdersFilled     int               `json:"orders_filled"`
	PositionsOpened  int               `json:"positions_opened"`
	PositionsClosed  int               `json:"positions_closed"`
	TotalPnL         float64           `json:"total_pnl"`
	Errors           int               `json:"errors"`
}

// Summary computes the daily summary from the in-memory buffer
func (l *Logger) Summary() DailySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	summary := DailySummary{
		Date:        today,
		EventCounts: make(map[EventType]int),
	}
	for _, e := range l.events {
		if e.Timestamp.Format("2006-01-02") != today {
			continue
		}
		summary.TotalEvents++
		summary.EventCounts[e.Type]++
		if e.Type == EventPositionClosed {
			if pnl, ok := e.Data["pnl"].(float64); ok {
				summary.TotalPnL += pnl
			}
		}
	}
	summary.SignalsGenerated = summary.EventCounts[EventSignalGenerated]
	summary.SignalsRejected = summary.EventCounts[EventSignalRejected]
	summary.OrdersPlaced = summary.EventCounts[EventOrderPlaced]
	summary.OrdersFilled = summary.EventCounts[EventOrderFilled]
	summary.PositionsOpened = summary.EventCounts[EventPositionOpened]
	summary.PositionsClosed = summary.EventCounts[EventPositionClosed]
	summary.Errors = summary.EventCounts[EventError]
	return summary
}
