package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/indicators"
	"spottrader/pkg/telemetry"
)

// Decision is the outcome of pre-trade validation
type Decision struct {
	Approved bool
	Reason   string
	Size     SizedPosition
}

// Manager runs the ordered pre-trade checks and tracks the portfolio
// state those checks depend on: open positions, the daily starting
// balance, and the balance high-water mark for drawdown.
type Manager struct {
	cfg     *config.RiskConfig
	sizer   *Sizer
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	mu         sync.RWMutex
	positions  map[string]*core.Position // keyed by position ID
	dailyStart decimal.Decimal
	dailyPnL   decimal.Decimal
	maxBalance decimal.Decimal
}

// NewManager constructs the risk manager
func NewManager(cfg *config.RiskConfig, trading *config.TradingConfig, logger core.ILogger) *Manager {
	return &Manager{
		cfg:       cfg,
		sizer:     NewSizer(cfg.RiskPerTradePercent, trading.MaxPositionValue, trading.MinOrderValue),
		logger:    logger.WithField("component", "risk"),
		metrics:   telemetry.GetGlobalMetrics(),
		positions: make(map[string]*core.Position),
	}
}

// StartDay resets the daily accounting to the given balance
func (m *Manager) StartDay(balance decimal.Decimal) {
	m.mu.Lock()
	m.dailyStart = balance
	m.maxBalance = balance
	m.dailyPnL = decimal.Zero
	m.mu.Unlock()
	m.metrics.SetDailyPnLPercent(0)
	m.logger.Info("Daily start balance set", "balance", balance.String())
}

// UpdateBalance refreshes daily PnL and the drawdown high-water mark
func (m *Manager) UpdateBalance(current decimal.Decimal) {
	m.mu.Lock()
	m.dailyPnL = current.Sub(m.dailyStart)
	if current.GreaterThan(m.maxBalance) {
		m.maxBalance = current
	}
	m.mu.Unlock()
	m.metrics.SetDailyPnLPercent(m.DailyPnLPercent())
}

// DailyPnLPercent returns today's PnL as a percent of the starting
// balance, zero before the day is initialized
func (m *Manager) DailyPnLPercent() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.dailyStart.IsPositive() {
		return 0
	}
	pct, _ := m.dailyPnL.Div(m.dailyStart).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// AddPosition registers an opened position
func (m *Manager) AddPosition(p *core.Position) {
	m.mu.Lock()
	m.positions[p.ID] = p
	count := m.symbolCountLocked(p.Symbol)
	m.mu.Unlock()
	m.metrics.SetOpenPositions(p.Symbol, count)
	m.logger.Info("Position registered",
		"id", p.ID, "symbol", p.Symbol, "side", string(p.Side),
		"entry", p.EntryPrice.String(), "quantity", p.Quantity.String())
}

// RemovePosition drops a closed position by ID
func (m *Manager) RemovePosition(id string) {
	m.mu.Lock()
	p, ok := m.positions[id]
	if ok {
		delete(m.positions, id)
	}
	var symbol string
	var count int64
	if ok {
		symbol = p.Symbol
		count = m.symbolCountLocked(symbol)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.SetOpenPositions(symbol, count)
	}
}

// ReducePosition shrinks a tracked position after a partial exit fill.
// A subsequent close attempt then sells only what is actually held.
func (m *Manager) ReducePosition(id string, remaining decimal.Decimal) {
	m.Apply(id, func(p *core.Position) {
		p.Quantity = remaining
		p.QuoteValue = p.EntryPrice.Mul(remaining)
	})
}

func (m *Manager) symbolCountLocked(symbol string) int64 {
	var n int64
	for _, p := range m.positions {
		if p.Symbol == symbol {
			n++
		}
	}
	return n
}

// Apply runs fn against the live position under the manager lock. It
// returns false when the ID is no longer tracked, which callers treat
// as the position having been closed concurrently.
func (m *Manager) Apply(id string, fn func(p *core.Position)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Positions returns a snapshot of open positions
func (m *Manager) Positions() []*core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PositionCount returns the number of open positions
func (m *Manager) PositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

func (m *Manager) symbolExposure(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, p := range m.positions {
		if p.Symbol == symbol {
			total = total.Add(p.QuoteValue)
		}
	}
	return total
}

// ValidateTrade runs the ordered pre-trade checks. The first failing
// check rejects with its reason; an approval carries the computed size.
func (m *Manager) ValidateTrade(ctx context.Context, signal *core.Signal, balance decimal.Decimal, book *core.OrderBook) Decision {
	hundred := decimal.NewFromInt(100)

	// 1. Microstructure at a rough size estimate
	estimated := balance.Mul(decimal.NewFromFloat(m.cfg.RiskPerTradePercent)).Div(hundred)
	if reason, ok := m.checkMicrostructure(book, estimated); !ok {
		return m.reject(ctx, signal, reason)
	}

	// 2. Position count
	if count := m.PositionCount(); count >= m.cfg.MaxOpenPositions {
		return m.reject(ctx, signal, fmt.Sprintf("maximum positions reached: %d/%d", count, m.cfg.MaxOpenPositions))
	}

	// 3. Daily loss limit
	if pct := m.DailyPnLPercent(); pct <= -m.cfg.MaxDailyLossPercent {
		return m.reject(ctx, signal, fmt.Sprintf("daily loss limit reached: %.2f%% <= -%.2f%%", pct, m.cfg.MaxDailyLossPercent))
	}

	// 4. Drawdown from the balance high-water mark
	m.mu.RLock()
	maxBalance := m.maxBalance
	m.mu.RUnlock()
	if maxBalance.IsPositive() {
		drawdown, _ := maxBalance.Sub(balance).Div(maxBalance).Mul(hundred).Float64()
		if drawdown >= m.cfg.MaxDrawdownPercent {
			return m.reject(ctx, signal, fmt.Sprintf("maximum drawdown reached: %.2f%% >= %.2f%%", drawdown, m.cfg.MaxDrawdownPercent))
		}
	}

	// 5. Per-symbol exposure
	if balance.IsPositive() {
		exposure, _ := m.symbolExposure(signal.Symbol).Div(balance).Mul(hundred).Float64()
		if exposure >= m.cfg.MaxExposurePercent {
			return m.reject(ctx, signal, fmt.Sprintf("symbol exposure limit reached: %.2f%% >= %.2f%%", exposure, m.cfg.MaxExposurePercent))
		}
	}

	// 6. Sizing
	size, err := m.sizer.Size(balance, signal.EntryPrice, signal.StopLoss, signal.Side)
	if err != nil {
		return m.reject(ctx, signal, fmt.Sprintf("position sizing failed: %v", err))
	}

	// 7. Quote reserve left after the trade
	remaining := balance.Sub(size.QuoteValue)
	if remaining.LessThan(decimal.NewFromFloat(m.cfg.MinBalanceReserve)) {
		return m.reject(ctx, signal, fmt.Sprintf("insufficient reserve: %s left after trade, need %.2f", remaining, m.cfg.MinBalanceReserve))
	}

	// 8. Slippage at the real size
	if reason, ok := m.checkMicrostructure(book, size.QuoteValue); !ok {
		return m.reject(ctx, signal, fmt.Sprintf("final slippage check failed: %s", reason))
	}

	m.logger.Info("Trade approved",
		"symbol", signal.Symbol, "side", string(signal.Side),
		"entry", signal.EntryPrice.String(),
		"value", size.QuoteValue.String(),
		"risk", size.RiskAmount.String())
	return Decision{Approved: true, Size: size}
}

// checkMicrostructure validates spread, book liquidity, and the worse of
// the two-sided slippage estimates for an order of the given value
func (m *Manager) checkMicrostructure(book *core.OrderBook, quoteValue decimal.Decimal) (string, bool) {
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return "empty order book", false
	}

	analysis := indicators.AnalyzeBook(book)
	buySide := indicators.AnalyzeMicrostructure(book, core.SideBuy, quoteValue)
	sellSide := indicators.AnalyzeMicrostructure(book, core.SideSell, quoteValue)

	if buySide.Quality == indicators.SpreadWide {
		return fmt.Sprintf("poor spread quality: %s%%", buySide.SpreadPercent.StringFixed(3)), false
	}

	liquidity := analysis.BidLiquidity.Add(analysis.AskLiquidity)
	if liquidity.LessThan(decimal.NewFromFloat(m.cfg.MinLiquidity)) {
		return fmt.Sprintf("insufficient liquidity: %s < %.0f", liquidity.StringFixed(0), m.cfg.MinLiquidity), false
	}

	slippage := decimal.Max(buySide.EstimatedSlippage.Abs(), sellSide.EstimatedSlippage.Abs())
	if slippage.GreaterThan(decimal.NewFromFloat(m.cfg.MaxSlippagePercent)) {
		return fmt.Sprintf("excessive slippage: %s%% > %.3f%%", slippage.StringFixed(3), m.cfg.MaxSlippagePercent), false
	}
	return "", true
}

func (m *Manager) reject(ctx context.Context, signal *core.Signal, reason string) Decision {
	m.logger.Warn("Trade rejected", "symbol", signal.Symbol, "side", string(signal.Side), "reason", reason)
	if m.metrics.SignalsRejectedTotal != nil {
		m.metrics.SignalsRejectedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", signal.Symbol),
			attribute.String("stage", "risk"),
		))
	}
	return Decision{Approved: false, Reason: reason}
}
