package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal      = "spottrader_pnl_realized_total"
	MetricPnLUnrealized         = "spottrader_pnl_unrealized"
	MetricOpenPositions         = "spottrader_open_positions"
	MetricOrdersPlacedTotal     = "spottrader_orders_placed_total"
	MetricOrdersFilledTotal     = "spottrader_orders_filled_total"
	MetricSignalsGeneratedTotal = "spottrader_signals_generated_total"
	MetricSignalsRejectedTotal  = "spottrader_signals_rejected_total"
	MetricVolumeTotal           = "spottrader_volume_quote_total"
	MetricLatencyExchange       = "spottrader_latency_exchange_ms"
	MetricRateLimitUtilization  = "spottrader_rate_limit_utilization"
	MetricEmergencyStop         = "spottrader_emergency_stop"
	MetricDailyPnL              = "spottrader_daily_pnl_percent"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal      metric.Float64Counter
	PnLUnrealized         metric.Float64ObservableGauge
	OpenPositions         metric.Int64ObservableGauge
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	SignalsGeneratedTotal metric.Int64Counter
	SignalsRejectedTotal  metric.Int64Counter
	VolumeTotal           metric.Float64Counter
	LatencyExchange       metric.Float64Histogram
	RateLimitUtilization  metric.Float64ObservableGauge
	EmergencyStop         metric.Int64ObservableGauge
	DailyPnL              metric.Float64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	openPositionsMap map[string]int64
	rateLimitMap     map[string]float64
	emergencyStopVal int64
	dailyPnLVal      float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			openPositionsMap: make(map[string]int64),
			rateLimitMap:     make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in quote currency"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.SignalsGeneratedTotal, err = meter.Int64Counter(MetricSignalsGeneratedTotal, metric.WithDescription("Total trade signals generated by the strategy"))
	if err != nil {
		return err
	}

	m.SignalsRejectedTotal, err = meter.Int64Counter(MetricSignalsRejectedTotal, metric.WithDescription("Total signals rejected by risk checks or dedup"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total traded volume in quote currency"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Number of currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RateLimitUtilization, err = meter.Float64ObservableGauge(MetricRateLimitUtilization, metric.WithDescription("Rate limit budget utilization (0..1) per budget"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for budget, val := range m.rateLimitMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("budget", budget)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EmergencyStop, err = meter.Int64ObservableGauge(MetricEmergencyStop, metric.WithDescription("Emergency stop state (1=stopped, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.emergencyStopVal)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Daily PnL as a percent of the daily starting balance"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnLVal)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetOpenPositions(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[symbol] = count
}

func (m *MetricsHolder) SetRateLimitUtilization(budget string, utilization float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitMap[budget] = utilization
}

func (m *MetricsHolder) SetEmergencyStop(stopped bool) {
	val := int64(0)
	if stopped {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStopVal = val
}

func (m *MetricsHolder) SetDailyPnLPercent(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnLVal = value
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOpenPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openPositionsMap {
		res[k] = v
	}
	return res
}
