package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/indicators"
	"spottrader/pkg/telemetry"
)

// Factor weight keys
const (
	FactorVolumeProfile = "volume_profile"
	FactorOrderBook     = "orderbook"
	FactorCVD           = "cvd"
	FactorSupplyDemand  = "supply_demand"
	FactorHVNSupport    = "hvn_support"
	FactorTimeOfDay     = "time_of_day"
)

const (
	// HVN counts as support/resistance within half a percent of price
	hvnProximityPct = 0.005

	// Stop placement pads
	stopZonePad     = 0.005
	stopFallbackPct = 0.02

	// Volume amplifier: last 10 bars against the prior 40
	volumeRecentBars   = 10
	volumeBaselineBars = 40
	volumeSurgeFactor  = 1.2
)

// Name tags signals and trade records produced by this engine
const Name = "InstitutionalStrategy"

// MarketView is the snapshot the engine scores: closed candles, a depth
// snapshot, the recent trade tape, and the reference price
type MarketView struct {
	Symbol  string
	Candles []core.Candle
	Book    *core.OrderBook
	Trades  []core.Trade
	Price   decimal.Decimal
}

// Scores holds the last computed factor totals for one symbol
type Scores struct {
	Buy  float64
	Sell float64
	Max  float64
	At   time.Time
}

// Engine is the institutional multi-factor scoring strategy. It is
// stateless across cycles apart from the cached volume profiles and the
// last scores kept for status reporting.
type Engine struct {
	cfg      *config.StrategyConfig
	profiler *indicators.VolumeProfiler
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu   sync.RWMutex
	last map[string]Scores
}

// NewEngine constructs the scoring engine
func NewEngine(cfg *config.StrategyConfig, logger core.ILogger) *Engine {
	return &Engine{
		cfg:      cfg,
		profiler: indicators.NewVolumeProfiler(logger),
		logger:   logger.WithField("component", "strategy"),
		metrics:  telemetry.GetGlobalMetrics(),
		last:     make(map[string]Scores),
	}
}

// LastScores returns the most recent factor totals for a symbol, kept
// even when no signal fired so observers can tell "quiet" from "close"
func (e *Engine) LastScores(symbol string) (Scores, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.last[symbol]
	return s, ok
}

func (e *Engine) storeScores(symbol string, s Scores) {
	e.mu.Lock()
	e.last[symbol] = s
	e.mu.Unlock()
}

func (e *Engine) weight(factor string) float64 {
	return e.cfg.FactorWeights[factor]
}

func (e *Engine) maxScore() float64 {
	var total float64
	for _, w := range e.cfg.FactorWeights {
		total += w
	}
	return total
}

// Evaluate scores one symbol and returns a signal when a side clears its
// threshold, or nil when nothing qualifies
func (e *Engine) Evaluate(ctx context.Context, view MarketView) (*core.Signal, error) {
	if len(view.Candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", view.Symbol)
	}
	if view.Book == nil || len(view.Book.Bids) == 0 || len(view.Book.Asks) == 0 {
		return nil, fmt.Errorf("no order book for %s", view.Symbol)
	}

	price := view.Price
	if !price.IsPositive() {
		price = view.Candles[len(view.Candles)-1].Close
	}

	profile, err := e.profiler.Profile(view.Symbol, view.Candles)
	if err != nil {
		return nil, fmt.Errorf("volume profile for %s: %w", view.Symbol, err)
	}

	book := indicators.AnalyzeBook(view.Book)
	micro := indicators.AnalyzeMicrostructure(view.Book, core.SideBuy, decimal.Zero)

	// Hard gate: do not trade into a wide spread or a thin book
	if micro.Quality == indicators.SpreadWide || book.Liquidity == indicators.LiquidityPoor {
		e.logger.Debug("Skipping symbol on poor microstructure",
			"symbol", view.Symbol,
			"spread_quality", string(micro.Quality),
			"liquidity", string(book.Liquidity))
		return nil, nil
	}

	divergence := indicators.Divergence(indicators.ComputeCVD(view.Candles, view.Trades))
	zones := indicators.FindZones(view.Candles)
	demandZone := strongestZone(zones, indicators.ZoneDemand, price)
	supplyZone := strongestZone(zones, indicators.ZoneSupply, price)
	hvn, hvnOK := profile.NearestHVN(price)

	var buy, sell float64
	var reasons []string
	award := func(side *float64, points float64, reason string) {
		*side += points
		reasons = append(reasons, reason)
	}

	// Volume profile position
	if price.LessThan(profile.VAL) {
		award(&buy, e.weight(FactorVolumeProfile), "price below value area low")
	} else if price.GreaterThan(profile.VAH) {
		award(&sell, e.weight(FactorVolumeProfile), "price above value area high")
	}

	// Order book imbalance, half weight for moderate pressure
	switch book.Pressure {
	case indicators.PressureStrongBuy:
		award(&buy, e.weight(FactorOrderBook), "strong buy pressure")
	case indicators.PressureModerateBuy:
		award(&buy, e.weight(FactorOrderBook)/2, "moderate buy pressure")
	case indicators.PressureStrongSell:
		award(&sell, e.weight(FactorOrderBook), "strong sell pressure")
	case indicators.PressureModerateSell:
		award(&sell, e.weight(FactorOrderBook)/2, "moderate sell pressure")
	}

	// CVD divergence
	switch divergence {
	case indicators.DivergenceBullish:
		award(&buy, e.weight(FactorCVD), "bullish CVD divergence")
	case indicators.DivergenceBearish:
		award(&sell, e.weight(FactorCVD), "bearish CVD divergence")
	}

	// Fresh supply/demand zones only, scaled by breakout strength
	if demandZone != nil {
		award(&buy, e.weight(FactorSupplyDemand)*demandZone.Strength, "inside fresh demand zone")
	}
	if supplyZone != nil {
		award(&sell, e.weight(FactorSupplyDemand)*supplyZone.Strength, "inside fresh supply zone")
	}

	// HVN acts as support when price trades just above it
	if hvnOK {
		distance := price.Sub(hvn).Abs().Div(price)
		if distance.LessThan(decimal.NewFromFloat(hvnProximityPct)) {
			if price.GreaterThan(hvn) {
				award(&buy, e.weight(FactorHVNSupport), "resting on high-volume support")
			} else {
				award(&sell, e.weight(FactorHVNSupport), "pressing high-volume resistance")
			}
		}
	}

	// Volume amplifier reinforces whichever side already leads
	if volumeSurging(view.Candles) {
		if buy > sell {
			award(&buy, e.weight(FactorTimeOfDay), "elevated volume with buy bias")
		} else if sell > buy {
			award(&sell, e.weight(FactorTimeOfDay), "elevated volume with sell bias")
		}
	}

	max := e.maxScore()
	e.storeScores(view.Symbol, Scores{Buy: buy, Sell: sell, Max: max, At: time.Now()})

	e.logger.Debug("Factor scores",
		"symbol", view.Symbol,
		"buy_score", buy,
		"sell_score", sell,
		"max_score", max)

	var side core.Side
	var score float64
	switch {
	case buy >= e.cfg.BuyThreshold() && buy > sell:
		side, score = core.SideBuy, buy
	case sell >= e.cfg.SellThreshold() && sell > buy:
		side, score = core.SideSell, sell
	default:
		return nil, nil
	}

	stop := e.stopLoss(side, price, demandZone, supplyZone, hvn, hvnOK)
	target := e.takeProfit(side, price, stop, profile.POC)

	signal := &core.Signal{
		ID:          uuid.NewString(),
		Symbol:      view.Symbol,
		Side:        side,
		EntryPrice:  price,
		StopLoss:    stop,
		TakeProfit:  target,
		Confidence:  decimal.NewFromFloat(score / max),
		BuyScore:    decimal.NewFromFloat(buy),
		SellScore:   decimal.NewFromFloat(sell),
		MaxScore:    decimal.NewFromFloat(max),
		Reasons:     reasons,
		GeneratedAt: time.Now(),
	}

	if e.metrics.SignalsGeneratedTotal != nil {
		e.metrics.SignalsGeneratedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", signal.Symbol),
			attribute.String("side", string(signal.Side)),
		))
	}

	e.logger.Info("Signal generated",
		"symbol", signal.Symbol,
		"side", string(signal.Side),
		"entry", signal.EntryPrice.String(),
		"stop_loss", signal.StopLoss.String(),
		"take_profit", signal.TakeProfit.String(),
		"confidence", signal.Confidence.String())

	return signal, nil
}

// stopLoss places the stop under structure when structure exists: below
// the demand zone for longs, above the supply zone for shorts, next to a
// nearby HVN, and a fixed fraction from entry as the last resort
func (e *Engine) stopLoss(side core.Side, price decimal.Decimal, demand, supply *indicators.Zone, hvn decimal.Decimal, hvnOK bool) decimal.Decimal {
	zonePad := decimal.NewFromFloat(1 - stopZonePad)
	fallback := decimal.NewFromFloat(1 - stopFallbackPct)
	if side == core.SideSell {
		zonePad = decimal.NewFromFloat(1 + stopZonePad)
		fallback = decimal.NewFromFloat(1 + stopFallbackPct)
	}

	if side == core.SideBuy {
		if demand != nil {
			return demand.Low.Mul(zonePad)
		}
		if hvnOK && price.GreaterThan(hvn) {
			return hvn.Mul(zonePad)
		}
	} else {
		if supply != nil {
			return supply.High.Mul(zonePad)
		}
		if hvnOK && price.LessThan(hvn) {
			return hvn.Mul(zonePad)
		}
	}
	return price.Mul(fallback)
}

// takeProfit targets the point of control when it sits on the favourable
// side, otherwise a multiple of the stop distance
func (e *Engine) takeProfit(side core.Side, price, stop, poc decimal.Decimal) decimal.Decimal {
	rr := decimal.NewFromFloat(e.cfg.RiskReward)
	if side == core.SideBuy {
		if poc.GreaterThan(price) {
			return poc
		}
		return price.Add(price.Sub(stop).Mul(rr))
	}
	if poc.IsPositive() && poc.LessThan(price) {
		return poc
	}
	return price.Sub(stop.Sub(price).Mul(rr))
}

func strongestZone(zones []indicators.Zone, kind indicators.ZoneKind, price decimal.Decimal) *indicators.Zone {
	var best *indicators.Zone
	for i := range zones {
		z := &zones[i]
		if z.Kind != kind || !z.Contains(price) || !z.Fresh || !z.Active() {
			continue
		}
		if best == nil || z.Strength > best.Strength {
			best = z
		}
	}
	return best
}

func volumeSurging(candles []core.Candle) bool {
	if len(candles) < volumeRecentBars+volumeBaselineBars {
		return false
	}
	recent := meanVolume(candles[len(candles)-volumeRecentBars:])
	baseline := meanVolume(candles[len(candles)-volumeRecentBars-volumeBaselineBars : len(candles)-volumeRecentBars])
	if !baseline.IsPositive() {
		return false
	}
	return recent.GreaterThan(baseline.Mul(decimal.NewFromFloat(volumeSurgeFactor)))
}

func meanVolume(candles []core.Candle) decimal.Decimal {
	total := decimal.Zero
	for _, c := range candles {
		total = total.Add(c.Volume)
	}
	return total.Div(decimal.NewFromInt(int64(len(candles))))
}
