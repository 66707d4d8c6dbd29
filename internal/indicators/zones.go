package indicators

import (
	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

const (
	zoneMinBars      = 5
	zoneMaxSpan      = 0.01 // consolidation span as a fraction of its low
	zoneBreakoutMove = 0.02 // move required to validate the zone
	zoneBreakoutBars = 5
	zoneTouchDecay   = 0.8
	zoneStrengthNorm = 5.0 // breakout percent that earns full strength
	zoneMinimumPower = 0.2
)

// ZoneKind distinguishes demand (support) from supply (resistance)
type ZoneKind string

const (
	ZoneDemand ZoneKind = "DEMAND"
	ZoneSupply ZoneKind = "SUPPLY"
)

// Zone is a supply or demand area derived from a consolidation that
// preceded an impulsive move. Strength scales with the size of the
// breakout and decays each time price revisits the zone; the first
// revisit also spends its freshness.
type Zone struct {
	Kind      ZoneKind
	Low       decimal.Decimal
	High      decimal.Decimal
	Strength  float64
	Fresh     bool
	TestCount int
}

// Contains reports whether price sits inside the zone
func (z *Zone) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(z.Low) && price.LessThanOrEqual(z.High)
}

// Touch records a revisit: freshness is spent and the zone weakens
func (z *Zone) Touch() {
	z.Fresh = false
	z.TestCount++
	z.Strength *= zoneTouchDecay
}

// Active reports whether the zone still carries weight
func (z *Zone) Active() bool {
	return z.Strength >= zoneMinimumPower
}

// FindZones scans candles for consolidations of at least five bars whose
// total span stays within 1%, validated by a 2% move within the next
// five bars. An upward breakout marks the consolidation as demand, a
// downward one as supply.
func FindZones(candles []core.Candle) []Zone {
	var zones []Zone
	n := len(candles)

	i := 0
	for i <= n-zoneMinBars {
		// Grow the consolidation window while the span stays tight
		low := candles[i].Low
		high := candles[i].High
		j := i + 1
		for j < n {
			newLow := decimal.Min(low, candles[j].Low)
			newHigh := decimal.Max(high, candles[j].High)
			if !withinSpan(newLow, newHigh) {
				break
			}
			low, high = newLow, newHigh
			j++
		}

		bars := j - i
		if bars < zoneMinBars {
			i++
			continue
		}

		if zone, confirmed, ok := validateBreakout(candles, j, low, high); ok {
			// Revisits after the breakout spend freshness and decay
			// strength. The final bar is the evaluation bar: price
			// entering the zone right now is the entry being
			// considered, not a historical test.
			if confirmed+1 < n {
				applyTouches(&zone, candles[confirmed+1:n-1])
			}
			zones = append(zones, zone)
		}
		i = j
	}

	active := zones[:0]
	for _, z := range zones {
		if z.Active() {
			active = append(active, z)
		}
	}
	return active
}

func withinSpan(low, high decimal.Decimal) bool {
	if !low.IsPositive() {
		return false
	}
	return high.Sub(low).Div(low).LessThanOrEqual(decimal.NewFromFloat(zoneMaxSpan))
}

// validateBreakout looks for a 2% move away from the consolidation in
// the bars that follow it. Zone strength scales with the size of the
// move, one full point of strength per zoneStrengthNorm percent. The
// returned index is the last bar of the breakout window, where touch
// counting starts.
func validateBreakout(candles []core.Candle, from int, low, high decimal.Decimal) (Zone, int, bool) {
	end := from + zoneBreakoutBars
	if end > len(candles) {
		end = len(candles)
	}
	if from >= end {
		return Zone{}, 0, false
	}

	maxHigh := candles[from].High
	minLow := candles[from].Low
	for k := from + 1; k < end; k++ {
		maxHigh = decimal.Max(maxHigh, candles[k].High)
		minLow = decimal.Min(minLow, candles[k].Low)
	}

	upPct, _ := maxHigh.Sub(high).Div(high).Float64()
	downPct, _ := low.Sub(minLow).Div(low).Float64()
	upPct *= 100
	downPct *= 100

	movePct := 100 * zoneBreakoutMove
	switch {
	case upPct >= movePct && upPct >= downPct:
		return Zone{Kind: ZoneDemand, Low: low, High: high, Strength: zoneStrength(upPct), Fresh: true}, end - 1, true
	case downPct >= movePct:
		return Zone{Kind: ZoneSupply, Low: low, High: high, Strength: zoneStrength(downPct), Fresh: true}, end - 1, true
	}
	return Zone{}, 0, false
}

func zoneStrength(movePct float64) float64 {
	if s := movePct / zoneStrengthNorm; s < 1 {
		return s
	}
	return 1
}

// applyTouches decays a zone for every later candle that re-entered it
func applyTouches(z *Zone, candles []core.Candle) {
	inside := false
	for _, c := range candles {
		overlaps := c.Low.LessThanOrEqual(z.High) && c.High.GreaterThanOrEqual(z.Low)
		if overlaps && !inside {
			z.Touch()
		}
		inside = overlaps
	}
}
