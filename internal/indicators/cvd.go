package indicators

import (
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"spottrader/internal/core"
)

const (
	cvdLookback    = 20
	cvdMinBars     = 5
	divergenceBand = 0.5
)

// DivergenceSignal is the read of price action against order flow
type DivergenceSignal string

const (
	DivergenceBullish DivergenceSignal = "BULLISH"
	DivergenceBearish DivergenceSignal = "BEARISH"
	DivergenceNone    DivergenceSignal = "NONE"
)

// CVDPoint pairs a close price with the cumulative volume delta at that
// candle's close
type CVDPoint struct {
	Close decimal.Decimal
	CVD   decimal.Decimal
}

// ComputeCVD buckets public trades into the given candles and accumulates
// the buy/sell volume delta per bar. A trade where the buyer was the
// maker means the aggressor sold.
func ComputeCVD(candles []core.Candle, trades []core.Trade) []CVDPoint {
	if len(candles) == 0 {
		return nil
	}

	deltas := make([]decimal.Decimal, len(candles))
	for _, t := range trades {
		idx := -1
		for i, c := range candles {
			if !t.Time.Before(c.OpenTime) && !t.Time.After(c.CloseTime) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if t.IsBuyerMaker {
			deltas[idx] = deltas[idx].Sub(t.Quantity)
		} else {
			deltas[idx] = deltas[idx].Add(t.Quantity)
		}
	}

	points := make([]CVDPoint, len(candles))
	running := decimal.Zero
	for i, c := range candles {
		running = running.Add(deltas[i])
		points[i] = CVDPoint{Close: c.Close, CVD: running}
	}
	return points
}

// Divergence compares the normalized trend of price against the trend of
// cumulative delta over the lookback. Flow rising while price falls is
// bullish; flow falling while price rises is bearish.
func Divergence(points []CVDPoint) DivergenceSignal {
	n := len(points)
	if n < cvdMinBars {
		return DivergenceNone
	}
	if n > cvdLookback {
		points = points[n-cvdLookback:]
		n = cvdLookback
	}

	prices := make([]float64, n)
	cvds := make([]float64, n)
	for i, p := range points {
		prices[i] = p.Close.InexactFloat64()
		cvds[i] = p.CVD.InexactFloat64()
	}

	priceTrend := normalizedChange(prices)
	cvdTrend := normalizedChange(cvds)

	switch {
	case priceTrend < -divergenceBand && cvdTrend > divergenceBand:
		return DivergenceBullish
	case priceTrend > divergenceBand && cvdTrend < -divergenceBand:
		return DivergenceBearish
	}
	return DivergenceNone
}

// normalizedChange expresses the first-to-last change in units of the
// series' standard deviation, so price and flow are comparable
func normalizedChange(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	sd := stat.StdDev(series, nil)
	if sd == 0 {
		return 0
	}
	return (series[len(series)-1] - series[0]) / sd
}
