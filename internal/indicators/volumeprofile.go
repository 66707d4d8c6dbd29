// Package indicators implements the market structure analyses feeding
// the strategy's factor scores
package indicators

import (
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"spottrader/internal/core"
)

const (
	profileBins     = 100
	valueAreaShare  = 0.70
	hvnPercentile   = 0.90
	lvnPercentile   = 0.10
	profileCacheTTL = 5 * time.Minute

	// A node only counts as nearby support/resistance within this
	// fraction of price
	nodeProximity = 0.02
)

// PriceBin is one price bucket of the volume profile
type PriceBin struct {
	Low    decimal.Decimal
	High   decimal.Decimal
	Volume decimal.Decimal
}

// Mid returns the bin's midpoint price
func (b PriceBin) Mid() decimal.Decimal {
	return b.Low.Add(b.High).Div(decimal.NewFromInt(2))
}

// VolumeProfile is the distribution of traded volume across price
type VolumeProfile struct {
	Bins        []PriceBin
	POC         decimal.Decimal // point of control: highest-volume bin mid
	VAH         decimal.Decimal // value area high
	VAL         decimal.Decimal // value area low
	HVNs        []decimal.Decimal
	LVNs        []decimal.Decimal
	TotalVolume decimal.Decimal
}

// VolumeProfiler computes and caches volume profiles per symbol
type VolumeProfiler struct {
	logger core.ILogger
	cache  *gocache.Cache
}

// NewVolumeProfiler creates a profiler with a short-lived cache
func NewVolumeProfiler(logger core.ILogger) *VolumeProfiler {
	return &VolumeProfiler{
		logger: logger.WithField("component", "volume_profile"),
		cache:  gocache.New(profileCacheTTL, time.Minute),
	}
}

// Profile computes the volume profile for a symbol's candles, cached for
// a few minutes since the distribution moves slowly
func (p *VolumeProfiler) Profile(symbol string, candles []core.Candle) (*VolumeProfile, error) {
	if cached, ok := p.cache.Get(symbol); ok {
		return cached.(*VolumeProfile), nil
	}

	profile, err := ComputeVolumeProfile(candles, profileBins)
	if err != nil {
		return nil, err
	}

	p.cache.Set(symbol, profile, gocache.DefaultExpiration)
	return profile, nil
}

// ComputeVolumeProfile bins each candle's volume at its typical price
// (H+L+C)/3 and derives the value area and volume nodes
func ComputeVolumeProfile(candles []core.Candle, numBins int) (*VolumeProfile, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to profile")
	}
	if numBins <= 0 {
		numBins = profileBins
	}

	low := candles[0].Low
	high := candles[0].High
	for _, c := range candles[1:] {
		if c.Low.LessThan(low) {
			low = c.Low
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}

	span := high.Sub(low)
	if !span.IsPositive() {
		return nil, fmt.Errorf("flat price range, cannot profile")
	}
	binSize := span.Div(decimal.NewFromInt(int64(numBins)))

	bins := make([]PriceBin, numBins)
	for i := range bins {
		binLow := low.Add(binSize.Mul(decimal.NewFromInt(int64(i))))
		bins[i] = PriceBin{Low: binLow, High: binLow.Add(binSize)}
	}

	three := decimal.NewFromInt(3)
	total := decimal.Zero
	for _, c := range candles {
		typical := c.High.Add(c.Low).Add(c.Close).Div(three)
		idx := int(typical.Sub(low).Div(binSize).IntPart())
		if idx < 0 {
			idx = 0
		}
		if idx >= numBins {
			idx = numBins - 1
		}
		bins[idx].Volume = bins[idx].Volume.Add(c.Volume)
		total = total.Add(c.Volume)
	}

	profile := &VolumeProfile{Bins: bins, TotalVolume: total}

	pocIdx := 0
	for i, b := range bins {
		if b.Volume.GreaterThan(bins[pocIdx].Volume) {
			pocIdx = i
		}
	}
	profile.POC = bins[pocIdx].Mid()

	profile.VAL, profile.VAH = valueArea(bins, pocIdx, total)
	profile.HVNs, profile.LVNs = volumeNodes(bins)

	return profile, nil
}

// valueArea expands outward from the point of control, always taking the
// higher-volume neighbor, until the area covers 70% of total volume
func valueArea(bins []PriceBin, pocIdx int, total decimal.Decimal) (val, vah decimal.Decimal) {
	target := total.Mul(decimal.NewFromFloat(valueAreaShare))
	covered := bins[pocIdx].Volume
	lo, hi := pocIdx, pocIdx

	for covered.LessThan(target) && (lo > 0 || hi < len(bins)-1) {
		var below, above decimal.Decimal
		if lo > 0 {
			below = bins[lo-1].Volume
		}
		if hi < len(bins)-1 {
			above = bins[hi+1].Volume
		}

		if hi < len(bins)-1 && (lo == 0 || above.GreaterThanOrEqual(below)) {
			hi++
			covered = covered.Add(bins[hi].Volume)
		} else {
			lo--
			covered = covered.Add(bins[lo].Volume)
		}
	}

	return bins[lo].Low, bins[hi].High
}

// volumeNodes classifies bins against the 90th/10th volume percentiles.
// Empty bins are excluded from the LVN set since they carry no signal.
func volumeNodes(bins []PriceBin) (hvns, lvns []decimal.Decimal) {
	volumes := make([]float64, 0, len(bins))
	for _, b := range bins {
		volumes = append(volumes, b.Volume.InexactFloat64())
	}

	sorted := append([]float64(nil), volumes...)
	sort.Float64s(sorted)
	hvnThreshold := stat.Quantile(hvnPercentile, stat.Empirical, sorted, nil)
	lvnThreshold := stat.Quantile(lvnPercentile, stat.Empirical, sorted, nil)

	for i, b := range bins {
		switch {
		case volumes[i] >= hvnThreshold && b.Volume.IsPositive():
			hvns = append(hvns, b.Mid())
		case volumes[i] <= lvnThreshold && b.Volume.IsPositive():
			lvns = append(lvns, b.Mid())
		}
	}
	return hvns, lvns
}

// NearestHVN returns the closest high-volume node within 2% of price, or
// false when none qualifies
func (v *VolumeProfile) NearestHVN(price decimal.Decimal) (decimal.Decimal, bool) {
	return nearestNode(v.HVNs, price)
}

// NearestLVN returns the closest low-volume node within 2% of price, or
// false when none qualifies
func (v *VolumeProfile) NearestLVN(price decimal.Decimal) (decimal.Decimal, bool) {
	return nearestNode(v.LVNs, price)
}

func nearestNode(nodes []decimal.Decimal, price decimal.Decimal) (decimal.Decimal, bool) {
	if len(nodes) == 0 || !price.IsPositive() {
		return decimal.Zero, false
	}

	best := decimal.Zero
	bestDist := decimal.Zero
	found := false
	for _, n := range nodes {
		dist := n.Sub(price).Abs()
		if !found || dist.LessThan(bestDist) {
			best = n
			bestDist = dist
			found = true
		}
	}

	maxDist := price.Mul(decimal.NewFromFloat(nodeProximity))
	if !found || bestDist.GreaterThan(maxDist) {
		return decimal.Zero, false
	}
	return best, true
}
