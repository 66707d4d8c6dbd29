package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

// SizedPosition is the outcome of position sizing
type SizedPosition struct {
	Quantity    decimal.Decimal
	QuoteValue  decimal.Decimal
	RiskAmount  decimal.Decimal // quote currency lost if the stop is hit
	RiskPerUnit decimal.Decimal
}

// Sizer derives order quantity from the distance to the stop, so every
// trade risks the same fraction of the balance
type Sizer struct {
	riskPerTradePct decimal.Decimal
	maxValue        decimal.Decimal
	minValue        decimal.Decimal
}

// NewSizer constructs a sizer. Percent is of the account balance; min
// and max bound the resulting position value in quote currency.
func NewSizer(riskPerTradePct, maxValue, minValue float64) *Sizer {
	return &Sizer{
		riskPerTradePct: decimal.NewFromFloat(riskPerTradePct),
		maxValue:        decimal.NewFromFloat(maxValue),
		minValue:        decimal.NewFromFloat(minValue),
	}
}

// Size computes quantity = riskAmount / |entry - stop|, clamps the
// position value to the maximum by recomputing quantity, and raises a
// too-small position to the minimum only when that stays inside the
// risk budget
func (s *Sizer) Size(balance, entry, stop decimal.Decimal, side core.Side) (SizedPosition, error) {
	var riskPerUnit decimal.Decimal
	if side == core.SideBuy {
		riskPerUnit = entry.Sub(stop)
	} else {
		riskPerUnit = stop.Sub(entry)
	}
	if !riskPerUnit.IsPositive() {
		return SizedPosition{}, fmt.Errorf("stop loss %s on the wrong side of entry %s for %s", stop, entry, side)
	}

	hundred := decimal.NewFromInt(100)
	riskAmount := balance.Mul(s.riskPerTradePct).Div(hundred)
	quantity := riskAmount.Div(riskPerUnit)
	value := quantity.Mul(entry)

	if value.GreaterThan(s.maxValue) {
		value = s.maxValue
		quantity = value.Div(entry)
		riskAmount = quantity.Mul(riskPerUnit)
	}

	if value.LessThan(s.minValue) {
		minQuantity := s.minValue.Div(entry)
		budget := balance.Mul(s.riskPerTradePct).Div(hundred)
		if minQuantity.Mul(riskPerUnit).LessThanOrEqual(budget) {
			quantity = minQuantity
			value = quantity.Mul(entry)
			riskAmount = quantity.Mul(riskPerUnit)
		} else {
			return SizedPosition{}, fmt.Errorf("position value %s below minimum %s and raising it would exceed the risk budget", value, s.minValue)
		}
	}

	return SizedPosition{
		Quantity:    quantity,
		QuoteValue:  value,
		RiskAmount:  riskAmount,
		RiskPerUnit: riskPerUnit,
	}, nil
}
