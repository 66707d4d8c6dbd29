package indicators

import (
	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

const (
	excellentSpreadPct = 0.05
	goodSpreadPct      = 0.10

	// Worst-case slippage pads the book-walk estimate
	slippagePad = 1.1
)

// SpreadQuality grades the bid/ask spread for execution
type SpreadQuality string

const (
	SpreadExcellent SpreadQuality = "EXCELLENT"
	SpreadGood      SpreadQuality = "GOOD"
	SpreadWide      SpreadQuality = "WIDE"
)

// Microstructure is the execution-quality read of a book snapshot
type Microstructure struct {
	SpreadPercent     decimal.Decimal
	Quality           SpreadQuality
	EstimatedSlippage decimal.Decimal // percent, for the probed order value
	WorstCaseSlippage decimal.Decimal
}

// AnalyzeMicrostructure grades the spread and estimates slippage for an
// order of the given quote value on the given side
func AnalyzeMicrostructure(book *core.OrderBook, side core.Side, quoteValue decimal.Decimal) *Microstructure {
	micro := &Microstructure{Quality: SpreadWide}
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return micro
	}

	bid := book.BestBid()
	ask := book.BestAsk()
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return micro
	}

	micro.SpreadPercent = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100))
	switch {
	case micro.SpreadPercent.LessThan(decimal.NewFromFloat(excellentSpreadPct)):
		micro.Quality = SpreadExcellent
	case micro.SpreadPercent.LessThan(decimal.NewFromFloat(goodSpreadPct)):
		micro.Quality = SpreadGood
	}

	levels := book.Asks
	if side == core.SideSell {
		levels = book.Bids
	}
	micro.EstimatedSlippage = walkBook(levels, quoteValue)
	micro.WorstCaseSlippage = micro.EstimatedSlippage.Mul(decimal.NewFromFloat(slippagePad))
	return micro
}

// walkBook consumes levels until the quote value is filled and returns
// the average-fill deviation from the touch as a percent. A remainder
// the visible book cannot absorb is priced at the walked average times
// the worst-case pad, so oversize orders report the slippage they
// would actually pay instead of only the filled fraction's.
func walkBook(levels []core.PriceLevel, quoteValue decimal.Decimal) decimal.Decimal {
	if len(levels) == 0 || !quoteValue.IsPositive() {
		return decimal.Zero
	}

	touch := levels[0].Price
	remaining := quoteValue
	cost := decimal.Zero
	qty := decimal.Zero

	for _, lvl := range levels {
		levelValue := lvl.Price.Mul(lvl.Quantity)
		if levelValue.GreaterThanOrEqual(remaining) {
			fillQty := remaining.Div(lvl.Price)
			qty = qty.Add(fillQty)
			cost = cost.Add(remaining)
			remaining = decimal.Zero
			break
		}
		qty = qty.Add(lvl.Quantity)
		cost = cost.Add(levelValue)
		remaining = remaining.Sub(levelValue)
	}

	if remaining.IsPositive() {
		avgPrice := touch
		if qty.IsPositive() {
			avgPrice = cost.Div(qty)
		}
		worstPrice := avgPrice.Mul(decimal.NewFromFloat(slippagePad))
		cost = cost.Add(remaining.Mul(worstPrice).Div(touch))
		qty = qty.Add(remaining.Div(worstPrice))
	}

	if !qty.IsPositive() {
		return decimal.Zero
	}

	avgPrice := cost.Div(qty)
	return avgPrice.Sub(touch).Abs().Div(touch).Mul(decimal.NewFromInt(100))
}
