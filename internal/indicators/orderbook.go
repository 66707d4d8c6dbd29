package indicators

import (
	"github.com/shopspring/decimal"

	"spottrader/internal/core"
)

// Imbalance interpretation thresholds over the top of the book
const (
	imbalanceDepth    = 10
	wallDepth         = 50
	liquidityDepth    = 20
	wallMultiple      = 3.0
	strongBuyRatio    = 1.5
	moderateBuyRatio  = 1.2
	strongSellRatio   = 0.67
	moderateSellRatio = 0.83
	goodLiquidityUSD  = 100000
	moderateLiquidity = 50000
)

// BookPressure is the directional read of an order book snapshot
type BookPressure string

const (
	PressureStrongBuy    BookPressure = "STRONG_BUY"
	PressureModerateBuy  BookPressure = "MODERATE_BUY"
	PressureNeutral      BookPressure = "NEUTRAL"
	PressureModerateSell BookPressure = "MODERATE_SELL"
	PressureStrongSell   BookPressure = "STRONG_SELL"
)

// LiquidityGrade buckets the book's near-touch depth
type LiquidityGrade string

const (
	LiquidityGood     LiquidityGrade = "GOOD"
	LiquidityModerate LiquidityGrade = "MODERATE"
	LiquidityPoor     LiquidityGrade = "POOR"
)

// Wall is an outsized resting order level
type Wall struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	IsBid    bool
}

// BookAnalysis summarizes the structure of a depth snapshot
type BookAnalysis struct {
	ImbalanceRatio decimal.Decimal
	Pressure       BookPressure
	BidWalls       []Wall
	AskWalls       []Wall
	BidLiquidity   decimal.Decimal // quote value of top bid levels
	AskLiquidity   decimal.Decimal
	Liquidity      LiquidityGrade
	SpreadPercent  decimal.Decimal
}

// AnalyzeBook computes imbalance, walls, and liquidity for a snapshot
func AnalyzeBook(book *core.OrderBook) *BookAnalysis {
	analysis := &BookAnalysis{
		ImbalanceRatio: decimal.NewFromInt(1),
		Pressure:       PressureNeutral,
		Liquidity:      LiquidityPoor,
	}
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return analysis
	}

	bidQty := sumQuantity(book.Bids, imbalanceDepth)
	askQty := sumQuantity(book.Asks, imbalanceDepth)
	if askQty.IsPositive() {
		analysis.ImbalanceRatio = bidQty.Div(askQty)
	}
	analysis.Pressure = classifyPressure(analysis.ImbalanceRatio)

	analysis.BidWalls = findWalls(book.Bids, true)
	analysis.AskWalls = findWalls(book.Asks, false)

	analysis.BidLiquidity = sumQuoteValue(book.Bids, liquidityDepth)
	analysis.AskLiquidity = sumQuoteValue(book.Asks, liquidityDepth)
	analysis.Liquidity = classifyLiquidity(analysis.BidLiquidity.Add(analysis.AskLiquidity))

	bid := book.BestBid()
	ask := book.BestAsk()
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsPositive() {
		analysis.SpreadPercent = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(100))
	}

	return analysis
}

func classifyPressure(ratio decimal.Decimal) BookPressure {
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(strongBuyRatio)):
		return PressureStrongBuy
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(moderateBuyRatio)):
		return PressureModerateBuy
	case ratio.LessThanOrEqual(decimal.NewFromFloat(strongSellRatio)):
		return PressureStrongSell
	case ratio.LessThanOrEqual(decimal.NewFromFloat(moderateSellRatio)):
		return PressureModerateSell
	}
	return PressureNeutral
}

func classifyLiquidity(total decimal.Decimal) LiquidityGrade {
	switch {
	case total.GreaterThanOrEqual(decimal.NewFromInt(goodLiquidityUSD)):
		return LiquidityGood
	case total.GreaterThanOrEqual(decimal.NewFromInt(moderateLiquidity)):
		return LiquidityModerate
	}
	return LiquidityPoor
}

// findWalls flags levels holding at least 3x the mean quantity of the
// inspected depth
func findWalls(levels []core.PriceLevel, isBid bool) []Wall {
	depth := wallDepth
	if len(levels) < depth {
		depth = len(levels)
	}
	if depth == 0 {
		return nil
	}

	total := decimal.Zero
	for _, lvl := range levels[:depth] {
		total = total.Add(lvl.Quantity)
	}
	mean := total.Div(decimal.NewFromInt(int64(depth)))
	threshold := mean.Mul(decimal.NewFromFloat(wallMultiple))

	var walls []Wall
	for _, lvl := range levels[:depth] {
		if lvl.Quantity.GreaterThanOrEqual(threshold) {
			walls = append(walls, Wall{Price: lvl.Price, Quantity: lvl.Quantity, IsBid: isBid})
		}
	}
	return walls
}

func sumQuantity(levels []core.PriceLevel, depth int) decimal.Decimal {
	if len(levels) < depth {
		depth = len(levels)
	}
	total := decimal.Zero
	for _, lvl := range levels[:depth] {
		total = total.Add(lvl.Quantity)
	}
	return total
}

func sumQuoteValue(levels []core.PriceLevel, depth int) decimal.Decimal {
	if len(levels) < depth {
		depth = len(levels)
	}
	total := decimal.Zero
	for _, lvl := range levels[:depth] {
		total = total.Add(lvl.Price.Mul(lvl.Quantity))
	}
	return total
}
