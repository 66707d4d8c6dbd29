// Package optimize analyzes closed-trade history and turns the findings
// into prioritized parameter recommendations. The analyzer produces a
// statistical snapshot of recent performance, the rule set in recommend.go
// maps weak spots to concrete configuration changes, and the agent runs
// the whole pipeline on a schedule.
package optimize

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"spottrader/internal/core"
)

// Analysis status values.
const (
	StatusSuccess          = "success"
	StatusInsufficientData = "insufficient_data"
)

// Hold-duration bucket labels, ordered shortest to longest.
var holdBucketLabels = []string{"0-30m", "30-60m", "1-2h", "2-4h", "4h+"}

// OverallStats aggregates performance across every trade in the window.
type OverallStats struct {
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        float64 // percent
	TotalPnL       float64
	TotalFees      float64
	NetProfit      float64
	AvgWin         float64
	AvgLoss        float64 // absolute value
	ProfitFactor   float64
	SharpeRatio    float64
	MaxDrawdown    float64
	AvgHoldMinutes float64
}

// SymbolStats aggregates performance for a single symbol.
type SymbolStats struct {
	Symbol     string
	Trades     int
	Wins       int
	WinRate    float64
	TotalPnL   float64
	BestTrade  float64
	WorstTrade float64
}

// StopLossStats summarizes how often protective exits fired and what they
// cost relative to take-profit exits.
type StopLossStats struct {
	StopLossHits    int
	TakeProfitHits  int
	StopLossRate    float64 // percent of all trades
	TakeProfitRate  float64
	AvgStopLossLoss float64 // absolute average loss on stop-loss exits
	AvgTakeProfit   float64 // average profit on take-profit exits
	StopToTakeRatio float64 // stop hits / take-profit hits, 0 when no TP hits
}

// ReasonStats aggregates trades sharing a closure reason.
type ReasonStats struct {
	Reason   string
	Count    int
	Percent  float64
	TotalPnL float64
	AvgPnL   float64
}

// HoldBucket is one duration band of the hold-time histogram.
type HoldBucket struct {
	Label  string
	Count  int
	AvgPnL float64
}

// HoldStats describes how long positions were held and which band paid best.
type HoldStats struct {
	AvgMinutes    float64
	MedianMinutes float64
	MinMinutes    float64
	MaxMinutes    float64
	Buckets       []HoldBucket
	OptimalBucket string // label of the bucket with the best average PnL
}

// SideStats aggregates performance per entry side.
type SideStats struct {
	Side     core.Side
	Trades   int
	Wins     int
	WinRate  float64
	TotalPnL float64
}

// Analysis is the full statistical snapshot of a trading window.
type Analysis struct {
	Status         string
	Message        string
	TimeframeHours int
	GeneratedAt    time.Time
	Overall        OverallStats
	BySymbol       []SymbolStats // sorted by total PnL descending
	StopLoss       StopLossStats
	ClosureReasons []ReasonStats
	HoldDuration   HoldStats
	BySide         []SideStats
}

// Analyzer computes trade-history statistics from the persistent store.
type Analyzer struct {
	store  core.ITradeStore
	logger core.ILogger
}

// NewAnalyzer creates an analyzer backed by the given trade store.
func NewAnalyzer(store core.ITradeStore, logger core.ILogger) *Analyzer {
	return &Analyzer{store: store, logger: logger.WithField("component", "optimize")}
}

// Analyze builds the performance snapshot for trades closed within the last
// `hours`. When fewer than minTrades trades closed in the window the result
// carries StatusInsufficientData and only the trade count is populated.
func (a *Analyzer) Analyze(ctx context.Context, hours, minTrades int) (*Analysis, error) {
	records, err := a.store.RecentTrades(ctx, 0, "")
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	trades := make([]*core.TradeRecord, 0, len(records))
	for _, r := range records {
		if r.ExitTime.After(cutoff) {
			trades = append(trades, r)
		}
	}
	// Stores return newest first. Drawdown walks the equity curve, so flip
	// to chronological order.
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExitTime.Before(trades[j].ExitTime) })

	result := &Analysis{
		TimeframeHours: hours,
		GeneratedAt:    time.Now().UTC(),
	}

	if len(trades) < minTrades {
		result.Status = StatusInsufficientData
		result.Message = "not enough closed trades in the window"
		result.Overall.TotalTrades = len(trades)
		a.logger.Warn("Analysis skipped, insufficient data",
			"trades", len(trades), "required", minTrades, "hours", hours)
		return result, nil
	}

	result.Status = StatusSuccess
	result.Overall = overallStats(trades)
	result.BySymbol = symbolStats(trades)
	result.StopLoss = stopLossStats(trades)
	result.ClosureReasons = closureReasonStats(trades)
	result.HoldDuration = holdStats(trades)
	result.BySide = sideStats(trades)

	a.logger.Info("Trade history analyzed",
		"hours", hours,
		"trades", result.Overall.TotalTrades,
		"win_rate", result.Overall.WinRate,
		"net_profit", result.Overall.NetProfit)
	return result, nil
}

func overallStats(trades []*core.TradeRecord) OverallStats {
	s := OverallStats{TotalTrades: len(trades)}

	pnls := make([]float64, 0, len(trades))
	var grossWin, grossLoss, holdMinutes float64
	for _, t := range trades {
		pnl := t.PnL.InexactFloat64()
		pnls = append(pnls, pnl)
		s.TotalPnL += pnl
		s.TotalFees += t.TotalFees.InexactFloat64()
		holdMinutes += float64(t.HoldSeconds) / 60
		if pnl > 0 {
			s.Wins++
			grossWin += pnl
		} else {
			s.Losses++
			grossLoss += -pnl
		}
	}

	s.NetProfit = s.TotalPnL - s.TotalFees
	s.WinRate = 100 * float64(s.Wins) / float64(len(trades))
	s.AvgHoldMinutes = holdMinutes / float64(len(trades))
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		s.ProfitFactor = math.Inf(1)
	}

	if sd := stat.StdDev(pnls, nil); sd > 0 {
		s.SharpeRatio = stat.Mean(pnls, nil) / sd
	}
	s.MaxDrawdown = maxDrawdown(pnls)
	return s
}

// maxDrawdown walks the cumulative PnL curve and returns the largest drop
// from a running peak.
func maxDrawdown(pnls []float64) float64 {
	var cum, peak, dd float64
	for _, p := range pnls {
		cum += p
		if cum > peak {
			peak = cum
		}
		if d := peak - cum; d > dd {
			dd = d
		}
	}
	return dd
}

func symbolStats(trades []*core.TradeRecord) []SymbolStats {
	bySymbol := make(map[string]*SymbolStats)
	for _, t := range trades {
		st, ok := bySymbol[t.Symbol]
		if !ok {
			st = &SymbolStats{
				Symbol:     t.Symbol,
				BestTrade:  math.Inf(-1),
				WorstTrade: math.Inf(1),
			}
			bySymbol[t.Symbol] = st
		}
		pnl := t.PnL.InexactFloat64()
		st.Trades++
		st.TotalPnL += pnl
		if pnl > 0 {
			st.Wins++
		}
		if pnl > st.BestTrade {
			st.BestTrade = pnl
		}
		if pnl < st.WorstTrade {
			st.WorstTrade = pnl
		}
	}

	out := make([]SymbolStats, 0, len(bySymbol))
	for _, st := range bySymbol {
		st.WinRate = 100 * float64(st.Wins) / float64(st.Trades)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalPnL > out[j].TotalPnL })
	return out
}

func stopLossStats(trades []*core.TradeRecord) StopLossStats {
	var s StopLossStats
	var slLoss, tpProfit float64
	for _, t := range trades {
		reason := strings.ToUpper(t.ClosureReason)
		switch {
		case strings.Contains(reason, "STOP_LOSS"):
			s.StopLossHits++
			slLoss += -t.PnL.InexactFloat64()
		case strings.Contains(reason, "TAKE_PROFIT"):
			s.TakeProfitHits++
			tpProfit += t.PnL.InexactFloat64()
		}
	}

	total := float64(len(trades))
	s.StopLossRate = 100 * float64(s.StopLossHits) / total
	s.TakeProfitRate = 100 * float64(s.TakeProfitHits) / total
	if s.StopLossHits > 0 {
		s.AvgStopLossLoss = slLoss / float64(s.StopLossHits)
	}
	if s.TakeProfitHits > 0 {
		s.AvgTakeProfit = tpProfit / float64(s.TakeProfitHits)
		s.StopToTakeRatio = float64(s.StopLossHits) / float64(s.TakeProfitHits)
	}
	return s
}

func closureReasonStats(trades []*core.TradeRecord) []ReasonStats {
	byReason := make(map[string]*ReasonStats)
	for _, t := range trades {
		rs, ok := byReason[t.ClosureReason]
		if !ok {
			rs = &ReasonStats{Reason: t.ClosureReason}
			byReason[t.ClosureReason] = rs
		}
		rs.Count++
		rs.TotalPnL += t.PnL.InexactFloat64()
	}

	out := make([]ReasonStats, 0, len(byReason))
	for _, rs := range byReason {
		rs.Percent = 100 * float64(rs.Count) / float64(len(trades))
		rs.AvgPnL = rs.TotalPnL / float64(rs.Count)
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func holdStats(trades []*core.TradeRecord) HoldStats {
	minutes := make([]float64, 0, len(trades))
	type bucketAcc struct {
		count int
		pnl   float64
	}
	buckets := make([]bucketAcc, len(holdBucketLabels))

	for _, t := range trades {
		m := float64(t.HoldSeconds) / 60
		minutes = append(minutes, m)
		idx := holdBucketIndex(m)
		buckets[idx].count++
		buckets[idx].pnl += t.PnL.InexactFloat64()
	}

	sort.Float64s(minutes)
	s := HoldStats{
		AvgMinutes:    stat.Mean(minutes, nil),
		MedianMinutes: stat.Quantile(0.5, stat.Empirical, minutes, nil),
		MinMinutes:    minutes[0],
		MaxMinutes:    minutes[len(minutes)-1],
	}

	bestAvg := math.Inf(-1)
	for i, b := range buckets {
		if b.count == 0 {
			continue
		}
		avg := b.pnl / float64(b.count)
		s.Buckets = append(s.Buckets, HoldBucket{
			Label:  holdBucketLabels[i],
			Count:  b.count,
			AvgPnL: avg,
		})
		if avg > bestAvg {
			bestAvg = avg
			s.OptimalBucket = holdBucketLabels[i]
		}
	}
	return s
}

func holdBucketIndex(minutes float64) int {
	switch {
	case minutes < 30:
		return 0
	case minutes < 60:
		return 1
	case minutes < 120:
		return 2
	case minutes < 240:
		return 3
	default:
		return 4
	}
}

func sideStats(trades []*core.TradeRecord) []SideStats {
	bySide := make(map[core.Side]*SideStats)
	for _, t := range trades {
		st, ok := bySide[t.Side]
		if !ok {
			st = &SideStats{Side: t.Side}
			bySide[t.Side] = st
		}
		st.Trades++
		st.TotalPnL += t.PnL.InexactFloat64()
		if t.PnL.IsPositive() {
			st.Wins++
		}
	}

	out := make([]SideStats, 0, len(bySide))
	for _, st := range bySide {
		st.WinRate = 100 * float64(st.Wins) / float64(st.Trades)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Side < out[j].Side })
	return out
}
