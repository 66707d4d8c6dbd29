package optimize

import (
	"fmt"
	"sort"
)

// Issue severities and recommendation priorities, strongest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Issue flags a weak spot found in the analysis.
type Issue struct {
	Severity    string
	Category    string
	Description string
	Current     float64
	Expected    float64
}

// Recommendation is an actionable configuration change derived from the
// analysis and its issues.
type Recommendation struct {
	Priority    string
	Category    string
	Title       string
	Description string
	Parameter   string  // configuration knob to change, empty for advice
	Suggested   float64 // suggested value for Parameter
}

// IdentifyIssues inspects a successful analysis and returns the weak spots
// it finds, ordered by severity.
func IdentifyIssues(a *Analysis) []Issue {
	if a == nil || a.Status != StatusSuccess {
		return nil
	}

	var issues []Issue
	o := a.Overall

	if o.WinRate < 50 {
		issues = append(issues, Issue{
			Severity:    SeverityHigh,
			Category:    "win_rate",
			Description: fmt.Sprintf("win rate %.1f%% is below the 50%% floor", o.WinRate),
			Current:     o.WinRate,
			Expected:    55,
		})
	}

	if a.StopLoss.StopToTakeRatio > 1.5 {
		issues = append(issues, Issue{
			Severity:    SeverityHigh,
			Category:    "stop_loss",
			Description: fmt.Sprintf("stop-losses fire %.1fx more often than take-profits", a.StopLoss.StopToTakeRatio),
			Current:     a.StopLoss.StopToTakeRatio,
			Expected:    1.0,
		})
	}

	if o.NetProfit < 0 {
		issues = append(issues, Issue{
			Severity:    SeverityCritical,
			Category:    "profitability",
			Description: fmt.Sprintf("net profit after fees is %.2f", o.NetProfit),
			Current:     o.NetProfit,
			Expected:    0,
		})
	}

	if o.ProfitFactor < 1.5 {
		issues = append(issues, Issue{
			Severity:    SeverityMedium,
			Category:    "profit_factor",
			Description: fmt.Sprintf("profit factor %.2f is below 1.5", o.ProfitFactor),
			Current:     o.ProfitFactor,
			Expected:    2.0,
		})
	}

	if o.TotalPnL > 0 {
		if ratio := o.TotalFees / o.TotalPnL; ratio > 0.3 {
			issues = append(issues, Issue{
				Severity:    SeverityMedium,
				Category:    "fees",
				Description: fmt.Sprintf("fees consume %.0f%% of gross PnL", ratio*100),
				Current:     ratio,
				Expected:    0.15,
			})
		}
	}

	for _, s := range a.BySymbol {
		if s.Trades >= 3 && s.WinRate < 30 {
			issues = append(issues, Issue{
				Severity:    SeverityMedium,
				Category:    "symbol_performance",
				Description: fmt.Sprintf("%s wins only %.1f%% of %d trades", s.Symbol, s.WinRate, s.Trades),
				Current:     s.WinRate,
				Expected:    50,
			})
		}
	}

	sortBySeverity(issues)
	return issues
}

// GenerateRecommendations maps the analysis and its issues to concrete
// changes, ordered by priority.
func GenerateRecommendations(a *Analysis, issues []Issue) []Recommendation {
	if a == nil || a.Status != StatusSuccess {
		return nil
	}

	var recs []Recommendation
	o := a.Overall

	if hasIssue(issues, "stop_loss") && a.StopLoss.StopLossRate > a.StopLoss.TakeProfitRate*1.5 {
		recs = append(recs, Recommendation{
			Priority:    SeverityHigh,
			Category:    "stop_loss",
			Title:       "Widen stop-loss distance",
			Description: "Stops fire far more often than take-profits, which points at stops placed inside normal price noise.",
		})
	}

	if o.WinRate < 50 {
		recs = append(recs, Recommendation{
			Priority:    SeverityHigh,
			Category:    "signal_quality",
			Title:       "Raise the minimum signal score",
			Description: "A sub-50% win rate means weak signals are getting through. Requiring a stronger score trades volume for quality.",
			Parameter:   "strategy.min_score",
			Suggested:   7.5,
		})
	} else if o.WinRate > 70 && o.TotalTrades < 10 {
		recs = append(recs, Recommendation{
			Priority:    SeverityMedium,
			Category:    "signal_quality",
			Title:       "Lower the minimum signal score",
			Description: "Trades are very selective and very accurate. A slightly lower score threshold should capture more of them.",
			Parameter:   "strategy.min_score",
			Suggested:   6.5,
		})
	}

	if o.ProfitFactor < 1.5 && o.AvgLoss > 0 && o.AvgWin/o.AvgLoss < 2.0 {
		recs = append(recs, Recommendation{
			Priority:    SeverityHigh,
			Category:    "risk_reward",
			Title:       "Improve the reward-to-risk ratio",
			Description: fmt.Sprintf("Average win is only %.1fx the average loss. Wider take-profit targets or tighter entries would help.", o.AvgWin/o.AvgLoss),
			Parameter:   "strategy.reward_risk_ratio",
			Suggested:   2.5,
		})
	}

	if o.TotalPnL > 0 {
		switch ratio := o.TotalFees / o.TotalPnL; {
		case ratio > 0.4:
			recs = append(recs, Recommendation{
				Priority:    SeverityHigh,
				Category:    "fees",
				Title:       "Reduce trade frequency",
				Description: fmt.Sprintf("Fees eat %.0f%% of gross PnL. Fewer, larger trades keep more of the edge.", ratio*100),
			})
		case ratio > 0.2:
			recs = append(recs, Recommendation{
				Priority:    SeverityMedium,
				Category:    "fees",
				Title:       "Enable exchange fee discounts",
				Description: "Paying fees in the exchange token or moving to a maker-heavy flow would cut the fee drag noticeably.",
			})
		}
	}

	for _, s := range a.BySymbol {
		if s.Trades >= 5 && (s.WinRate < 35 || s.TotalPnL < -50) {
			recs = append(recs, Recommendation{
				Priority:    SeverityHigh,
				Category:    "symbol_selection",
				Title:       fmt.Sprintf("Exclude %s from trading", s.Symbol),
				Description: fmt.Sprintf("%s: %.1f%% win rate across %d trades, %.2f total PnL.", s.Symbol, s.WinRate, s.Trades, s.TotalPnL),
			})
		}
	}

	if len(a.BySymbol) > 0 {
		top := a.BySymbol[0]
		if top.Trades >= 5 && top.WinRate > 70 && top.TotalPnL > 100 {
			recs = append(recs, Recommendation{
				Priority:    SeverityLow,
				Category:    "symbol_selection",
				Title:       fmt.Sprintf("Increase exposure to %s", top.Symbol),
				Description: fmt.Sprintf("%s is the best performer: %.1f%% win rate, %.2f total PnL.", top.Symbol, top.WinRate, top.TotalPnL),
			})
		}
	}

	if a.HoldDuration.OptimalBucket != "" {
		recs = append(recs, Recommendation{
			Priority:    SeverityLow,
			Category:    "hold_duration",
			Title:       fmt.Sprintf("Favor holds in the %s range", a.HoldDuration.OptimalBucket),
			Description: fmt.Sprintf("Trades held %s show the best average PnL in this window.", a.HoldDuration.OptimalBucket),
		})
	}

	sortByPriority(recs)
	return recs
}

func hasIssue(issues []Issue, category string) bool {
	for _, i := range issues {
		if i.Category == category {
			return true
		}
	}
	return false
}

// Both sorts are stable so that rules earlier in the pipeline keep their
// position within a priority band.
func sortBySeverity(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
	})
}

func sortByPriority(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		return severityRank[recs[i].Priority] < severityRank[recs[j].Priority]
	})
}
