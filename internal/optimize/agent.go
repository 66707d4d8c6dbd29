package optimize

import (
	"context"
	"sync"
	"time"

	"spottrader/internal/config"
	"spottrader/internal/core"
)

// Report is the outcome of one optimization run.
type Report struct {
	Analysis        *Analysis
	Issues          []Issue
	Recommendations []Recommendation
}

// Agent runs the analysis pipeline on a fixed interval and keeps the most
// recent report around for callers to inspect.
type Agent struct {
	cfg      *config.OptimizerConfig
	analyzer *Analyzer
	logger   core.ILogger

	mu      sync.RWMutex
	last    *Report
	lastRun time.Time
}

// NewAgent creates the periodic optimization agent.
func NewAgent(cfg *config.OptimizerConfig, store core.ITradeStore, logger core.ILogger) *Agent {
	return &Agent{
		cfg:      cfg,
		analyzer: NewAnalyzer(store, logger),
		logger:   logger.WithField("component", "optimize_agent"),
	}
}

// Run blocks until ctx is cancelled, producing a report every interval. The
// first run happens after one full interval so the bot has data to analyze.
func (a *Agent) Run(ctx context.Context) {
	if !a.cfg.Enabled {
		a.logger.Info("Optimizer disabled")
		return
	}

	interval := time.Duration(a.cfg.IntervalHours) * time.Hour
	a.logger.Info("Optimizer started", "interval_hours", a.cfg.IntervalHours)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Optimizer stopped")
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("Optimization run failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full analysis pass and records the report.
func (a *Agent) RunOnce(ctx context.Context) (*Report, error) {
	analysis, err := a.analyzer.Analyze(ctx, a.cfg.IntervalHours, a.cfg.MinTrades)
	if err != nil {
		return nil, err
	}

	report := &Report{Analysis: analysis}
	if analysis.Status == StatusSuccess {
		report.Issues = IdentifyIssues(analysis)
		report.Recommendations = GenerateRecommendations(analysis, report.Issues)
		a.logSummary(report)
	}

	a.mu.Lock()
	a.last = report
	a.lastRun = time.Now()
	a.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (a *Agent) LastReport() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// LastRun returns when the most recent run finished.
func (a *Agent) LastRun() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRun
}

func (a *Agent) logSummary(r *Report) {
	o := r.Analysis.Overall
	a.logger.Info("Optimization analysis complete",
		"timeframe_hours", r.Analysis.TimeframeHours,
		"trades", o.TotalTrades,
		"win_rate", o.WinRate,
		"total_pnl", o.TotalPnL,
		"net_profit", o.NetProfit,
		"profit_factor", o.ProfitFactor,
		"sharpe", o.SharpeRatio,
		"issues", len(r.Issues),
		"recommendations", len(r.Recommendations))
	for i, issue := range r.Issues {
		if i >= 3 {
			break
		}
		a.logger.Info("Top issue", "severity", issue.Severity, "description", issue.Description)
	}
	for i, rec := range r.Recommendations {
		if i >= 3 {
			break
		}
		a.logger.Info("Top recommendation", "priority", rec.Priority, "title", rec.Title)
	}
}
