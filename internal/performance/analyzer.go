// Package performance builds periodic performance_report.json entries
// from trade history and portfolio state.
package performance

import (
	"time"

	"github.com/nof1ai/perpengine/internal/portfolio"
	"github.com/nof1ai/perpengine/internal/store"
)

// Analyzer computes a PerformanceReport snapshot from the ledger.
type Analyzer struct {
	store *store.Store
}

func New(s *store.Store) *Analyzer {
	return &Analyzer{store: s}
}

// Analyze computes win rate, profit factor, and max drawdown from closed
// trades plus the portfolio's current Sharpe/return, appends the report to
// performance_report.json (capped 50), and returns it.
func (a *Analyzer) Analyze(p portfolio.Portfolio) (store.PerformanceReportDoc, error) {
	report := store.PerformanceReportDoc{
		Timestamp:      time.Now(),
		TotalValue:     p.TotalValue,
		TotalReturnPct: p.TotalReturnPct,
		SharpeRatio:    p.SharpeRatio,
		TradeCount:     p.TradeCount,
	}

	if len(p.TradeHistory) > 0 {
		var wins, totalProfit, totalLoss float64
		for _, t := range p.TradeHistory {
			if t.RealizedPnL > 0 {
				wins++
				totalProfit += t.RealizedPnL
			} else if t.RealizedPnL < 0 {
				totalLoss += -t.RealizedPnL
			}
		}
		report.WinRate = wins / float64(len(p.TradeHistory)) * 100
		if totalLoss > 0 {
			report.ProfitFactor = totalProfit / totalLoss
		}
	}

	report.MaxDrawdownPct = maxDrawdownPct(p.PortfolioValuesHistory)

	var reports []store.PerformanceReportDoc
	if err := a.store.Read(store.PerformanceReport, &reports); err != nil {
		return report, err
	}
	reports = append(reports, report)
	const capacity = 50
	if len(reports) > capacity {
		reports = reports[len(reports)-capacity:]
	}
	if err := a.store.Write(store.PerformanceReport, reports); err != nil {
		return report, err
	}
	return report, nil
}

// maxDrawdownPct finds the largest peak-to-trough decline in the values
// series, expressed as a positive percentage.
func maxDrawdownPct(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	peak := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
