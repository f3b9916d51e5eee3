// Package metrics exposes the engine's prometheus gauges/counters on a
// private registry so tests and embedders never collide on the default
// one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the private prometheus registry for this engine's metrics.
var Registry = prometheus.NewRegistry()

var (
	Equity = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "equity_total",
		Help:      "Current total portfolio value in USD.",
	})

	CashBalance = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "cash_balance",
		Help:      "Current cash balance in USD.",
	})

	UnrealizedPnL = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "unrealized_pnl_total",
		Help:      "Sum of unrealized PnL across open positions.",
	})

	SharpeRatio = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "sharpe_ratio",
		Help:      "Annualized Sharpe ratio computed from portfolio value history.",
	})

	OpenPositions = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perpengine",
		Name:      "open_positions",
		Help:      "Number of currently open positions.",
	})

	TradesClosedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpengine",
			Name:      "trades_closed_total",
			Help:      "Closed trades by direction and close reason.",
		},
		[]string{"direction", "close_reason"},
	)

	DecisionVetoTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpengine",
			Name:      "decision_veto_total",
			Help:      "Entry decisions vetoed, by stage (validator/risk).",
		},
		[]string{"stage", "reason"},
	)

	CycleDurationSeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "perpengine",
		Name:      "cycle_duration_seconds",
		Help:      "Wall-clock duration of one decision cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ExitMonitorTickSeconds = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "perpengine",
		Name:      "exit_monitor_tick_seconds",
		Help:      "Wall-clock duration of one exit-monitor tick.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	LLMCallTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpengine",
			Name:      "llm_call_total",
			Help:      "LLM adapter calls by outcome (ok/error).",
		},
		[]string{"outcome"},
	)
)
