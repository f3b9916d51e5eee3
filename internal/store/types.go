package store

import "time"

// BotControlDoc is the single document an external operator writes to
// pause, resume, or stop the decision loop (document path: BotControl).
type BotControlDoc struct {
	Status      string    `json:"status"` // running | paused | stopped
	LastUpdated time.Time `json:"last_updated"`
	Action      string    `json:"action,omitempty"`
}

const (
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

// ManualOverrideDoc is written by an external operator and read-and-deleted
// once per cycle; its decisions bypass validation entirely (document path:
// ManualOverride).
type ManualOverrideDoc struct {
	Timestamp time.Time                 `json:"timestamp"`
	Decisions map[string]OverrideAction `json:"decisions"`
}

// OverrideAction is one coin's manual instruction.
type OverrideAction struct {
	Signal string `json:"signal"` // close_position | hold
}

// CycleRecordDoc is one append-only entry in cycle_history.json (document
// path: CycleHistory).
type CycleRecordDoc struct {
	ID             string                 `json:"id"`
	Number         int                    `json:"cycle_number"`
	Timestamp      time.Time              `json:"timestamp"`
	PromptSummary  string                 `json:"prompt_summary,omitempty"`
	ChainOfThought string                 `json:"chain_of_thought,omitempty"`
	Decisions      map[string]interface{} `json:"decisions,omitempty"`
	AutoExits      []string               `json:"auto_exits,omitempty"`
	ManualOverride bool                   `json:"manual_override,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// PerformanceReportDoc is one entry in performance_report.json (document
// path: PerformanceReport), produced by the performance analyzer.
type PerformanceReportDoc struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalValue     float64   `json:"total_value"`
	TotalReturnPct float64   `json:"total_return_pct"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	TradeCount     int       `json:"trade_count"`
}
