package domain

import "time"

// AutomationStats is the run accumulator persisted wholesale after each cycle.
type AutomationStats struct {
	SignalsGenerated int        `json:"signals_generated"`
	TradesExecuted   int        `json:"trades_executed"`
	SuccessfulTrades int        `json:"successful_trades"`
	FailedTrades     int        `json:"failed_trades"`
	TotalPNL         float64    `json:"total_pnl"`
	LastUpdate       *time.Time `json:"last_update"`
}
