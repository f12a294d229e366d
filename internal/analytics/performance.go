package analytics

import (
	"sort"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/risk"
)

// Summary holds the performance figures of a set of closed trades.
type Summary struct {
	TotalTrades          int                `json:"total_trades"`
	WinningTrades        int                `json:"winning_trades"`
	LosingTrades         int                `json:"losing_trades"`
	WinRate              float64            `json:"win_rate"` // 0..1
	TotalPNL             float64            `json:"total_pnl"`
	AveragePNL           float64            `json:"average_pnl"`
	AverageWin           float64            `json:"average_win"`
	AverageLoss          float64            `json:"average_loss"`
	ProfitFactor         float64            `json:"profit_factor"`
	MaxConsecutiveWins   int                `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int                `json:"max_consecutive_losses"`
	AverageDuration      time.Duration      `json:"average_duration"`
	MaxDrawdown          float64            `json:"max_drawdown"` // Percent of the running peak
	FinalBalance         float64            `json:"final_balance"`
	ReturnOnInvestment   float64            `json:"roi"`
	MonthlyReturns       map[string]float64 `json:"monthly_returns"` // Keyed by close month, "2006-01"
}

// Summarize computes the performance of the closed trades in trades, replayed
// on top of initialBalance in open-time order. Open trades are ignored.
func Summarize(trades []*domain.Trade, initialBalance float64) Summary {
	s := Summary{FinalBalance: initialBalance, MonthlyReturns: make(map[string]float64)}

	closed := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil && !t.IsOpen() {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return s
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].OpenedAt.Before(closed[j].OpenedAt) })

	var wins, losses float64
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	for _, t := range closed {
		pnl := t.PNLValue()
		s.TotalTrades++
		s.TotalPNL += pnl
		if pnl > 0 {
			s.WinningTrades++
			wins += pnl
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			s.LosingTrades++
			losses += pnl
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = consecutiveLosses
		}

		if t.ClosedAt != nil {
			s.MonthlyReturns[t.ClosedAt.UTC().Format("2006-01")] += pnl
			if !t.OpenedAt.IsZero() {
				totalDuration += t.ClosedAt.Sub(t.OpenedAt)
			}
		}
	}

	s.FinalBalance = initialBalance + s.TotalPNL
	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	s.AveragePNL = s.TotalPNL / float64(s.TotalTrades)
	s.AverageDuration = totalDuration / time.Duration(s.TotalTrades)
	if s.WinningTrades > 0 {
		s.AverageWin = wins / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = losses / float64(s.LosingTrades)
	}
	if losses != 0 {
		s.ProfitFactor = wins / -losses
	}
	if initialBalance > 0 {
		s.ReturnOnInvestment = s.TotalPNL / initialBalance
	}
	s.MaxDrawdown = risk.MaxDrawdown(risk.EquityCurve(closed, initialBalance))
	return s
}

// MonthlyReturn is one entry of Summary.SortedMonthlyReturns.
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// SortedMonthlyReturns returns the monthly returns in chronological order.
func (s Summary) SortedMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(s.MonthlyReturns))
	for month, pnl := range s.MonthlyReturns {
		date, err := time.Parse("2006-01", month)
		if err != nil {
			continue
		}
		returns = append(returns, MonthlyReturn{Month: date, Return: pnl})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}
