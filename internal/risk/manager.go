package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"autotrader/internal/domain"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonMaxDrawdown    = "max_drawdown"
	ReasonMaxDailyTrades = "max_daily_trades"
)

// Limits holds the circuit-breaker thresholds.
type Limits struct {
	MaxDrawdownPct float64 // Reject when max drawdown >= this percentage
	MaxDailyTrades int     // Reject when trades opened today (UTC) >= this count
	MaxPositionPct float64 // Per-signal margin cap as a percentage of capital; 0 disables it
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed     bool
	Reason      string
	Detail      string
	MaxDrawdown float64
	TradesToday int
}

// Gate admits or blocks a trading cycle. It is stateless: every decision is
// derived from the trade history and capital passed in.
type Gate struct {
	mu     sync.RWMutex
	limits Limits
}

// NewGate creates a gate enforcing limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Limits returns the thresholds the gate enforces.
func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// SetLimits replaces the thresholds used by subsequent evaluations.
func (g *Gate) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
}

// Evaluate replays trades on top of capital and checks the drawdown and daily
// trade limits. The drawdown check runs first.
func (g *Gate) Evaluate(trades []*domain.Trade, capital domain.Capital, now time.Time) Decision {
	limits := g.Limits()
	d := Decision{
		Allowed:     true,
		MaxDrawdown: MaxDrawdown(EquityCurve(trades, capital.Capital)),
		TradesToday: CountOpenedOn(trades, now),
	}

	if d.MaxDrawdown >= limits.MaxDrawdownPct {
		d.Allowed = false
		d.Reason = ReasonMaxDrawdown
		d.Detail = fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", d.MaxDrawdown, limits.MaxDrawdownPct)
		return d
	}
	if d.TradesToday >= limits.MaxDailyTrades {
		d.Allowed = false
		d.Reason = ReasonMaxDailyTrades
		d.Detail = fmt.Sprintf("%d trades today >= limit %d", d.TradesToday, limits.MaxDailyTrades)
	}
	return d
}

// WithinPositionLimit reports whether margin stays under MaxPositionPct of capital.
func (g *Gate) WithinPositionLimit(margin, capital float64) bool {
	pct := g.Limits().MaxPositionPct
	if pct <= 0 {
		return true
	}
	return margin <= capital*pct/100
}

// EquityCurve starts at start and accumulates the realized PnL of trades in
// open-time order. Trades without a PnL contribute 0.
func EquityCurve(trades []*domain.Trade, start float64) []float64 {
	sorted := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenedAt.Before(sorted[j].OpenedAt)
	})

	curve := make([]float64, 0, len(sorted)+1)
	equity := start
	curve = append(curve, equity)
	for _, t := range sorted {
		equity += t.PNLValue()
		curve = append(curve, equity)
	}
	return curve
}

// MaxDrawdown returns the largest peak-to-trough decline of curve as a
// non-negative percentage. Steps where the peak is not positive count as 0.
func MaxDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	maxDD := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - v) / peak * 100
		maxDD = math.Max(maxDD, dd)
	}
	return maxDD
}

// CountOpenedOn counts trades opened on the UTC calendar day of now.
func CountOpenedOn(trades []*domain.Trade, now time.Time) int {
	y, m, d := now.UTC().Date()
	count := 0
	for _, t := range trades {
		if t == nil {
			continue
		}
		ty, tm, td := t.OpenedAt.UTC().Date()
		if ty == y && tm == m && td == d {
			count++
		}
	}
	return count
}
