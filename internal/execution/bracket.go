package execution

import (
	"sync"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
)

const (
	DefaultTakeProfitPct = 30.0
	DefaultStopLossPct   = 10.0
)

// BracketConfig holds the fixed take-profit/stop-loss offsets from entry, in percent.
type BracketConfig struct {
	TakeProfitPct float64
	StopLossPct   float64
}

func (c BracketConfig) withDefaults() BracketConfig {
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = DefaultTakeProfitPct
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = DefaultStopLossPct
	}
	return c
}

// Prices returns the bracket prices for a position entered at entry.
// Short positions mirror the offsets.
func (c BracketConfig) Prices(side domain.OrderSide, entry float64) (tp, sl float64) {
	c = c.withDefaults()
	e := decimal.NewFromFloat(entry)
	hundred := decimal.NewFromInt(100)
	tpOff := e.Mul(decimal.NewFromFloat(c.TakeProfitPct)).Div(hundred)
	slOff := e.Mul(decimal.NewFromFloat(c.StopLossPct)).Div(hundred)
	if side == domain.Sell {
		return e.Sub(tpOff).InexactFloat64(), e.Add(slOff).InexactFloat64()
	}
	return e.Add(tpOff).InexactFloat64(), e.Sub(slOff).InexactFloat64()
}

// resolve keeps explicit bracket prices from the request and derives the rest.
func (c BracketConfig) resolve(req domain.OrderRequest, entry float64) (tp, sl float64) {
	tp, sl = c.Prices(req.Side, entry)
	if req.TakeProfit > 0 {
		tp = req.TakeProfit
	}
	if req.StopLoss > 0 {
		sl = req.StopLoss
	}
	return tp, sl
}

// bracketLegs are the IDs of the two reduce-only orders attached to an entry.
type bracketLegs struct {
	Symbol       string
	TakeProfitID string
	StopLossID   string
}

// bracketRegistry guarantees a bracket is placed at most once per entry order.
type bracketRegistry struct {
	mu   sync.Mutex
	legs map[string]*bracketLegs
}

func newBracketRegistry() *bracketRegistry {
	return &bracketRegistry{legs: make(map[string]*bracketLegs)}
}

// claim reserves the bracket slot of orderID. It returns false if a bracket
// was already placed or is being placed.
func (r *bracketRegistry) claim(orderID, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.legs[orderID]; ok {
		return false
	}
	r.legs[orderID] = &bracketLegs{Symbol: symbol}
	return true
}

func (r *bracketRegistry) set(orderID string, tpID, slID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.legs[orderID]; ok {
		l.TakeProfitID, l.StopLossID = tpID, slID
	}
}

// take removes and returns the legs of orderID so they are cancelled once.
func (r *bracketRegistry) take(orderID string) (bracketLegs, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.legs[orderID]
	if !ok {
		return bracketLegs{}, false
	}
	// keep the key so the order can never be bracketed again
	out := *l
	l.TakeProfitID, l.StopLossID = "", ""
	return out, true
}

func (r *bracketRegistry) has(orderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.legs[orderID]
	return ok
}
