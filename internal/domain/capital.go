package domain

import (
	"fmt"
	"math"
	"time"
)

// CapitalEpsilon is the tolerance used when checking ledger invariants.
const CapitalEpsilon = 1e-6

// Capital is the ledger state of one trading mode.
type Capital struct {
	Mode         Mode      `json:"mode"`
	Capital      float64   `json:"capital"`       // Net worth
	Available    float64   `json:"available"`     // Free for new margin
	Used         float64   `json:"used"`          // Reserved as margin
	StartBalance float64   `json:"start_balance"` // Balance the ledger was seeded with
	Currency     string    `json:"currency"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Check verifies available + used == capital (within eps) and available >= 0.
func (c Capital) Check(eps float64) error {
	if c.Available < -eps {
		return fmt.Errorf("%s capital: available %.8f is negative", c.Mode, c.Available)
	}
	if c.Used < -eps {
		return fmt.Errorf("%s capital: used %.8f is negative", c.Mode, c.Used)
	}
	if diff := math.Abs(c.Available + c.Used - c.Capital); diff > eps {
		return fmt.Errorf("%s capital: available %.8f + used %.8f != capital %.8f", c.Mode, c.Available, c.Used, c.Capital)
	}
	return nil
}
