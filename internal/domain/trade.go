package domain

import (
	"fmt"
	"time"
)

// Trade is the single record type used by the ledger, the trade store and the
// brokers. Its ID is the entry order ID.
type Trade struct {
	ID            string      // Entry order ID
	Symbol        string      // Trading symbol (e.g., "ETHUSDT")
	Side          OrderSide   // Entry side
	Quantity      float64     // Filled quantity
	EntryPrice    float64     // Price at which the position was entered
	ExitPrice     *float64    // Price at which the position was exited (nil while open)
	StopLoss      float64     // Stop-loss bracket price
	TakeProfit    float64     // Take-profit bracket price
	Leverage      int         // Leverage used for the position
	Margin        float64     // Margin reserved for the position
	PNL           *float64    // Realized PnL (nil while open)
	UnrealizedPNL float64     // Last mark-to-market PnL
	Status        TradeStatus // open or closed
	Virtual       bool        // True for simulated trades
	Strategy      string      // Strategy tag of the originating signal
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// IsOpen checks if the trade status is open.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// Mode returns the ledger mode the trade belongs to.
func (t *Trade) Mode() Mode {
	if t.Virtual {
		return ModeVirtual
	}
	return ModeReal
}

// RealizedPNL returns the signed profit/loss of closing the trade at exit.
func (t *Trade) RealizedPNL(exit float64) float64 {
	return SignedPNL(t.Side, t.EntryPrice, exit, t.Quantity)
}

// PNLValue returns the realized PnL or 0 while it is unknown.
func (t *Trade) PNLValue() float64 {
	if t.PNL == nil {
		return 0
	}
	return *t.PNL
}

// Close moves the trade to its terminal state. Closed trades are never reopened.
func (t *Trade) Close(exit, pnl float64, at time.Time) error {
	if t.Status == StatusClosed {
		return fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyClosed)
	}
	t.ExitPrice = &exit
	t.PNL = &pnl
	t.ClosedAt = &at
	t.UnrealizedPNL = 0
	t.Status = StatusClosed
	return nil
}
