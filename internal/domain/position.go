package domain

// Position is an open exposure held on a broker (exchange or simulated book).
type Position struct {
	Symbol        string    // Trading symbol (e.g., "ETHUSDT")
	OrderID       string    // Entry order that opened the position (simulated book only)
	Side          OrderSide // Side of the entry order
	Size          float64   // Absolute position size
	EntryPrice    float64   // Average entry price
	MarkPrice     float64   // Latest known price
	UnrealizedPNL float64   // Mark-to-market profit/loss
	Leverage      int       // Leverage used for the position
	Margin        float64   // Margin backing the position
	Open          bool      // False once the position has been closed
}

// PNLAt returns the profit/loss of the position if it were closed at price.
func (p *Position) PNLAt(price float64) float64 {
	return SignedPNL(p.Side, p.EntryPrice, price, p.Size)
}

// SignedPNL computes (exit-entry)*qty, inverted for short positions.
func SignedPNL(side OrderSide, entry, exit, qty float64) float64 {
	if side == Sell {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
