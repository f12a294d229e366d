package domain

import "time"

// Signal is a candidate trade produced by the signal source. It is consumed
// once per cycle and never persisted by the automation core.
type Signal struct {
	Symbol     string    `json:"symbol" validate:"required"`
	Side       OrderSide `json:"side" validate:"required,oneof=BUY SELL"`
	Entry      float64   `json:"entry" validate:"gte=0"`
	TakeProfit float64   `json:"tp" validate:"gte=0"`
	StopLoss   float64   `json:"sl" validate:"gte=0"`
	Score      float64   `json:"score"`
	Margin     float64   `json:"margin" validate:"gt=0"`
	Quantity   float64   `json:"qty" validate:"gt=0"`
	Leverage   int       `json:"leverage" validate:"gte=0"`
	Strategy   string    `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}
