package domain

import "time"

// OrderRequest carries the parameters of a single order submission.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Quantity    float64
	Price       float64 // Reference/limit price; 0 lets the broker use the current price
	Type        OrderType
	TimeInForce TimeInForce
	ReduceOnly  bool
	Leverage    int
	TakeProfit  float64 // Optional explicit bracket prices; 0 means derive from config
	StopLoss    float64
}

// Order is a single order as tracked by a broker.
type Order struct {
	ID         string
	ParentID   string // Set on bracket legs, points at the entry order
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	Price      float64
	Status     OrderStatus
	Mode       Mode
	ReduceOnly bool
	CreatedAt  time.Time
}

// OrderResult is what a broker reports back after an entry order.
type OrderResult struct {
	OrderID      string
	Symbol       string
	Side         OrderSide
	Status       OrderStatus
	Mode         Mode
	FilledQty    float64
	AvgPrice     float64
	Leverage     int
	Margin       float64
	TakeProfit   float64
	StopLoss     float64
	TakeProfitID string
	StopLossID   string
}
