package domain

import "errors"

// Mode identifies which ledger and broker backend a record belongs to.
type Mode string

const (
	ModeVirtual Mode = "virtual"
	ModeReal    Mode = "real"
)

// ParseMode converts a string to a Mode, defaulting to virtual.
func ParseMode(s string) Mode {
	if Mode(s) == ModeReal {
		return ModeReal
	}
	return ModeVirtual
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == Sell {
		return Buy
	}
	return Sell
}

// ParseSide normalises the side spellings used by signal producers
// (BUY/SELL, Buy/Sell, LONG/SHORT).
func ParseSide(s string) (OrderSide, bool) {
	switch s {
	case "BUY", "Buy", "buy", "LONG", "Long", "long":
		return Buy, true
	case "SELL", "Sell", "sell", "SHORT", "Short", "short":
		return Sell, true
	}
	return "", false
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long a resting order stays active.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
)

// OrderStatus is the lifecycle state of an order as reported by a broker.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderNew             OrderStatus = "NEW"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCanceled        OrderStatus = "CANCELED"
)

// IsAccepted reports whether the exchange took the order, i.e. a bracket
// may be attached to it.
func (s OrderStatus) IsAccepted() bool {
	switch s {
	case OrderNew, OrderFilled, OrderPartiallyFilled:
		return true
	}
	return false
}

// TradeStatus represents the status of a trade record.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// ErrAlreadyClosed is returned when a closed trade or position is closed again.
var ErrAlreadyClosed = errors.New("trade already closed")
