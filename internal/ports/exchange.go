package ports

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// OrderResponse represents the essential details returned by the exchange for an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	Price         float64   // Price of the order (0 for market orders)
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	TimeInForce   string    // Time in force (e.g., GTC, IOC)
	Type          string    // Order type (e.g., MARKET, LIMIT)
	Side          string    // Order side (BUY, SELL)
	ReduceOnly    bool      // Whether the order can only reduce a position
	Timestamp     time.Time // Time the order response was generated
}

// PositionRisk represents the risk details for an open exchange position.
type PositionRisk struct {
	Symbol           string  // Symbol of the position
	PositionAmt      float64 // Current position amount (positive for long, negative for short)
	EntryPrice       float64 // Average entry price of the position
	MarkPrice        float64 // Current mark price
	UnRealizedProfit float64 // Unrealized profit/loss
	LiquidationPrice float64 // Estimated liquidation price
	Leverage         int     // Current leverage for the position
	IsolatedMargin   float64 // Isolated margin (if applicable)
}

// SymbolInfo describes a tradable contract and the precision orders on it use.
type SymbolInfo struct {
	Symbol            string
	QuoteAsset        string
	PricePrecision    int
	QuantityPrecision int
}

// Broker is the capability interface shared by the simulated and the real
// execution backends. The automation controller only talks to this.
type Broker interface {
	// Mode reports which ledger the broker books against.
	Mode() domain.Mode

	// GetTradableSymbols lists symbols orders can currently be placed on.
	GetTradableSymbols(ctx context.Context) ([]string, error)

	// PlaceOrder submits an entry order and attaches the TP/SL bracket once it is accepted.
	// A nil result is always accompanied by an error; no capital is mutated on failure.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

	// GetOpenPositions lists open positions with mark-to-market PnL.
	GetOpenPositions(ctx context.Context) ([]domain.Position, error)

	// ClosePosition flattens the position on symbol. It returns true only if the
	// position is fully closed; closing a missing position returns false.
	ClosePosition(ctx context.Context, symbol string) (bool, error)

	// GetCurrentPrice returns the latest known price. Unavailability is reported
	// with ErrPriceUnavailable and is not fatal.
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceFeed provides the last known price per symbol.
type PriceFeed interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// WalletSource reads the exchange wallet backing real-mode capital.
type WalletSource interface {
	// GetWallet returns total equity and the amount available for new margin.
	GetWallet(ctx context.Context, asset string) (equity, available float64, err error)
}

// ExchangeClient defines the low-level exchange calls used by the real broker.
// Quantities and prices are passed pre-formatted to the exchange's precision.
type ExchangeClient interface {
	PriceFeed
	WalletSource

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// GetSymbols lists contracts in TRADING status quoted in quoteAsset.
	GetSymbols(ctx context.Context, quoteAsset string) ([]SymbolInfo, error)

	// PlaceMarketOrder places a market order tagged with clientOrderID. An empty
	// clientOrderID lets the exchange assign one.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool, clientOrderID string) (*OrderResponse, error)

	// PlaceLimitOrder places a limit order resting at price.
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string, tif domain.TimeInForce, reduceOnly bool) (*OrderResponse, error)

	// GetOrder polls the current state of an order.
	GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// GetOrderByClientID looks an order up by the ID it was submitted with.
	// Returns ErrOrderNotFound if the exchange never accepted it.
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)

	// GetPositionRisk retrieves the risk information for a specific position symbol.
	// Returns nil if no position exists for the symbol.
	GetPositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)

	// GetPositions retrieves all non-zero positions.
	GetPositions(ctx context.Context) ([]*PositionRisk, error)
}
