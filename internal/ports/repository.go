package ports

import (
	"context"
	"time"

	"autotrader/internal/domain"
)

// TradeFilter narrows GetTrades. Zero values mean "any".
type TradeFilter struct {
	Status  domain.TradeStatus
	Virtual *bool
	Symbol  string
	Since   time.Time
	Limit   int
}

// TradeStore persists the trade records. Records are normalized to domain.Trade
// at this boundary only.
type TradeStore interface {
	// AddTrade saves a new open trade keyed by its order ID.
	AddTrade(ctx context.Context, trade *domain.Trade) error
	// CloseTrade marks the trade closed with its exit price and realized PnL.
	// Closing an already-closed trade is a no-op returning closed=false.
	CloseTrade(ctx context.Context, orderID string, exitPrice, pnl float64) (closed bool, err error)
	// GetTrades lists trades matching filter ordered by open time ascending.
	GetTrades(ctx context.Context, filter TradeFilter) ([]*domain.Trade, error)
	// GetTradeByID retrieves a trade by order ID. Returns ErrNotFound if missing.
	GetTradeByID(ctx context.Context, orderID string) (*domain.Trade, error)
	// UpdateUnrealizedPNL stores the latest mark-to-market PnL of an open trade.
	UpdateUnrealizedPNL(ctx context.Context, orderID string, pnl float64) error
}

// SettingsStore is a small key/value store for runtime tunables and opaque
// state blobs (automation stats, simulated book).
type SettingsStore interface {
	// GetSetting returns the value and whether the key exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	// SetSetting inserts or replaces the value for key.
	SetSetting(ctx context.Context, key, value string) error
}

// CapitalStore persists the ledger state of a mode.
type CapitalStore interface {
	// LoadCapital returns the stored capital for mode, or nil, nil if none is stored.
	LoadCapital(ctx context.Context, mode domain.Mode) (*domain.Capital, error)
	// SaveCapital inserts or replaces the capital row of c.Mode.
	SaveCapital(ctx context.Context, c domain.Capital) error
}
