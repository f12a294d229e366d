package ports

import (
	"context"

	"autotrader/internal/domain"
)

// Ledger is the capital ledger as seen by brokers and the controller.
type Ledger interface {
	Get(mode domain.Mode) domain.Capital
	Reserve(ctx context.Context, mode domain.Mode, amount float64) error
	Release(ctx context.Context, mode domain.Mode, margin, pnl float64) error
	// Refresh re-reads real-mode capital from the exchange wallet.
	Refresh(ctx context.Context) error
}
