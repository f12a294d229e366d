package ports

import (
	"context"

	"autotrader/internal/domain"
)

// SignalSource produces ranked candidate signals on demand. "No opportunity"
// is an empty slice, never an error.
type SignalSource interface {
	GetSignals(ctx context.Context) ([]domain.Signal, error)
}

// Notifier delivers best-effort notifications. Failures are logged by the
// caller and never block trading.
type Notifier interface {
	PostTrade(ctx context.Context, trade *domain.Trade) error
	PostSignal(ctx context.Context, signal domain.Signal) error
}
