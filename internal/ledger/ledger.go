package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/metrics"
	"autotrader/internal/ports"
)

const (
	DefaultStartBalance = 100.0
	DefaultCurrency     = "USDT"
)

// Config holds the collaborators of the capital ledger.
type Config struct {
	Logger       ports.Logger
	Store        ports.CapitalStore // Durable storage for virtual capital
	Wallet       ports.WalletSource // Source of truth for real capital; nil disables real mode
	Metrics      *metrics.Metrics
	StartBalance float64 // Virtual seed balance, DefaultStartBalance when <= 0
	Currency     string
	Clock        func() time.Time
}

// Ledger is the authoritative available/used/total capital per trading mode.
//
// Virtual capital is persisted on every mutation before the call returns.
// Real capital is a read-through cache of the exchange wallet that Refresh replaces.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	capital map[domain.Mode]domain.Capital
}

// New loads virtual capital from the store, seeding it with the start balance
// on first use.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for capital ledger")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("capital store is required for capital ledger")
	}
	if cfg.StartBalance <= 0 {
		cfg.StartBalance = DefaultStartBalance
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	l := &Ledger{cfg: cfg, capital: make(map[domain.Mode]domain.Capital, 2)}

	stored, err := cfg.Store.LoadCapital(ctx, domain.ModeVirtual)
	if err != nil {
		return nil, fmt.Errorf("failed to load virtual capital: %w", err)
	}
	if stored == nil {
		seed := domain.Capital{
			Mode:         domain.ModeVirtual,
			Capital:      cfg.StartBalance,
			Available:    cfg.StartBalance,
			StartBalance: cfg.StartBalance,
			Currency:     cfg.Currency,
			UpdatedAt:    cfg.Clock().UTC(),
		}
		if err := cfg.Store.SaveCapital(ctx, seed); err != nil {
			return nil, fmt.Errorf("failed to seed virtual capital: %w", err)
		}
		cfg.Logger.Info(ctx, "Virtual capital initialized", map[string]interface{}{"balance": cfg.StartBalance, "currency": cfg.Currency})
		stored = &seed
	} else if err := stored.Check(domain.CapitalEpsilon); err != nil {
		return nil, fmt.Errorf("stored virtual capital: %w: %w", ports.ErrLedgerCorrupted, err)
	}
	l.capital[domain.ModeVirtual] = *stored
	l.capital[domain.ModeReal] = domain.Capital{Mode: domain.ModeReal, Currency: cfg.Currency}
	cfg.Metrics.SetCapital(*stored)
	return l, nil
}

// Get returns a snapshot of the capital of mode.
func (l *Ledger) Get(mode domain.Mode) domain.Capital {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capital[mode]
}

// Reserve moves amount from available to used.
func (l *Ledger) Reserve(ctx context.Context, mode domain.Mode, amount float64) error {
	op := "Reserve"
	if amount <= 0 {
		return fmt.Errorf("%s failed: %w: amount %.8f must be positive", op, ports.ErrInvalidRequest, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.capital[mode]
	avail := decimal.NewFromFloat(before.Available)
	amt := decimal.NewFromFloat(amount)
	if amt.GreaterThan(avail) {
		return fmt.Errorf("%s failed: %w: need %.8f, available %.8f", op, ports.ErrInsufficientFunds, amount, before.Available)
	}

	after := before
	after.Available = avail.Sub(amt).InexactFloat64()
	after.Used = decimal.NewFromFloat(before.Used).Add(amt).InexactFloat64()
	if err := l.commit(ctx, before, after); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	l.cfg.Logger.Debug(ctx, op+": margin reserved", map[string]interface{}{"mode": mode, "amount": amount, "available": after.Available, "used": after.Used})
	return nil
}

// Release returns margin to available and books pnl. A loss larger than what
// the account holds clamps available at zero.
func (l *Ledger) Release(ctx context.Context, mode domain.Mode, margin, pnl float64) error {
	op := "Release"
	if margin < 0 {
		return fmt.Errorf("%s failed: %w: margin %.8f is negative", op, ports.ErrInvalidRequest, margin)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.capital[mode]
	m := decimal.NewFromFloat(margin)
	p := decimal.NewFromFloat(pnl)

	avail := decimal.NewFromFloat(before.Available).Add(m).Add(p)
	used := decimal.NewFromFloat(before.Used).Sub(m)
	if used.IsNegative() {
		used = decimal.Zero
	}
	capital := decimal.NewFromFloat(before.Capital).Add(p)
	clamped := false
	if avail.IsNegative() {
		l.cfg.Logger.Warn(ctx, op+": loss exceeds available capital, clamping to zero", map[string]interface{}{
			"mode": mode, "margin": margin, "pnl": pnl, "available": avail.InexactFloat64(),
		})
		avail = decimal.Zero
		clamped = true
	}
	// Clamping, or releasing more margin than was reserved, breaks
	// capital = available + used; capital is re-derived from its parts then.
	if clamped || decimal.NewFromFloat(before.Used).LessThan(m) {
		capital = avail.Add(used)
	}

	after := before
	after.Available = avail.InexactFloat64()
	after.Used = used.InexactFloat64()
	after.Capital = capital.InexactFloat64()
	if err := l.commit(ctx, before, after); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	l.cfg.Logger.Debug(ctx, op+": margin released", map[string]interface{}{
		"mode": mode, "margin": margin, "pnl": pnl, "available": after.Available, "used": after.Used, "capital": after.Capital,
	})
	return nil
}

// Refresh replaces the real-mode cache with the exchange wallet.
func (l *Ledger) Refresh(ctx context.Context) error {
	op := "Refresh"
	if l.cfg.Wallet == nil {
		return fmt.Errorf("%s failed: %w: no wallet source configured", op, ports.ErrUnsupportedMode)
	}
	equity, available, err := l.cfg.Wallet.GetWallet(ctx, l.cfg.Currency)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.capital[domain.ModeReal]
	after := before
	eq := decimal.NewFromFloat(equity)
	av := decimal.NewFromFloat(available)
	if av.GreaterThan(eq) {
		av = eq
	}
	if av.IsNegative() {
		av = decimal.Zero
	}
	after.Capital = eq.InexactFloat64()
	after.Available = av.InexactFloat64()
	after.Used = eq.Sub(av).InexactFloat64()
	if after.StartBalance == 0 {
		after.StartBalance = after.Capital
	}
	if err := l.commit(ctx, before, after); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	l.cfg.Logger.Debug(ctx, op+": real capital synced from wallet", map[string]interface{}{"capital": after.Capital, "available": after.Available})
	return nil
}

// Reset reseeds virtual capital with balance. Refused while margin is reserved.
func (l *Ledger) Reset(ctx context.Context, balance float64) error {
	op := "Reset"
	if balance <= 0 {
		return fmt.Errorf("%s failed: %w: balance must be positive", op, ports.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.capital[domain.ModeVirtual]
	if before.Used > domain.CapitalEpsilon {
		return fmt.Errorf("%s failed: %w: %.8f still reserved as margin", op, ports.ErrInvalidRequest, before.Used)
	}
	after := before
	after.Capital, after.Available, after.Used, after.StartBalance = balance, balance, 0, balance
	if err := l.commit(ctx, before, after); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	l.cfg.Logger.Info(ctx, op+": virtual capital reset", map[string]interface{}{"balance": balance})
	return nil
}

// commit validates and installs after. Virtual state is persisted first and
// the in-memory value is left untouched if that fails. Must hold l.mu.
func (l *Ledger) commit(ctx context.Context, before, after domain.Capital) error {
	after.UpdatedAt = l.cfg.Clock().UTC()
	if err := after.Check(domain.CapitalEpsilon); err != nil {
		l.cfg.Logger.Error(ctx, err, "Capital ledger invariant violated", map[string]interface{}{
			"mode": after.Mode, "capital": after.Capital, "available": after.Available, "used": after.Used,
		})
		return fmt.Errorf("%w: %w", ports.ErrLedgerCorrupted, err)
	}
	if after.Mode == domain.ModeVirtual {
		if err := l.cfg.Store.SaveCapital(ctx, after); err != nil {
			l.cfg.Logger.Error(ctx, err, "Failed to persist virtual capital, keeping previous state", map[string]interface{}{"available": before.Available, "used": before.Used})
			return err
		}
	}
	l.capital[after.Mode] = after
	l.cfg.Metrics.SetCapital(after)
	return nil
}
