package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
	"autotrader/internal/ledger"
	"autotrader/internal/ports"
	"autotrader/internal/retry"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockTradeStore is an in-memory ports.TradeStore.
type mockTradeStore struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
	closes int
}

func newMockTradeStore() *mockTradeStore {
	return &mockTradeStore{trades: make(map[string]*domain.Trade)}
}

func (m *mockTradeStore) AddTrade(ctx context.Context, t *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[t.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *mockTradeStore) CloseTrade(ctx context.Context, id string, exit, pnl float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if err := t.Close(exit, pnl, time.Now()); err != nil {
		return false, nil
	}
	m.closes++
	return true, nil
}

func (m *mockTradeStore) GetTrades(ctx context.Context, f ports.TradeFilter) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.trades {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Virtual != nil && t.Virtual != *f.Virtual {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *mockTradeStore) GetTradeByID(ctx context.Context, id string) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTradeStore) UpdateUnrealizedPNL(ctx context.Context, id string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return ports.ErrNotFound
	}
	t.UnrealizedPNL = pnl
	return nil
}

func (m *mockTradeStore) get(id string) *domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades[id]
}

// mockSettings is an in-memory ports.SettingsStore.
type mockSettings struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func newMockSettings() *mockSettings {
	return &mockSettings{values: make(map[string]string)}
}

func (m *mockSettings) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockSettings) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = value
	return nil
}

type mockCapitalStore struct {
	mu     sync.Mutex
	stored map[domain.Mode]domain.Capital
}

func (m *mockCapitalStore) LoadCapital(ctx context.Context, mode domain.Mode) (*domain.Capital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.stored[mode]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockCapitalStore) SaveCapital(ctx context.Context, c domain.Capital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[c.Mode] = c
	return nil
}

type mockPriceFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *mockPriceFeed) set(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *mockPriceFeed) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ports.ErrPriceUnavailable, symbol)
	}
	return p, nil
}

func newTestLedger(t *testing.T, wallet ports.WalletSource) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.Config{
		Logger: &mockLogger{},
		Store:  &mockCapitalStore{stored: make(map[domain.Mode]domain.Capital)},
		Wallet: wallet,
	})
	require.NoError(t, err)
	return l
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, Timeout: time.Second}
}
