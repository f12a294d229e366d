package app

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
)

// mockLogger records messages; the loop logs from its own goroutine.
type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errorMsgs...)
}

type mockSettings struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func newMockSettings(values map[string]string) *mockSettings {
	if values == nil {
		values = make(map[string]string)
	}
	return &mockSettings{values: values}
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

func (m *mockSettings) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

type mockTradeStore struct {
	mu     sync.Mutex
	trades map[string]*domain.Trade
	onGet  func()
}

func newMockTradeStore(trades ...*domain.Trade) *mockTradeStore {
	m := &mockTradeStore{trades: make(map[string]*domain.Trade)}
	for _, t := range trades {
		m.trades[t.ID] = t
	}
	return m
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
	return true, nil
}

func (m *mockTradeStore) GetTrades(ctx context.Context, f ports.TradeFilter) ([]*domain.Trade, error) {
	m.mu.Lock()
	hook := m.onGet
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
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if hook != nil {
		hook()
	}
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
	return nil
}

func (m *mockTradeStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// mockSignals returns the result of fn, or signals if fn is nil.
type mockSignals struct {
	mu      sync.Mutex
	signals []domain.Signal
	fn      func(call int) ([]domain.Signal, error)
	calls   int
}

func (m *mockSignals) GetSignals(ctx context.Context) ([]domain.Signal, error) {
	m.mu.Lock()
	m.calls++
	call, fn, signals := m.calls, m.fn, m.signals
	m.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return signals, nil
}

func (m *mockSignals) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeBroker books margin on a real ledger the way the brokers do.
type fakeBroker struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	mode    domain.Mode
	symbols []string
	fail    map[string]error
	placed  []domain.OrderRequest
	closed  []string
	nextID  int
}

func (b *fakeBroker) Mode() domain.Mode { return b.mode }

func (b *fakeBroker) GetTradableSymbols(ctx context.Context) ([]string, error) {
	return b.symbols, nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if err := b.fail[req.Symbol]; err != nil {
		return nil, err
	}
	lev := req.Leverage
	if lev <= 0 {
		lev = 1
	}
	margin := req.Quantity * req.Price / float64(lev)
	if err := b.ledger.Reserve(ctx, b.mode, margin); err != nil {
		return nil, err
	}
	b.nextID++
	return &domain.OrderResult{
		OrderID: fmt.Sprintf("order-%d", b.nextID), Symbol: req.Symbol, Side: req.Side, Status: domain.OrderFilled,
		Mode: b.mode, FilledQty: req.Quantity, AvgPrice: req.Price, Leverage: lev, Margin: margin,
		TakeProfit: req.Price * 1.3, StopLoss: req.Price * 0.9,
	}, nil
}

func (b *fakeBroker) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (b *fakeBroker) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, symbol)
	return true, nil
}

func (b *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (b *fakeBroker) placedSymbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.placed))
	for _, r := range b.placed {
		out = append(out, r.Symbol)
	}
	return out
}

type mockNotifier struct {
	mu      sync.Mutex
	trades  int
	signals int
	err     error
}

func (m *mockNotifier) PostTrade(ctx context.Context, t *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades++
	return m.err
}

func (m *mockNotifier) PostSignal(ctx context.Context, s domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals++
	return m.err
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

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, balance float64) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.Config{
		Logger:       &mockLogger{},
		Store:        &mockCapitalStore{stored: make(map[domain.Mode]domain.Capital)},
		StartBalance: balance,
	})
	require.NoError(t, err)
	return l
}

// signal builds a valid BUY signal whose margin at entry 100 and leverage 1 is margin.
func signal(symbol string, score, margin float64) domain.Signal {
	return domain.Signal{
		Symbol: symbol, Side: domain.Buy, Entry: 100, Score: score,
		Margin: margin, Quantity: margin / 100, Leverage: 1, Strategy: "test",
	}
}
