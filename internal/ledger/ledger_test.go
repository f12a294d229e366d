package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockCapitalStore struct {
	mu      sync.Mutex
	stored  map[domain.Mode]domain.Capital
	saves   int
	saveErr error
	loadErr error
}

func newMockCapitalStore() *mockCapitalStore {
	return &mockCapitalStore{stored: make(map[domain.Mode]domain.Capital)}
}

func (m *mockCapitalStore) LoadCapital(ctx context.Context, mode domain.Mode) (*domain.Capital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	c, ok := m.stored[mode]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockCapitalStore) SaveCapital(ctx context.Context, c domain.Capital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.stored[c.Mode] = c
	return nil
}

type mockWallet struct {
	equity, available float64
	err               error
}

func (m *mockWallet) GetWallet(ctx context.Context, asset string) (float64, float64, error) {
	return m.equity, m.available, m.err
}

func newTestLedger(t *testing.T, store *mockCapitalStore, wallet ports.WalletSource) *Ledger {
	t.Helper()
	l, err := New(context.Background(), Config{
		Logger: &mockLogger{},
		Store:  store,
		Wallet: wallet,
		Clock:  func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return l
}

func assertInvariant(t *testing.T, c domain.Capital) {
	t.Helper()
	assert.InDelta(t, c.Capital, c.Available+c.Used, domain.CapitalEpsilon)
	assert.GreaterOrEqual(t, c.Available, 0.0)
}

func TestNew_SeedsVirtualCapital(t *testing.T) {
	store := newMockCapitalStore()
	l := newTestLedger(t, store, nil)

	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 100.0, c.Capital)
	assert.Equal(t, 100.0, c.Available)
	assert.Equal(t, 0.0, c.Used)
	assert.Equal(t, 100.0, c.StartBalance)
	assert.Equal(t, "USDT", c.Currency)
	assert.Equal(t, 1, store.saves)
}

func TestNew_LoadsStoredCapital(t *testing.T) {
	store := newMockCapitalStore()
	store.stored[domain.ModeVirtual] = domain.Capital{Mode: domain.ModeVirtual, Capital: 150, Available: 120, Used: 30, StartBalance: 100, Currency: "USDT"}
	l := newTestLedger(t, store, nil)

	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 120.0, c.Available)
	assert.Equal(t, 30.0, c.Used)
	assert.Equal(t, 0, store.saves)
}

func TestNew_RejectsCorruptedCapital(t *testing.T) {
	store := newMockCapitalStore()
	store.stored[domain.ModeVirtual] = domain.Capital{Mode: domain.ModeVirtual, Capital: 150, Available: 100, Used: 30}
	_, err := New(context.Background(), Config{Logger: &mockLogger{}, Store: store})
	assert.ErrorIs(t, err, ports.ErrLedgerCorrupted)
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(context.Background(), Config{Store: newMockCapitalStore()})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestReserveRelease_RoundTripIsExact(t *testing.T) {
	amounts := []float64{20, 0.1, 33.333333, 0.3, 99.99, 1e-5}
	for _, amount := range amounts {
		store := newMockCapitalStore()
		l := newTestLedger(t, store, nil)
		before := l.Get(domain.ModeVirtual).Available

		require.NoError(t, l.Reserve(context.Background(), domain.ModeVirtual, amount))
		require.NoError(t, l.Release(context.Background(), domain.ModeVirtual, amount, 0))

		after := l.Get(domain.ModeVirtual)
		assert.Equal(t, before, after.Available, "amount %v", amount)
		assert.Equal(t, 0.0, after.Used, "amount %v", amount)
		assert.Equal(t, 100.0, after.Capital, "amount %v", amount)
	}
}

func TestReserveRelease_ProfitScenario(t *testing.T) {
	store := newMockCapitalStore()
	l := newTestLedger(t, store, nil)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, domain.ModeVirtual, 20))
	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 80.0, c.Available)
	assert.Equal(t, 20.0, c.Used)
	assertInvariant(t, c)

	require.NoError(t, l.Release(ctx, domain.ModeVirtual, 20, 5))
	c = l.Get(domain.ModeVirtual)
	assert.Equal(t, 105.0, c.Available)
	assert.Equal(t, 0.0, c.Used)
	assert.Equal(t, 105.0, c.Capital)

	// persisted state matches memory
	assert.Equal(t, c.Available, store.stored[domain.ModeVirtual].Available)
}

func TestReserve_Errors(t *testing.T) {
	tests := []struct {
		name    string
		amount  float64
		wantErr error
	}{
		{"exceeds available", 100.01, ports.ErrInsufficientFunds},
		{"zero", 0, ports.ErrInvalidRequest},
		{"negative", -5, ports.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, newMockCapitalStore(), nil)
			err := l.Reserve(context.Background(), domain.ModeVirtual, tt.amount)
			assert.ErrorIs(t, err, tt.wantErr)
			c := l.Get(domain.ModeVirtual)
			assert.Equal(t, 100.0, c.Available)
			assert.Equal(t, 0.0, c.Used)
		})
	}
}

func TestReserve_WholeBalance(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	require.NoError(t, l.Reserve(context.Background(), domain.ModeVirtual, 100))
	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 0.0, c.Available)
	assert.Equal(t, 100.0, c.Used)
}

func TestCommit_PersistFailureRollsBack(t *testing.T) {
	store := newMockCapitalStore()
	l := newTestLedger(t, store, nil)
	store.saveErr = errors.New("disk full")

	err := l.Reserve(context.Background(), domain.ModeVirtual, 20)
	require.Error(t, err)

	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 100.0, c.Available)
	assert.Equal(t, 0.0, c.Used)
}

func TestRelease_LossBeyondAvailableClamps(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, domain.ModeVirtual, 60))
	require.NoError(t, l.Reserve(ctx, domain.ModeVirtual, 30))
	require.NoError(t, l.Release(ctx, domain.ModeVirtual, 60, -90))

	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 0.0, c.Available)
	assert.Equal(t, 30.0, c.Used)
	assertInvariant(t, c)
}

func TestRelease_Loss(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, domain.ModeVirtual, 20))
	require.NoError(t, l.Release(ctx, domain.ModeVirtual, 20, -4))

	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 96.0, c.Available)
	assert.Equal(t, 0.0, c.Used)
	assert.Equal(t, 96.0, c.Capital)
}

func TestInvariant_HoldsUnderRandomOperations(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	var open []float64

	for i := 0; i < 500; i++ {
		if len(open) == 0 || rng.Intn(2) == 0 {
			amount := float64(rng.Intn(2000)+1) / 100
			if err := l.Reserve(ctx, domain.ModeVirtual, amount); err == nil {
				open = append(open, amount)
			} else {
				assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
			}
		} else {
			idx := rng.Intn(len(open))
			margin := open[idx]
			open = append(open[:idx], open[idx+1:]...)
			pnl := float64(rng.Intn(1000)-500) / 100
			require.NoError(t, l.Release(ctx, domain.ModeVirtual, margin, pnl))
		}
		assertInvariant(t, l.Get(domain.ModeVirtual))
	}
}

func TestRefresh(t *testing.T) {
	wallet := &mockWallet{equity: 250, available: 200}
	l := newTestLedger(t, newMockCapitalStore(), wallet)

	require.NoError(t, l.Refresh(context.Background()))
	c := l.Get(domain.ModeReal)
	assert.Equal(t, 250.0, c.Capital)
	assert.Equal(t, 200.0, c.Available)
	assert.Equal(t, 50.0, c.Used)
	assert.Equal(t, 250.0, c.StartBalance)

	wallet.equity, wallet.available = 240, 240
	require.NoError(t, l.Refresh(context.Background()))
	c = l.Get(domain.ModeReal)
	assert.Equal(t, 240.0, c.Capital)
	assert.Equal(t, 0.0, c.Used)
	assert.Equal(t, 250.0, c.StartBalance)
}

func TestRefresh_Errors(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	assert.ErrorIs(t, l.Refresh(context.Background()), ports.ErrUnsupportedMode)

	wallet := &mockWallet{err: ports.ErrConnectionFailed}
	l = newTestLedger(t, newMockCapitalStore(), wallet)
	assert.ErrorIs(t, l.Refresh(context.Background()), ports.ErrConnectionFailed)
	assert.Equal(t, 0.0, l.Get(domain.ModeReal).Capital)
}

func TestReserve_RealModeIsNotPersisted(t *testing.T) {
	store := newMockCapitalStore()
	l := newTestLedger(t, store, &mockWallet{equity: 100, available: 100})
	require.NoError(t, l.Refresh(context.Background()))
	saves := store.saves

	require.NoError(t, l.Reserve(context.Background(), domain.ModeReal, 10))
	assert.Equal(t, saves, store.saves)
	assert.Equal(t, 90.0, l.Get(domain.ModeReal).Available)
}

func TestReset(t *testing.T) {
	l := newTestLedger(t, newMockCapitalStore(), nil)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, domain.ModeVirtual, 10))
	assert.ErrorIs(t, l.Reset(ctx, 500), ports.ErrInvalidRequest)

	require.NoError(t, l.Release(ctx, domain.ModeVirtual, 10, 0))
	require.NoError(t, l.Reset(ctx, 500))
	c := l.Get(domain.ModeVirtual)
	assert.Equal(t, 500.0, c.Capital)
	assert.Equal(t, 500.0, c.Available)
	assert.Equal(t, 500.0, c.StartBalance)

	assert.ErrorIs(t, l.Reset(ctx, 0), ports.ErrInvalidRequest)
}
