package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/domain"
	"autotrader/internal/ledger"
	"autotrader/internal/metrics"
	"autotrader/internal/ports"
	"autotrader/internal/risk"
)

type fixture struct {
	c        *Controller
	logger   *mockLogger
	broker   *fakeBroker
	ledger   *ledger.Ledger
	gate     *risk.Gate
	signals  *mockSignals
	trades   *mockTradeStore
	settings *mockSettings
	notifier *mockNotifier
	metrics  *metrics.Metrics
	clock    *testClock
}

type fixtureOpt func(f *fixture, d *Deps)

func newFixture(t *testing.T, settings map[string]string, opts ...fixtureOpt) *fixture {
	t.Helper()
	l := newTestLedger(t, 100)
	f := &fixture{
		logger:   &mockLogger{},
		ledger:   l,
		broker:   &fakeBroker{ledger: l, mode: domain.ModeVirtual, symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}},
		gate:     risk.NewGate(risk.Limits{}),
		signals:  &mockSignals{},
		trades:   newMockTradeStore(),
		settings: newMockSettings(settings),
		notifier: &mockNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		clock:    &testClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)},
	}
	deps := Deps{
		Logger: f.logger, Broker: f.broker, Ledger: f.ledger, Gate: f.gate, Signals: f.signals,
		Trades: f.trades, Settings: f.settings, Notifier: f.notifier, Metrics: f.metrics, Clock: f.clock.Now,
		PollTick: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond, CooldownTick: 5 * time.Millisecond,
		JoinTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(f, &deps)
	}
	c, err := NewController(context.Background(), deps)
	require.NoError(t, err)
	f.c = c
	return f
}

// noPositionCap lifts the default 5% per-position margin cap.
var noPositionCap = map[string]string{KeyMaxPositionPct: "0"}

func TestNewController_MissingDependencies(t *testing.T) {
	_, err := NewController(context.Background(), Deps{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestRunCycle_GreedyAdmissionAgainstAvailableCapital(t *testing.T) {
	f := newFixture(t, noPositionCap)
	f.signals.signals = []domain.Signal{
		signal("ETHUSDT", 0.8, 60),
		signal("BTCUSDT", 0.9, 60),
	}

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Rejection)
	assert.Equal(t, 2, report.Signals)
	assert.Equal(t, 1, report.Admitted)
	assert.Equal(t, 1, report.Executed)

	assert.Equal(t, []string{"BTCUSDT"}, f.broker.placedSymbols())
	capital := f.ledger.Get(domain.ModeVirtual)
	assert.InDelta(t, 40.0, capital.Available, 1e-9)
	assert.InDelta(t, 60.0, capital.Used, 1e-9)
	assert.InDelta(t, 100.0, capital.Capital, 1e-9)

	trade, err := f.trades.GetTradeByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, trade.Status)
	assert.True(t, trade.Virtual)
	assert.InDelta(t, 0.6, trade.Quantity, 1e-12)
	assert.Equal(t, "test", trade.Strategy)
	assert.Equal(t, f.clock.Now(), trade.OpenedAt)

	st := f.c.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, f.clock.Now(), *st.LastRun)
	assert.Equal(t, 1, st.Stats.SignalsGenerated)
	assert.Equal(t, 1, st.Stats.TradesExecuted)
	assert.Equal(t, 1, f.notifier.trades)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SignalsDropped.WithLabelValues(DropCapacity)))
}

func TestRunCycle_FiltersSignals(t *testing.T) {
	f := newFixture(t, map[string]string{KeyMaxPositionPct: "20", KeyTopNSignals: "2"})
	invalid := signal("BTCUSDT", 0.99, 5)
	invalid.Side = "HOLD"
	f.signals.signals = []domain.Signal{
		invalid,
		{Symbol: "", Side: domain.Buy, Margin: 5, Quantity: 1, Score: 0.98},
		signal("DOGEUSDT", 0.97, 5), // not tradable
		signal("SOLUSDT", 0.96, 25), // above 20% of capital
		signal("ETHUSDT", 0.5, 10),
		signal("BTCUSDT", 0.7, 10),
		signal("SOLUSDT", 0.6, 10),
	}

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Admitted)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, f.broker.placedSymbols())

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.SignalsDropped.WithLabelValues(DropInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SignalsDropped.WithLabelValues(DropUntradable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SignalsDropped.WithLabelValues(DropPositionLimit)))
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name      string
		signals   []domain.Signal
		available float64
		max       int
		want      []string
	}{
		{
			name:      "skips signal that does not fit and keeps scanning",
			signals:   []domain.Signal{signal("A", 3, 70), signal("B", 2, 50), signal("C", 1, 30)},
			available: 100,
			max:       5,
			want:      []string{"A", "C"},
		},
		{
			name:      "exact fit is admitted",
			signals:   []domain.Signal{signal("A", 1, 40), signal("B", 2, 60)},
			available: 100,
			max:       5,
			want:      []string{"B", "A"},
		},
		{
			name:      "count cap",
			signals:   []domain.Signal{signal("A", 1, 1), signal("B", 2, 1), signal("C", 3, 1)},
			available: 100,
			max:       2,
			want:      []string{"C", "B"},
		},
		{
			name:      "nothing available",
			signals:   []domain.Signal{signal("A", 1, 1)},
			available: 0,
			max:       5,
			want:      nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, s := range admit(tt.signals, tt.available, tt.max) {
				got = append(got, s.Symbol)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunCycle_OrderFailureLeavesCapitalUntouched(t *testing.T) {
	f := newFixture(t, noPositionCap)
	f.broker.fail = map[string]error{"BTCUSDT": ports.ErrOrderPlacementFailed}
	f.signals.signals = []domain.Signal{signal("BTCUSDT", 0.9, 30), signal("ETHUSDT", 0.5, 30)}

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, f.trades.count())
	assert.InDelta(t, 70.0, f.ledger.Get(domain.ModeVirtual).Available, 1e-9)

	st := f.c.Status()
	assert.Equal(t, 1, st.Stats.FailedTrades)
	assert.Equal(t, 1, st.Stats.TradesExecuted)
	assert.Equal(t, 2, st.Stats.SignalsGenerated)
}

func TestRunCycle_DailyTradeLimitBlocksThirdCycle(t *testing.T) {
	f := newFixture(t, map[string]string{KeyMaxDailyTrades: "2", KeyMaxPositionPct: "0"})
	f.signals.signals = []domain.Signal{signal("BTCUSDT", 1, 10)}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		report, err := f.c.RunCycle(ctx)
		require.NoError(t, err)
		require.Nil(t, report.Rejection)
		require.Equal(t, 1, report.Executed)
		f.clock.Advance(time.Minute)
	}
	lastRun := *f.c.Status().LastRun

	report, err := f.c.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Rejection)
	assert.Equal(t, risk.ReasonMaxDailyTrades, report.Rejection.Reason)
	assert.Equal(t, 2, report.Rejection.TradesToday)
	assert.Equal(t, 2, f.signals.callCount(), "signals are not fetched after a rejection")
	assert.Equal(t, lastRun, *f.c.Status().LastRun, "last run is not advanced on rejection")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RiskRejections.WithLabelValues(risk.ReasonMaxDailyTrades)))
}

func TestRunCycle_DrawdownRejection(t *testing.T) {
	loss := -30.0
	f := newFixture(t, nil)
	f.trades = newMockTradeStore(&domain.Trade{
		ID: "old", Symbol: "BTCUSDT", Status: domain.StatusClosed, Virtual: true, PNL: &loss,
		OpenedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	f.c.deps.Trades = f.trades

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Rejection)
	assert.Equal(t, risk.ReasonMaxDrawdown, report.Rejection.Reason)
	assert.InDelta(t, 30.0, report.Rejection.MaxDrawdown, 1e-9)
	assert.Nil(t, f.c.Status().LastRun)
}

func TestRunCycle_SignalSourceErrorIsReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.signals.fn = func(int) ([]domain.Signal, error) { return nil, ports.ErrConnectionFailed }

	_, err := f.c.RunCycle(context.Background())
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.Nil(t, f.c.Status().LastRun)
}

func TestRunCycle_PersistsStats(t *testing.T) {
	win, lose := 12.5, -2.5
	f := newFixture(t, noPositionCap)
	f.trades = newMockTradeStore(
		&domain.Trade{ID: "w", Status: domain.StatusClosed, Virtual: true, PNL: &win, OpenedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		&domain.Trade{ID: "l", Status: domain.StatusClosed, Virtual: true, PNL: &lose, OpenedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		&domain.Trade{ID: "r", Status: domain.StatusClosed, Virtual: false, PNL: &win, OpenedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
	)
	f.c.deps.Trades = f.trades

	_, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	raw, ok := f.settings.get(KeyStats)
	require.True(t, ok)
	var stats domain.AutomationStats
	require.NoError(t, json.Unmarshal([]byte(raw), &stats))
	assert.Equal(t, 1, stats.SuccessfulTrades)
	assert.InDelta(t, 10.0, stats.TotalPNL, 1e-9)
	require.NotNil(t, stats.LastUpdate)

	// a new controller picks the stats up again
	c2, err := NewController(context.Background(), f.c.deps)
	require.NoError(t, err)
	assert.Equal(t, stats.SuccessfulTrades, c2.Status().Stats.SuccessfulTrades)
	assert.InDelta(t, stats.TotalPNL, c2.Status().Stats.TotalPNL, 1e-9)
}

func TestController_StartStop(t *testing.T) {
	f := newFixture(t, nil)

	assert.False(t, f.c.Stop(), "stop before start")
	require.True(t, f.c.Start())
	assert.False(t, f.c.Start(), "already running")
	assert.True(t, f.c.IsRunning())
	assert.NotNil(t, f.c.Status().NextRun)

	require.Eventually(t, func() bool { return f.signals.callCount() >= 1 }, time.Second, time.Millisecond)
	assert.True(t, f.c.Stop())
	assert.False(t, f.c.IsRunning())
	assert.Nil(t, f.c.Status().NextRun)
}

func TestController_StopDuringCooldown(t *testing.T) {
	loss := -50.0
	evaluated := make(chan struct{})
	var once sync.Once
	f := newFixture(t, nil, func(f *fixture, d *Deps) {
		f.trades = newMockTradeStore(&domain.Trade{ID: "old", Status: domain.StatusClosed, Virtual: true, PNL: &loss})
		f.trades.onGet = func() { once.Do(func() { close(evaluated) }) }
		d.Trades = f.trades
		d.CooldownTick = time.Minute
	})

	require.True(t, f.c.Start())
	select {
	case <-evaluated:
	case <-time.After(time.Second):
		t.Fatal("cycle did not run")
	}
	time.Sleep(10 * time.Millisecond)

	started := time.Now()
	assert.True(t, f.c.Stop())
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Zero(t, f.signals.callCount())
	assert.Nil(t, f.c.Status().LastRun)
}

func TestController_RecoversFromPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.signals.fn = func(call int) ([]domain.Signal, error) {
		if call == 1 {
			panic("boom")
		}
		return nil, nil
	}

	require.True(t, f.c.Start())
	require.Eventually(t, func() bool { return f.signals.callCount() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, f.c.Stop())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CyclesTotal.WithLabelValues(metrics.ResultPanic)))
	assert.Contains(t, f.logger.errors(), "Recovered from panic in automation cycle")
}

func TestController_StopJoinTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, nil, func(f *fixture, d *Deps) { d.JoinTimeout = 20 * time.Millisecond })
	f.signals.fn = func(int) ([]domain.Signal, error) {
		close(entered)
		<-release
		return nil, nil
	}

	require.True(t, f.c.Start())
	<-entered
	assert.False(t, f.c.Stop(), "worker is still inside the cycle")
	assert.False(t, f.c.IsRunning(), "flag is cleared regardless")

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.c.Wait(short), context.DeadlineExceeded)

	close(release)
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	assert.NoError(t, f.c.Wait(ctx), "worker exits once the cycle finishes")
}

func TestController_WaitWithoutWorker(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.c.Wait(context.Background()))
}

func TestController_ScanNow(t *testing.T) {
	f := newFixture(t, noPositionCap)
	f.signals.signals = []domain.Signal{signal("BTCUSDT", 1, 10)}

	report, err := f.c.ScanNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)

	f.c.cycleMu.Lock()
	_, err = f.c.ScanNow(context.Background())
	f.c.cycleMu.Unlock()
	assert.ErrorIs(t, err, ports.ErrCycleInProgress)
}

func TestController_UpdateSettings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.c.UpdateSettings(ctx, map[string]string{KeyScanInterval: "600", KeyMaxDrawdown: "35"})
	require.NoError(t, err)
	st := f.c.Status()
	assert.Equal(t, 10*time.Minute, st.Settings.ScanInterval)
	assert.Equal(t, 35.0, st.Settings.MaxDrawdownPct)
	assert.Equal(t, 35.0, f.gate.Limits().MaxDrawdownPct)
	v, _ := f.settings.get(KeyScanInterval)
	assert.Equal(t, "600", v)

	tests := []map[string]string{
		{KeyScanInterval: "-5"},
		{KeyTopNSignals: "many"},
		{KeyMaxDrawdown: "150"},
		{"UNKNOWN_KEY": "1"},
		{KeyMaxDailyTrades: "10", KeyMaxPositionPct: "-1"},
	}
	for _, values := range tests {
		err := f.c.UpdateSettings(ctx, values)
		assert.ErrorIs(t, err, ports.ErrInvalidRequest, values)
	}
	_, written := f.settings.get(KeyMaxDailyTrades)
	assert.False(t, written, "nothing is written when one value is invalid")

	f.settings.setErr = errors.New("disk full")
	assert.Error(t, f.c.UpdateSettings(ctx, map[string]string{KeyTopNSignals: "3"}))
}

func TestLoadSettings_FallsBackToDefaults(t *testing.T) {
	store := newMockSettings(map[string]string{
		KeyScanInterval:   "abc",
		KeyTopNSignals:    "7",
		KeyMaxDrawdown:    "0",
		KeyMaxDailyTrades: "",
	})

	s, warnings := LoadSettings(context.Background(), store)
	def := DefaultSettings()
	assert.Equal(t, time.Hour, def.ScanInterval)
	assert.Equal(t, def.ScanInterval, s.ScanInterval)
	assert.Equal(t, 7, s.MaxSignals)
	assert.Equal(t, def.MaxDrawdownPct, s.MaxDrawdownPct)
	assert.Equal(t, 50, s.MaxDailyTrades)
	assert.Equal(t, 5.0, s.MaxPositionPct)
	assert.Len(t, warnings, 2)

	enc := EncodeSettings(s)
	assert.Equal(t, "3600", enc[KeyScanInterval])
	assert.Equal(t, "7", enc[KeyTopNSignals])
}

func TestController_ClosePosition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pnl := 1.0
	require.NoError(t, f.trades.AddTrade(ctx, &domain.Trade{ID: "open", Symbol: "ETHUSDT", Status: domain.StatusOpen, Virtual: true}))
	require.NoError(t, f.trades.AddTrade(ctx, &domain.Trade{ID: "done", Symbol: "ETHUSDT", Status: domain.StatusClosed, Virtual: true, PNL: &pnl}))
	require.NoError(t, f.trades.AddTrade(ctx, &domain.Trade{ID: "real", Symbol: "BTCUSDT", Status: domain.StatusOpen}))

	closed, err := f.c.ClosePosition(ctx, "open")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, []string{"ETHUSDT"}, f.broker.closed)

	_, err = f.c.ClosePosition(ctx, "done")
	assert.ErrorIs(t, err, ports.ErrAlreadyClosed)

	_, err = f.c.ClosePosition(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	_, err = f.c.ClosePosition(ctx, "real")
	assert.ErrorIs(t, err, ports.ErrUnsupportedMode)
	assert.Len(t, f.broker.closed, 1)
}

func TestController_Summary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pnl := 5.0
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.trades.AddTrade(ctx, &domain.Trade{ID: "a", Status: domain.StatusClosed, Virtual: true, PNL: &pnl, OpenedAt: at, ClosedAt: &at}))

	s, err := f.c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 105.0, s.FinalBalance)
}
