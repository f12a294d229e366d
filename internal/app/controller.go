package app

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"autotrader/internal/analytics"
	"autotrader/internal/domain"
	"autotrader/internal/metrics"
	"autotrader/internal/ports"
	"autotrader/internal/risk"
)

const (
	DefaultPollTick     = 30 * time.Second
	DefaultErrorBackoff = 90 * time.Second
	DefaultCooldownTick = 60 * time.Second
	DefaultJoinTimeout  = 10 * time.Second
)

// Reasons a signal is dropped before admission.
const (
	DropInvalid       = "invalid"
	DropUntradable    = "untradable"
	DropPositionLimit = "position_limit"
	DropCapacity      = "capacity"
)

// Deps holds the collaborators and timings of the controller.
type Deps struct {
	Logger   ports.Logger
	Broker   ports.Broker
	Ledger   ports.Ledger
	Gate     *risk.Gate
	Signals  ports.SignalSource
	Trades   ports.TradeStore
	Settings ports.SettingsStore
	Notifier ports.Notifier   // Optional
	Metrics  *metrics.Metrics // Optional
	Clock    func() time.Time

	PollTick     time.Duration
	ErrorBackoff time.Duration
	CooldownTick time.Duration
	JoinTimeout  time.Duration
}

// Status is a snapshot of the controller for status displays.
type Status struct {
	Running  bool                   `json:"running"`
	Mode     domain.Mode            `json:"mode"`
	Settings Settings               `json:"settings"`
	LastRun  *time.Time             `json:"last_run,omitempty"`
	NextRun  *time.Time             `json:"next_run,omitempty"`
	Stats    domain.AutomationStats `json:"stats"`
	Capital  domain.Capital         `json:"capital"`
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	Rejection *risk.Decision // Set when the risk gate blocked the cycle
	Signals   int            // Signals returned by the source
	Admitted  int
	Executed  int
	Failed    int
}

// Controller owns the background automation loop. Exactly one loop runs per
// controller; status, settings and start/stop calls are safe from any goroutine.
type Controller struct {
	deps     Deps
	validate *validator.Validate

	cycleMu sync.Mutex // Held for the duration of a cycle

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	settings Settings
	lastRun  time.Time
	stats    domain.AutomationStats
}

// NewController creates the controller and loads settings and stats from the
// settings store.
func NewController(ctx context.Context, deps Deps) (*Controller, error) {
	if deps.Logger == nil || deps.Broker == nil || deps.Ledger == nil || deps.Gate == nil ||
		deps.Signals == nil || deps.Trades == nil || deps.Settings == nil {
		return nil, fmt.Errorf("missing required dependencies for Controller")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.PollTick <= 0 {
		deps.PollTick = DefaultPollTick
	}
	if deps.ErrorBackoff <= 0 {
		deps.ErrorBackoff = DefaultErrorBackoff
	}
	if deps.CooldownTick <= 0 {
		deps.CooldownTick = DefaultCooldownTick
	}
	if deps.JoinTimeout <= 0 {
		deps.JoinTimeout = DefaultJoinTimeout
	}

	c := &Controller{deps: deps, validate: validator.New()}
	c.reloadSettings(ctx)

	raw, ok, err := deps.Settings.GetSetting(ctx, KeyStats)
	switch {
	case err != nil:
		deps.Logger.Warn(ctx, "NewController: failed to read automation stats, starting from zero", map[string]interface{}{"error": err.Error()})
	case ok && raw != "":
		if err := json.Unmarshal([]byte(raw), &c.stats); err != nil {
			deps.Logger.Warn(ctx, "NewController: stored automation stats are malformed, starting from zero", map[string]interface{}{"error": err.Error()})
			c.stats = domain.AutomationStats{}
		}
	}
	return c, nil
}

func (c *Controller) reloadSettings(ctx context.Context) Settings {
	s, warnings := LoadSettings(ctx, c.deps.Settings)
	for _, w := range warnings {
		c.deps.Logger.Warn(ctx, "Settings: "+w)
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.deps.Gate.SetLimits(s.Limits())
	return s
}

// Start launches the background loop. It returns false if it is already running.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop(c.stopCh, c.doneCh)
	c.deps.Logger.Info(context.Background(), "Automation started", map[string]interface{}{"mode": c.deps.Broker.Mode(), "scanInterval": c.settings.ScanInterval.String()})
	return true
}

// Stop signals the loop and waits up to the join timeout for it to exit. The
// running flag is cleared either way; false means the worker did not exit in time.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	ctx := context.Background()
	t := time.NewTimer(c.deps.JoinTimeout)
	defer t.Stop()
	select {
	case <-done:
		c.deps.Logger.Info(ctx, "Automation stopped")
		return true
	case <-t.C:
		c.deps.Logger.Warn(ctx, "Automation worker did not exit within join timeout", map[string]interface{}{"timeout": c.deps.JoinTimeout.String()})
		return false
	}
}

// Wait blocks until the most recently started worker has exited or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	mode := c.deps.Broker.Mode()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:  c.running,
		Mode:     mode,
		Settings: c.settings,
		Stats:    c.stats,
		Capital:  c.deps.Ledger.Get(mode),
	}
	if !c.lastRun.IsZero() {
		last := c.lastRun
		st.LastRun = &last
	}
	if c.running {
		next := c.deps.Clock()
		if !c.lastRun.IsZero() {
			next = c.lastRun.Add(c.settings.ScanInterval)
		}
		st.NextRun = &next
	}
	return st
}

// UpdateSettings validates and persists values, then reloads the settings.
// Nothing is written if any key or value is invalid.
func (c *Controller) UpdateSettings(ctx context.Context, values map[string]string) error {
	op := "UpdateSettings"
	check := DefaultSettings()
	for key, value := range values {
		if err := check.apply(key, value); err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := c.deps.Settings.SetSetting(ctx, key, values[key]); err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
	}
	s := c.reloadSettings(ctx)
	c.deps.Logger.Info(ctx, op+" successful", map[string]interface{}{"keys": keys, "scanInterval": s.ScanInterval.String(), "maxSignals": s.MaxSignals})
	return nil
}

// ScanNow runs one cycle synchronously. It is refused while another cycle runs.
// A risk rejection is reported in the report, without the cooldown wait.
func (c *Controller) ScanNow(ctx context.Context) (CycleReport, error) {
	if !c.cycleMu.TryLock() {
		return CycleReport{}, fmt.Errorf("ScanNow failed: %w", ports.ErrCycleInProgress)
	}
	defer c.cycleMu.Unlock()
	return c.safeCycle(ctx)
}

// ClosePosition closes the position behind a trade record on demand.
func (c *Controller) ClosePosition(ctx context.Context, tradeID string) (bool, error) {
	op := "ClosePosition"
	trade, err := c.deps.Trades.GetTradeByID(ctx, tradeID)
	if err != nil {
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	if !trade.IsOpen() {
		return false, fmt.Errorf("%s failed: trade %s: %w", op, tradeID, ports.ErrAlreadyClosed)
	}
	if mode := c.deps.Broker.Mode(); trade.Mode() != mode {
		return false, fmt.Errorf("%s failed: %w: trade %s is %s, broker is %s", op, ports.ErrUnsupportedMode, tradeID, trade.Mode(), mode)
	}
	closed, err := c.deps.Broker.ClosePosition(ctx, trade.Symbol)
	if err != nil {
		c.deps.Logger.Warn(ctx, op+": broker reported an error", map[string]interface{}{"tradeID": tradeID, "symbol": trade.Symbol, "closed": closed, "error": err.Error()})
		return closed, fmt.Errorf("%s failed: %w", op, err)
	}
	c.deps.Logger.Info(ctx, op+" successful", map[string]interface{}{"tradeID": tradeID, "symbol": trade.Symbol, "closed": closed})
	return closed, nil
}

func (c *Controller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if c.due() {
			c.cycleMu.Lock()
			report, err := c.safeCycle(ctx)
			c.cycleMu.Unlock()
			switch {
			case err != nil:
				c.deps.Logger.Error(ctx, err, "Automation cycle failed, backing off", map[string]interface{}{"backoff": c.deps.ErrorBackoff.String()})
				if !c.wait(stop, c.deps.ErrorBackoff) {
					return
				}
				continue
			case report.Rejection != nil:
				if !c.cooldown(ctx, stop) {
					return
				}
				continue
			}
		}

		if !c.wait(stop, c.deps.PollTick) {
			return
		}
	}
}

func (c *Controller) due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun.IsZero() || c.deps.Clock().Sub(c.lastRun) >= c.settings.ScanInterval
}

// wait sleeps for d. It returns false if stop closed first.
func (c *Controller) wait(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// cooldown pauses trading for one scan interval after a risk rejection,
// checking for stop every cooldown tick.
func (c *Controller) cooldown(ctx context.Context, stop <-chan struct{}) bool {
	c.mu.Lock()
	remaining := c.settings.ScanInterval
	c.mu.Unlock()
	c.deps.Logger.Info(ctx, "Risk limits breached, cooling down", map[string]interface{}{"duration": remaining.String()})
	for remaining > 0 {
		step := c.deps.CooldownTick
		if step > remaining {
			step = remaining
		}
		if !c.wait(stop, step) {
			return false
		}
		remaining -= step
	}
	return true
}

// safeCycle runs a cycle and turns a panic into an error.
func (c *Controller) safeCycle(ctx context.Context) (report CycleReport, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: cycle panicked: %v", ports.ErrUnknown, r)
			c.deps.Logger.Error(ctx, err, "Recovered from panic in automation cycle", map[string]interface{}{"stack": string(debug.Stack())})
			c.deps.Metrics.ObserveCycle(metrics.ResultPanic, time.Since(start))
		}
	}()
	return c.RunCycle(ctx)
}

// RunCycle evaluates risk, admits signals and places their orders. A risk
// rejection is not an error and leaves the last-run time untouched.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	op := "RunCycle"
	started := time.Now()
	var report CycleReport
	now := c.deps.Clock()
	mode := c.deps.Broker.Mode()

	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()

	if mode == domain.ModeReal {
		if err := c.deps.Ledger.Refresh(ctx); err != nil {
			c.deps.Logger.Warn(ctx, op+": failed to refresh real capital, using cached value", map[string]interface{}{"error": err.Error()})
		}
	}
	capital := c.deps.Ledger.Get(mode)

	virtual := mode == domain.ModeVirtual
	history, err := c.deps.Trades.GetTrades(ctx, ports.TradeFilter{Virtual: &virtual})
	if err != nil {
		c.deps.Metrics.ObserveCycle(metrics.ResultFailed, time.Since(started))
		return report, fmt.Errorf("%s failed: loading trade history: %w", op, err)
	}

	decision := c.deps.Gate.Evaluate(history, capital, now)
	if !decision.Allowed {
		report.Rejection = &decision
		c.deps.Metrics.RiskRejected(decision.Reason)
		c.deps.Metrics.ObserveCycle(metrics.ResultRejected, time.Since(started))
		c.deps.Logger.Warn(ctx, op+": rejected by risk gate", map[string]interface{}{
			"reason": decision.Reason, "detail": decision.Detail, "maxDrawdown": decision.MaxDrawdown, "tradesToday": decision.TradesToday,
		})
		return report, nil
	}

	signals, err := c.deps.Signals.GetSignals(ctx)
	if err != nil {
		c.deps.Metrics.ObserveCycle(metrics.ResultFailed, time.Since(started))
		return report, fmt.Errorf("%s failed: fetching signals: %w", op, err)
	}
	report.Signals = len(signals)
	symbols, err := c.deps.Broker.GetTradableSymbols(ctx)
	if err != nil {
		c.deps.Metrics.ObserveCycle(metrics.ResultFailed, time.Since(started))
		return report, fmt.Errorf("%s failed: fetching tradable symbols: %w", op, err)
	}

	candidates := c.filterSignals(ctx, signals, symbols, capital)
	admitted := admit(candidates, capital.Available, settings.MaxSignals)
	for i := len(admitted); i < len(candidates); i++ {
		c.deps.Metrics.SignalDropped(DropCapacity)
	}
	report.Admitted = len(admitted)
	c.deps.Metrics.SignalAdmitted(len(admitted))

	for _, sig := range admitted {
		if c.execute(ctx, sig, mode, now) {
			report.Executed++
		} else {
			report.Failed++
		}
	}

	c.finishCycle(ctx, report, now)
	c.deps.Metrics.ObserveCycle(metrics.ResultOK, time.Since(started))
	c.deps.Logger.Info(ctx, op+" completed", map[string]interface{}{
		"mode": mode, "signals": report.Signals, "admitted": report.Admitted, "executed": report.Executed, "failed": report.Failed,
	})
	return report, nil
}

// filterSignals drops malformed and untradable signals and those above the
// per-position margin cap.
func (c *Controller) filterSignals(ctx context.Context, signals []domain.Signal, symbols []string, capital domain.Capital) []domain.Signal {
	tradable := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		tradable[s] = struct{}{}
	}
	out := make([]domain.Signal, 0, len(signals))
	for _, sig := range signals {
		if err := c.validate.Struct(sig); err != nil {
			c.deps.Metrics.SignalDropped(DropInvalid)
			c.deps.Logger.Debug(ctx, "Dropping malformed signal", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
			continue
		}
		if _, ok := tradable[sig.Symbol]; !ok {
			c.deps.Metrics.SignalDropped(DropUntradable)
			c.deps.Logger.Debug(ctx, "Dropping signal for untradable symbol", map[string]interface{}{"symbol": sig.Symbol})
			continue
		}
		if !c.deps.Gate.WithinPositionLimit(sig.Margin, capital.Capital) {
			c.deps.Metrics.SignalDropped(DropPositionLimit)
			c.deps.Logger.Debug(ctx, "Dropping signal above position limit", map[string]interface{}{"symbol": sig.Symbol, "margin": sig.Margin})
			continue
		}
		out = append(out, sig)
	}
	return out
}

// admit takes signals by descending score while their summed margin fits in
// available and fewer than maxSignals are taken.
func admit(signals []domain.Signal, available float64, maxSignals int) []domain.Signal {
	sorted := make([]domain.Signal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var admitted []domain.Signal
	reserved := 0.0
	for _, sig := range sorted {
		if len(admitted) >= maxSignals {
			break
		}
		if reserved+sig.Margin > available+domain.CapitalEpsilon {
			continue
		}
		reserved += sig.Margin
		admitted = append(admitted, sig)
	}
	return admitted
}

// execute places the order of one admitted signal and records the open trade.
// The broker reserves the margin; nothing is reserved here.
func (c *Controller) execute(ctx context.Context, sig domain.Signal, mode domain.Mode, now time.Time) bool {
	op := "execute"
	c.notifySignal(ctx, sig)

	res, err := c.deps.Broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Price:      sig.Entry,
		Type:       domain.OrderTypeMarket,
		Leverage:   sig.Leverage,
		TakeProfit: sig.TakeProfit,
		StopLoss:   sig.StopLoss,
	})
	if err != nil {
		c.deps.Logger.Warn(ctx, op+": order failed, skipping signal", map[string]interface{}{"symbol": sig.Symbol, "side": sig.Side, "error": err.Error()})
		return false
	}

	trade := &domain.Trade{
		ID:         res.OrderID,
		Symbol:     res.Symbol,
		Side:       res.Side,
		Quantity:   res.FilledQty,
		EntryPrice: res.AvgPrice,
		StopLoss:   res.StopLoss,
		TakeProfit: res.TakeProfit,
		Leverage:   res.Leverage,
		Margin:     res.Margin,
		Status:     domain.StatusOpen,
		Virtual:    mode == domain.ModeVirtual,
		Strategy:   sig.Strategy,
		OpenedAt:   now,
	}
	if err := c.deps.Trades.AddTrade(ctx, trade); err != nil {
		c.deps.Logger.Error(ctx, err, op+": order placed but trade record not saved", map[string]interface{}{"orderID": res.OrderID, "symbol": res.Symbol})
	}
	if c.deps.Notifier != nil {
		if err := c.deps.Notifier.PostTrade(ctx, trade); err != nil {
			c.deps.Logger.Warn(ctx, op+": trade notification failed", map[string]interface{}{"orderID": res.OrderID, "error": err.Error()})
		}
	}
	return true
}

func (c *Controller) notifySignal(ctx context.Context, sig domain.Signal) {
	if c.deps.Notifier == nil {
		return
	}
	if err := c.deps.Notifier.PostSignal(ctx, sig); err != nil {
		c.deps.Logger.Warn(ctx, "signal notification failed", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
	}
}

// finishCycle folds the cycle into the run statistics, persists them and
// advances the last-run time.
func (c *Controller) finishCycle(ctx context.Context, report CycleReport, now time.Time) {
	virtual := c.deps.Broker.Mode() == domain.ModeVirtual
	var summary *analytics.Summary
	closed, err := c.deps.Trades.GetTrades(ctx, ports.TradeFilter{Status: domain.StatusClosed, Virtual: &virtual})
	if err != nil {
		c.deps.Logger.Warn(ctx, "finishCycle: failed to load closed trades, keeping previous totals", map[string]interface{}{"error": err.Error()})
	} else {
		s := analytics.Summarize(closed, 0)
		summary = &s
	}

	c.mu.Lock()
	c.stats.SignalsGenerated += report.Admitted
	c.stats.TradesExecuted += report.Executed
	c.stats.FailedTrades += report.Failed
	if summary != nil {
		c.stats.SuccessfulTrades = summary.WinningTrades
		c.stats.TotalPNL = summary.TotalPNL
	}
	updated := now
	c.stats.LastUpdate = &updated
	c.lastRun = now
	stats := c.stats
	c.mu.Unlock()

	raw, err := json.Marshal(stats)
	if err == nil {
		err = c.deps.Settings.SetSetting(ctx, KeyStats, string(raw))
	}
	if err != nil {
		c.deps.Logger.Warn(ctx, "finishCycle: failed to persist automation stats", map[string]interface{}{"error": err.Error()})
	}
}

// IsRunning reports whether the background loop is active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Summary returns the performance of the closed trades of the active mode.
func (c *Controller) Summary(ctx context.Context) (analytics.Summary, error) {
	mode := c.deps.Broker.Mode()
	virtual := mode == domain.ModeVirtual
	trades, err := c.deps.Trades.GetTrades(ctx, ports.TradeFilter{Status: domain.StatusClosed, Virtual: &virtual})
	if err != nil {
		return analytics.Summary{}, fmt.Errorf("Summary failed: %w", err)
	}
	return analytics.Summarize(trades, c.deps.Ledger.Get(mode).StartBalance), nil
}
