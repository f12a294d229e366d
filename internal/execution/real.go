package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/metrics"
	"autotrader/internal/ports"
	"autotrader/internal/retry"
)

const (
	DefaultSettleDelay       = time.Second
	defaultPricePrecision    = 2
	defaultQuantityPrecision = 3
)

// RealConfig holds the collaborators of the exchange-backed broker.
type RealConfig struct {
	Logger          ports.Logger
	Client          ports.ExchangeClient
	Ledger          ports.Ledger
	Trades          ports.TradeStore
	QuoteAsset      string
	DefaultLeverage int
	Bracket         BracketConfig
	Retry           retry.Policy
	SettleDelay     time.Duration // Wait between submitting an order and polling it; DefaultSettleDelay when 0
	Metrics         *metrics.Metrics
}

// Real places orders on the exchange. The exchange is the source of truth
// for fills and positions; the ledger is refreshed from the wallet after closes.
type Real struct {
	cfg      RealConfig
	brackets *bracketRegistry

	mu      sync.RWMutex
	symbols map[string]ports.SymbolInfo
}

var _ ports.Broker = (*Real)(nil)

// NewReal creates the real broker.
func NewReal(cfg RealConfig) (*Real, error) {
	if cfg.Logger == nil || cfg.Client == nil || cfg.Ledger == nil || cfg.Trades == nil {
		return nil, fmt.Errorf("missing required dependencies for real broker")
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Retry.Min == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.Bracket = cfg.Bracket.withDefaults()
	return &Real{cfg: cfg, brackets: newBracketRegistry(), symbols: make(map[string]ports.SymbolInfo)}, nil
}

func (r *Real) Mode() domain.Mode { return domain.ModeReal }

func (r *Real) GetTradableSymbols(ctx context.Context) ([]string, error) {
	op := "GetTradableSymbols"
	infos, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) ([]ports.SymbolInfo, error) {
		return r.cfg.Client.GetSymbols(ctx, r.cfg.QuoteAsset)
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		r.symbols[info.Symbol] = info
		out = append(out, info.Symbol)
	}
	return out, nil
}

func (r *Real) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (float64, error) {
		return r.cfg.Client.GetCurrentPrice(ctx, symbol)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ports.ErrPriceUnavailable, symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ports.ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// PlaceOrder submits a market entry, waits for it to settle and attaches the
// bracket if the exchange accepted it. The entry is sent at most once; see
// submitMarket.
func (r *Real) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	op := "PlaceOrder"
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = r.cfg.DefaultLeverage
	}

	if err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		return r.cfg.Client.SetLeverage(ctx, req.Symbol, leverage)
	}); err != nil {
		r.cfg.Logger.Warn(ctx, op+": failed to set leverage, continuing with exchange setting", map[string]interface{}{"symbol": req.Symbol, "leverage": leverage, "error": err.Error()})
	}

	qty := r.formatQuantity(req.Symbol, req.Quantity)
	entry, err := r.submitMarket(ctx, req.Symbol, req.Side, qty, false)
	if err != nil {
		r.cfg.Metrics.OrderPlaced(domain.ModeReal, metrics.ResultFailed)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}

	polled, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (*ports.OrderResponse, error) {
		return r.cfg.Client.GetOrder(ctx, req.Symbol, entry.OrderID)
	})
	if err != nil {
		r.cfg.Metrics.OrderPlaced(domain.ModeReal, metrics.ResultFailed)
		r.cfg.Logger.Error(ctx, err, op+": order submitted but status unknown", map[string]interface{}{"symbol": req.Symbol, "orderID": entry.OrderID})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	status := domain.OrderStatus(polled.Status)
	orderID := strconv.FormatInt(polled.OrderID, 10)
	if !status.IsAccepted() {
		r.cfg.Metrics.OrderPlaced(domain.ModeReal, metrics.ResultFailed)
		r.cfg.Logger.Warn(ctx, op+": order not accepted by exchange", map[string]interface{}{"symbol": req.Symbol, "orderID": orderID, "status": status})
		return nil, fmt.Errorf("%s failed: %w: order %s status %s", op, ports.ErrOrderPlacementFailed, orderID, status)
	}

	filled := polled.ExecutedQty
	if filled <= 0 {
		filled = req.Quantity
	}
	avg := polled.AvgPrice
	if avg <= 0 {
		avg = req.Price
	}
	if avg <= 0 {
		if p, err := r.GetCurrentPrice(ctx, req.Symbol); err == nil {
			avg = p
		}
	}
	margin := 0.0
	if avg > 0 {
		margin = decimal.NewFromFloat(filled).Mul(decimal.NewFromFloat(avg)).
			Div(decimal.NewFromInt(int64(leverage))).Round(8).InexactFloat64()
	}
	if margin > 0 {
		// the cache is corrected by the next Refresh
		if err := r.cfg.Ledger.Reserve(ctx, domain.ModeReal, margin); err != nil {
			r.cfg.Logger.Warn(ctx, op+": cached real capital could not cover margin", map[string]interface{}{"orderID": orderID, "margin": margin, "error": err.Error()})
		}
	}

	result := &domain.OrderResult{
		OrderID: orderID, Symbol: req.Symbol, Side: req.Side, Status: status, Mode: domain.ModeReal,
		FilledQty: filled, AvgPrice: avg, Leverage: leverage, Margin: margin,
	}
	if avg > 0 {
		result.TakeProfit, result.StopLoss = r.cfg.Bracket.resolve(req, avg)
		if err := r.placeBracket(ctx, result); err != nil {
			r.cfg.Logger.Error(ctx, err, op+": bracket placement failed, position is unprotected", map[string]interface{}{"symbol": req.Symbol, "orderID": orderID})
		}
	} else {
		r.cfg.Logger.Warn(ctx, op+": no fill price known, bracket skipped", map[string]interface{}{"symbol": req.Symbol, "orderID": orderID})
	}

	r.cfg.Metrics.OrderPlaced(domain.ModeReal, metrics.ResultOK)
	r.cfg.Logger.Info(ctx, op+" successful", map[string]interface{}{
		"mode": domain.ModeReal, "symbol": req.Symbol, "side": req.Side, "orderID": orderID, "status": status,
		"filledQty": filled, "avgPrice": avg, "margin": margin, "takeProfit": result.TakeProfit, "stopLoss": result.StopLoss,
	})
	return result, nil
}

// submitMarket sends a market order under one client order ID. After an error
// the request may have reached the exchange with (timeouts, dropped
// connections, backend errors), the order is looked up by that ID and only
// resent if the exchange does not know it.
func (r *Real) submitMarket(ctx context.Context, symbol string, side domain.OrderSide, qty string, reduceOnly bool) (*ports.OrderResponse, error) {
	op := "submitMarket"
	clientID := newClientOrderID()
	sent := false

	resp, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (*ports.OrderResponse, error) {
		if sent {
			found, err := r.cfg.Client.GetOrderByClientID(ctx, symbol, clientID)
			if err == nil {
				return found, nil
			}
			if !errors.Is(err, ports.ErrOrderNotFound) {
				return nil, err
			}
			sent = false
		}
		resp, err := r.cfg.Client.PlaceMarketOrder(ctx, symbol, side, qty, reduceOnly, clientID)
		if err != nil && mayHaveReachedExchange(err) {
			sent = true
		}
		return resp, err
	})
	if err == nil || !sent {
		return resp, err
	}

	found, lookupErr := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (*ports.OrderResponse, error) {
		return r.cfg.Client.GetOrderByClientID(ctx, symbol, clientID)
	})
	if lookupErr == nil {
		r.cfg.Logger.Warn(ctx, op+": order found on exchange after failed submit", map[string]interface{}{
			"symbol": symbol, "clientOrderID": clientID, "orderID": found.OrderID, "error": err.Error(),
		})
		return found, nil
	}
	if !errors.Is(lookupErr, ports.ErrOrderNotFound) {
		r.cfg.Logger.Error(ctx, lookupErr, op+": order status unknown", map[string]interface{}{"symbol": symbol, "clientOrderID": clientID})
	}
	return nil, err
}

// mayHaveReachedExchange reports whether a failed submit could still have
// been executed. Rate-limit answers are given before the order is processed.
func mayHaveReachedExchange(err error) bool {
	return retry.IsRetryable(err) && !errors.Is(err, ports.ErrRateLimited)
}

// newClientOrderID fits the exchange's 36 character limit.
func newClientOrderID() string {
	return "at" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// placeBracket rests the TP/SL legs of res at most once per order ID.
func (r *Real) placeBracket(ctx context.Context, res *domain.OrderResult) error {
	op := "placeBracket"
	if !r.brackets.claim(res.OrderID, res.Symbol) {
		return fmt.Errorf("%s failed: %w: %s", op, ports.ErrBracketExists, res.OrderID)
	}
	side := res.Side.Opposite()
	qty := r.formatQuantity(res.Symbol, res.FilledQty)

	var errs []error
	place := func(price float64) string {
		p := r.formatPrice(res.Symbol, price)
		resp, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (*ports.OrderResponse, error) {
			return r.cfg.Client.PlaceLimitOrder(ctx, res.Symbol, side, qty, p, domain.GTC, true)
		})
		if err != nil {
			errs = append(errs, err)
			return ""
		}
		return strconv.FormatInt(resp.OrderID, 10)
	}
	res.TakeProfitID = place(res.TakeProfit)
	res.StopLossID = place(res.StopLoss)
	r.brackets.set(res.OrderID, res.TakeProfitID, res.StopLossID)
	return errors.Join(errs...)
}

func (r *Real) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	op := "GetOpenPositions"
	risks, err := retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) ([]*ports.PositionRisk, error) {
		return r.cfg.Client.GetPositions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	out := make([]domain.Position, 0, len(risks))
	for _, pr := range risks {
		if pr == nil || pr.PositionAmt == 0 {
			continue
		}
		out = append(out, positionFromRisk(pr))
	}
	return out, nil
}

// ClosePosition sends an opposite reduce-only market order and re-polls the
// position. It returns true only if nothing remains; local trade records on
// the symbol are then closed at the mark price and the ledger is refreshed.
func (r *Real) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	op := "ClosePosition"
	pos, err := r.positionRisk(ctx, symbol)
	if err != nil {
		r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultFailed)
		return false, fmt.Errorf("%s failed: %w", op, err)
	}

	exitPrice := 0.0
	if pos == nil {
		// Already flat on the exchange (e.g. a bracket leg filled); only the
		// local records may still be open.
		local, err := r.openTrades(ctx, symbol)
		if err != nil {
			return false, fmt.Errorf("%s failed: %w", op, err)
		}
		if len(local) == 0 {
			r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultFailed)
			return false, fmt.Errorf("%s failed: %w: no position on %s", op, ports.ErrPositionNotFound, symbol)
		}
		exitPrice, _ = r.GetCurrentPrice(ctx, symbol)
	} else {
		exitPrice = pos.MarkPrice
		side := domain.Sell
		if pos.PositionAmt < 0 {
			side = domain.Buy
		}
		qty := r.formatQuantity(symbol, math.Abs(pos.PositionAmt))
		if _, err := r.submitMarket(ctx, symbol, side, qty, true); err != nil {
			r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultFailed)
			return false, fmt.Errorf("%s failed: %w", op, err)
		}

		if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
			return false, fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
		}

		remaining, err := r.positionRisk(ctx, symbol)
		if err != nil {
			r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultFailed)
			return false, fmt.Errorf("%s failed: close submitted but position unknown: %w", op, err)
		}
		if remaining != nil && remaining.PositionAmt != 0 {
			r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultFailed)
			r.cfg.Logger.Warn(ctx, op+": partial close", map[string]interface{}{
				"symbol": symbol, "before": pos.PositionAmt, "remaining": remaining.PositionAmt,
			})
			return false, fmt.Errorf("%s failed: %w: %s remaining %v", op, ports.ErrPartialClose, symbol, remaining.PositionAmt)
		}
	}

	errs := r.closeLocal(ctx, symbol, exitPrice)
	if err := r.cfg.Ledger.Refresh(ctx); err != nil {
		r.cfg.Logger.Warn(ctx, op+": failed to refresh real capital after close", map[string]interface{}{"error": err.Error()})
	}
	r.cfg.Metrics.PositionClosed(domain.ModeReal, metrics.ResultOK)
	r.cfg.Logger.Info(ctx, op+" successful", map[string]interface{}{"mode": domain.ModeReal, "symbol": symbol, "exitPrice": exitPrice})
	return true, errors.Join(errs...)
}

// closeLocal closes the open trade records on symbol and cancels their brackets.
func (r *Real) closeLocal(ctx context.Context, symbol string, exitPrice float64) []error {
	trades, err := r.openTrades(ctx, symbol)
	if err != nil {
		return []error{err}
	}
	var errs []error
	for _, t := range trades {
		exit := exitPrice
		if exit <= 0 {
			exit = t.EntryPrice
		}
		pnl := decimal.NewFromFloat(t.RealizedPNL(exit)).Round(8).InexactFloat64()
		if _, err := r.cfg.Trades.CloseTrade(ctx, t.ID, exit, pnl); err != nil {
			r.cfg.Logger.Error(ctx, err, "closeLocal: failed to close trade record", map[string]interface{}{"orderID": t.ID})
			errs = append(errs, err)
		}
		r.cancelBracket(ctx, t.ID)
	}
	return errs
}

func (r *Real) cancelBracket(ctx context.Context, orderID string) {
	legs, ok := r.brackets.take(orderID)
	if !ok {
		return
	}
	for _, id := range []string{legs.TakeProfitID, legs.StopLossID} {
		if id == "" {
			continue
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		if _, err := r.cfg.Client.CancelOrder(ctx, legs.Symbol, n); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			r.cfg.Logger.Warn(ctx, "cancelBracket: failed to cancel bracket leg", map[string]interface{}{"symbol": legs.Symbol, "orderID": id, "error": err.Error()})
		}
	}
}

func (r *Real) openTrades(ctx context.Context, symbol string) ([]*domain.Trade, error) {
	virtual := false
	return r.cfg.Trades.GetTrades(ctx, ports.TradeFilter{Status: domain.StatusOpen, Virtual: &virtual, Symbol: symbol})
}

func (r *Real) positionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	return retry.DoValue(ctx, r.cfg.Retry, func(ctx context.Context) (*ports.PositionRisk, error) {
		return r.cfg.Client.GetPositionRisk(ctx, symbol)
	})
}

func (r *Real) precision(symbol string) (price, qty int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.symbols[symbol]; ok {
		return info.PricePrecision, info.QuantityPrecision
	}
	return defaultPricePrecision, defaultQuantityPrecision
}

// formatQuantity truncates to the symbol's lot precision so a fill never
// exceeds the requested size.
func (r *Real) formatQuantity(symbol string, qty float64) string {
	_, q := r.precision(symbol)
	return decimal.NewFromFloat(qty).Truncate(int32(q)).String()
}

func (r *Real) formatPrice(symbol string, price float64) string {
	p, _ := r.precision(symbol)
	return decimal.NewFromFloat(price).Round(int32(p)).String()
}

func positionFromRisk(pr *ports.PositionRisk) domain.Position {
	side := domain.Buy
	if pr.PositionAmt < 0 {
		side = domain.Sell
	}
	return domain.Position{
		Symbol:        pr.Symbol,
		Side:          side,
		Size:          math.Abs(pr.PositionAmt),
		EntryPrice:    pr.EntryPrice,
		MarkPrice:     pr.MarkPrice,
		UnrealizedPNL: pr.UnRealizedProfit,
		Leverage:      pr.Leverage,
		Margin:        pr.IsolatedMargin,
		Open:          true,
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
