package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// SimulatedBookKey is the settings key the simulated order book is stored under.
const SimulatedBookKey = "SIMULATED_BOOK"

// SymbolLister lists tradable contracts; the exchange client implements it.
type SymbolLister interface {
	GetSymbols(ctx context.Context, quoteAsset string) ([]ports.SymbolInfo, error)
}

// SimulatedConfig holds the collaborators of the simulated broker.
type SimulatedConfig struct {
	Logger          ports.Logger
	Ledger          ports.Ledger
	Trades          ports.TradeStore
	Settings        ports.SettingsStore // Durable storage for the order book
	Prices          ports.PriceFeed     // Optional; entry/exit fall back to request/entry prices
	Symbols         SymbolLister        // Optional; StaticSymbols is used when nil
	StaticSymbols   []string
	QuoteAsset      string
	DefaultLeverage int
	Bracket         BracketConfig
	Retry           retry.Policy
	Metrics         *metrics.Metrics
	Clock           func() time.Time
	NewID           func() string
}

// simulatedBook is the persisted state of the simulated broker.
type simulatedBook struct {
	Orders    []domain.Order    `json:"orders"`
	Positions []domain.Position `json:"positions"`
}

// Simulated executes orders against the virtual ledger without touching an exchange.
type Simulated struct {
	cfg      SimulatedConfig
	mu       sync.Mutex
	book     simulatedBook
	brackets *bracketRegistry
}

var _ ports.Broker = (*Simulated)(nil)

// NewSimulated creates a simulated broker and restores its persisted book.
func NewSimulated(ctx context.Context, cfg SimulatedConfig) (*Simulated, error) {
	if cfg.Logger == nil || cfg.Ledger == nil || cfg.Trades == nil || cfg.Settings == nil {
		return nil, fmt.Errorf("missing required dependencies for simulated broker")
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "virtual_" + uuid.NewString() }
	}
	if cfg.Retry.Min == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.Bracket = cfg.Bracket.withDefaults()

	s := &Simulated{cfg: cfg, brackets: newBracketRegistry()}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	s.reconcile(ctx)
	return s, nil
}

func (s *Simulated) Mode() domain.Mode { return domain.ModeVirtual }

func (s *Simulated) restore(ctx context.Context) error {
	raw, ok, err := s.cfg.Settings.GetSetting(ctx, SimulatedBookKey)
	if err != nil {
		return fmt.Errorf("failed to load simulated book: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var book simulatedBook
	if err := json.Unmarshal([]byte(raw), &book); err != nil {
		s.cfg.Logger.Error(ctx, err, "Stored simulated book is unreadable, starting with an empty book")
		return nil
	}
	book = book.compact()
	s.book = book

	for _, p := range book.Positions {
		s.brackets.claim(p.OrderID, p.Symbol)
	}
	for _, o := range book.Orders {
		if o.ParentID == "" || o.Status != domain.OrderNew {
			continue
		}
		legs, _ := s.brackets.take(o.ParentID)
		if isTakeProfit(o, book) {
			legs.TakeProfitID = o.ID
		} else {
			legs.StopLossID = o.ID
		}
		s.brackets.set(o.ParentID, legs.TakeProfitID, legs.StopLossID)
	}
	s.cfg.Logger.Info(ctx, "Simulated book restored", map[string]interface{}{"orders": len(book.Orders), "openPositions": len(book.Positions)})
	return nil
}

// reconcile repairs what a crash between reserving margin, persisting the
// book and recording the trade leaves behind: margin no open position backs
// is released, and open positions without a trade record get one.
func (s *Simulated) reconcile(ctx context.Context) {
	op := "reconcile"
	backed := decimal.Zero
	for _, p := range s.book.Positions {
		backed = backed.Add(decimal.NewFromFloat(p.Margin))
		s.recoverTrade(ctx, p)
	}

	used := decimal.NewFromFloat(s.cfg.Ledger.Get(domain.ModeVirtual).Used)
	orphaned := used.Sub(backed).Round(8)
	eps := decimal.NewFromFloat(domain.CapitalEpsilon)
	switch {
	case orphaned.GreaterThan(eps):
		amount := orphaned.InexactFloat64()
		if err := s.cfg.Ledger.Release(ctx, domain.ModeVirtual, amount, 0); err != nil {
			s.cfg.Logger.Error(ctx, err, op+": failed to release orphaned margin", map[string]interface{}{"margin": amount})
			return
		}
		s.cfg.Logger.Warn(ctx, op+": released margin not backed by an open position", map[string]interface{}{"margin": amount})
	case orphaned.LessThan(eps.Neg()):
		s.cfg.Logger.Warn(ctx, op+": open positions hold more margin than the ledger reports", map[string]interface{}{
			"used": used.InexactFloat64(), "positions": backed.InexactFloat64(),
		})
	}
}

// recoverTrade records an open trade for p if the store has none.
func (s *Simulated) recoverTrade(ctx context.Context, p domain.Position) {
	op := "recoverTrade"
	_, err := s.cfg.Trades.GetTradeByID(ctx, p.OrderID)
	if err == nil {
		return
	}
	if !errors.Is(err, ports.ErrNotFound) {
		s.cfg.Logger.Warn(ctx, op+": failed to look up trade record", map[string]interface{}{"orderID": p.OrderID, "error": err.Error()})
		return
	}

	trade := &domain.Trade{
		ID: p.OrderID, Symbol: p.Symbol, Side: p.Side, Quantity: p.Size, EntryPrice: p.EntryPrice,
		Leverage: p.Leverage, Margin: p.Margin, Status: domain.StatusOpen, Virtual: true,
	}
	for _, o := range s.book.Orders {
		switch {
		case o.ID == p.OrderID:
			trade.OpenedAt = o.CreatedAt
		case o.ParentID == p.OrderID && isTakeProfit(o, s.book):
			trade.TakeProfit = o.Price
		case o.ParentID == p.OrderID:
			trade.StopLoss = o.Price
		}
	}
	if trade.OpenedAt.IsZero() {
		trade.OpenedAt = s.cfg.Clock().UTC()
	}
	if err := s.cfg.Trades.AddTrade(ctx, trade); err != nil {
		s.cfg.Logger.Error(ctx, err, op+": failed to record open simulated position", map[string]interface{}{"orderID": p.OrderID})
		return
	}
	s.cfg.Logger.Warn(ctx, op+": recorded open simulated position that had no trade", map[string]interface{}{"orderID": p.OrderID, "symbol": p.Symbol})
}

// isTakeProfit reports whether leg o sits on the profitable side of its entry.
func isTakeProfit(o domain.Order, book simulatedBook) bool {
	for _, p := range book.Positions {
		if p.OrderID != o.ParentID {
			continue
		}
		if p.Side == domain.Sell {
			return o.Price < p.EntryPrice
		}
		return o.Price > p.EntryPrice
	}
	return false
}

// compact keeps the open positions with their entry orders and resting legs.
// Closed positions are only needed in the trade store.
func (b simulatedBook) compact() simulatedBook {
	open := make(map[string]bool, len(b.Positions))
	var out simulatedBook
	for _, p := range b.Positions {
		if p.Open {
			open[p.OrderID] = true
			out.Positions = append(out.Positions, p)
		}
	}
	for _, o := range b.Orders {
		switch {
		case o.ParentID == "" && open[o.ID]:
			out.Orders = append(out.Orders, o)
		case o.ParentID != "" && open[o.ParentID] && o.Status == domain.OrderNew:
			out.Orders = append(out.Orders, o)
		}
	}
	return out
}

// persist writes the book snapshot. Must hold s.mu.
func (s *Simulated) persist(ctx context.Context, book simulatedBook) error {
	raw, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to encode simulated book: %w", err)
	}
	if err := s.cfg.Settings.SetSetting(ctx, SimulatedBookKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist simulated book: %w", err)
	}
	return nil
}

func (s *Simulated) GetTradableSymbols(ctx context.Context) ([]string, error) {
	op := "GetTradableSymbols"
	if s.cfg.Symbols == nil {
		return append([]string(nil), s.cfg.StaticSymbols...), nil
	}
	infos, err := retry.DoValue(ctx, s.cfg.Retry, func(ctx context.Context) ([]ports.SymbolInfo, error) {
		return s.cfg.Symbols.GetSymbols(ctx, s.cfg.QuoteAsset)
	})
	if err != nil {
		s.cfg.Logger.Warn(ctx, op+": symbol list unavailable, using static symbols", map[string]interface{}{"error": err.Error()})
		if len(s.cfg.StaticSymbols) > 0 {
			return append([]string(nil), s.cfg.StaticSymbols...), nil
		}
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Symbol)
	}
	return out, nil
}

func (s *Simulated) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if s.cfg.Prices != nil {
		price, err := retry.DoValue(ctx, s.cfg.Retry, func(ctx context.Context) (float64, error) {
			return s.cfg.Prices.GetCurrentPrice(ctx, symbol)
		})
		if err == nil && price > 0 {
			return price, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ports.ErrPriceUnavailable, symbol, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.book.Positions {
		if p.Open && p.Symbol == symbol && p.MarkPrice > 0 {
			return p.MarkPrice, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ports.ErrPriceUnavailable, symbol)
}

// PlaceOrder fills the order immediately at the request price (or the current
// price), reserves the margin and rests a TP/SL bracket on the book.
func (s *Simulated) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	op := "PlaceOrder"
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = s.cfg.DefaultLeverage
	}

	price := req.Price
	if price <= 0 {
		p, err := s.GetCurrentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", op, err)
		}
		price = p
	}

	margin := decimal.NewFromFloat(req.Quantity).
		Mul(decimal.NewFromFloat(price)).
		Div(decimal.NewFromInt(int64(leverage))).
		Round(8).InexactFloat64()
	if margin <= 0 {
		return nil, fmt.Errorf("%s failed: %w: margin rounds to zero", op, ports.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.Ledger.Reserve(ctx, domain.ModeVirtual, margin); err != nil {
		s.cfg.Metrics.OrderPlaced(domain.ModeVirtual, metrics.ResultFailed)
		s.cfg.Logger.Warn(ctx, op+": margin reservation refused", map[string]interface{}{"symbol": req.Symbol, "margin": margin, "error": err.Error()})
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	now := s.cfg.Clock().UTC()
	orderID := s.cfg.NewID()
	tp, sl := s.cfg.Bracket.resolve(req, price)

	next := simulatedBook{
		Orders:    append([]domain.Order(nil), s.book.Orders...),
		Positions: append([]domain.Position(nil), s.book.Positions...),
	}
	next.Orders = append(next.Orders, domain.Order{
		ID: orderID, Symbol: req.Symbol, Side: req.Side, Type: domain.OrderTypeMarket,
		Quantity: req.Quantity, Price: price, Status: domain.OrderFilled, Mode: domain.ModeVirtual, CreatedAt: now,
	})
	next.Positions = append(next.Positions, domain.Position{
		Symbol: req.Symbol, OrderID: orderID, Side: req.Side, Size: req.Quantity,
		EntryPrice: price, MarkPrice: price, Leverage: leverage, Margin: margin, Open: true,
	})

	result := &domain.OrderResult{
		OrderID: orderID, Symbol: req.Symbol, Side: req.Side, Status: domain.OrderFilled, Mode: domain.ModeVirtual,
		FilledQty: req.Quantity, AvgPrice: price, Leverage: leverage, Margin: margin, TakeProfit: tp, StopLoss: sl,
	}
	if s.brackets.claim(orderID, req.Symbol) {
		tpLeg := s.legOrder(orderID, req, tp, now)
		slLeg := s.legOrder(orderID, req, sl, now)
		next.Orders = append(next.Orders, tpLeg, slLeg)
		result.TakeProfitID, result.StopLossID = tpLeg.ID, slLeg.ID
	}

	if err := s.persist(ctx, next); err != nil {
		if relErr := s.cfg.Ledger.Release(ctx, domain.ModeVirtual, margin, 0); relErr != nil {
			s.cfg.Logger.Error(ctx, relErr, op+": failed to undo margin reservation", map[string]interface{}{"orderID": orderID, "margin": margin})
		}
		s.brackets.take(orderID)
		s.cfg.Metrics.OrderPlaced(domain.ModeVirtual, metrics.ResultFailed)
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	s.book = next
	s.brackets.set(orderID, result.TakeProfitID, result.StopLossID)
	s.cfg.Metrics.OrderPlaced(domain.ModeVirtual, metrics.ResultOK)

	s.cfg.Logger.Info(ctx, op+" successful", map[string]interface{}{
		"mode": domain.ModeVirtual, "symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity,
		"price": price, "margin": margin, "orderID": orderID, "takeProfit": tp, "stopLoss": sl,
	})
	return result, nil
}

func (s *Simulated) legOrder(parentID string, req domain.OrderRequest, price float64, at time.Time) domain.Order {
	return domain.Order{
		ID: s.cfg.NewID(), ParentID: parentID, Symbol: req.Symbol, Side: req.Side.Opposite(),
		Type: domain.OrderTypeLimit, Quantity: req.Quantity, Price: price, Status: domain.OrderNew,
		Mode: domain.ModeVirtual, ReduceOnly: true, CreatedAt: at,
	}
}

// GetOpenPositions marks open positions to the latest price. The unrealized
// PnL is mirrored into the trade store on a best-effort basis.
func (s *Simulated) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	open := make([]domain.Position, 0)
	for _, p := range s.book.Positions {
		if p.Open {
			open = append(open, p)
		}
	}
	s.mu.Unlock()

	for i := range open {
		if s.cfg.Prices != nil {
			if price, err := s.cfg.Prices.GetCurrentPrice(ctx, open[i].Symbol); err == nil && price > 0 {
				open[i].MarkPrice = price
			}
		}
		open[i].UnrealizedPNL = open[i].PNLAt(open[i].MarkPrice)
		if err := s.cfg.Trades.UpdateUnrealizedPNL(ctx, open[i].OrderID, open[i].UnrealizedPNL); err != nil && !errors.Is(err, ports.ErrNotFound) {
			s.cfg.Logger.Warn(ctx, "GetOpenPositions: failed to store unrealized PnL", map[string]interface{}{"orderID": open[i].OrderID, "error": err.Error()})
		}
	}
	return open, nil
}

// ClosePosition closes every open simulated position on symbol at the latest
// price, refunds margin+pnl and drops the bracket legs from the book.
func (s *Simulated) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	op := "ClosePosition"

	// priced before locking, the feed may be slow
	exitPrice, priceErr := 0.0, error(nil)
	if s.cfg.Prices != nil {
		exitPrice, priceErr = retry.DoValue(ctx, s.cfg.Retry, func(ctx context.Context) (float64, error) {
			return s.cfg.Prices.GetCurrentPrice(ctx, symbol)
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := simulatedBook{
		Orders:    append([]domain.Order(nil), s.book.Orders...),
		Positions: append([]domain.Position(nil), s.book.Positions...),
	}
	type closing struct {
		pos  domain.Position
		exit float64
		pnl  float64
	}
	var closed []closing
	for i := range next.Positions {
		p := &next.Positions[i]
		if !p.Open || p.Symbol != symbol {
			continue
		}
		exit := exitPrice
		if exit <= 0 {
			exit = p.EntryPrice
			fields := map[string]interface{}{"symbol": symbol, "orderID": p.OrderID, "exitPrice": exit}
			if priceErr != nil {
				fields["error"] = priceErr.Error()
			}
			s.cfg.Logger.Warn(ctx, op+": price unavailable, closing at entry price", fields)
		}
		pnl := decimal.NewFromFloat(p.PNLAt(exit)).Round(8).InexactFloat64()
		p.Open = false
		p.MarkPrice = exit
		p.UnrealizedPNL = 0
		closed = append(closed, closing{pos: *p, exit: exit, pnl: pnl})
	}
	if len(closed) == 0 {
		s.cfg.Metrics.PositionClosed(domain.ModeVirtual, metrics.ResultFailed)
		return false, fmt.Errorf("%s failed: %w: no open simulated position on %s", op, ports.ErrPositionNotFound, symbol)
	}

	for _, c := range closed {
		s.brackets.take(c.pos.OrderID)
	}

	// the closed positions and their legs leave the book
	next = next.compact()
	if err := s.persist(ctx, next); err != nil {
		s.cfg.Metrics.PositionClosed(domain.ModeVirtual, metrics.ResultFailed)
		return false, fmt.Errorf("%s failed: %w", op, err)
	}
	s.book = next

	var errs []error
	for _, c := range closed {
		if err := s.cfg.Ledger.Release(ctx, domain.ModeVirtual, c.pos.Margin, c.pnl); err != nil {
			s.cfg.Logger.Error(ctx, err, op+": failed to release margin", map[string]interface{}{"orderID": c.pos.OrderID, "margin": c.pos.Margin, "pnl": c.pnl})
			errs = append(errs, err)
		}
		if _, err := s.cfg.Trades.CloseTrade(ctx, c.pos.OrderID, c.exit, c.pnl); err != nil {
			s.cfg.Logger.Error(ctx, err, op+": failed to close trade record", map[string]interface{}{"orderID": c.pos.OrderID})
			errs = append(errs, err)
		}
		s.cfg.Metrics.PositionClosed(domain.ModeVirtual, metrics.ResultOK)
		s.cfg.Logger.Info(ctx, op+" successful", map[string]interface{}{
			"mode": domain.ModeVirtual, "symbol": symbol, "orderID": c.pos.OrderID,
			"entryPrice": c.pos.EntryPrice, "exitPrice": c.exit, "pnl": c.pnl, "margin": c.pos.Margin,
		})
	}
	return true, errors.Join(errs...)
}

// validateRequest rejects requests no broker could execute.
func validateRequest(req domain.OrderRequest) error {
	switch {
	case strings.TrimSpace(req.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ports.ErrInvalidRequest)
	case req.Side != domain.Buy && req.Side != domain.Sell:
		return fmt.Errorf("%w: invalid side %q", ports.ErrInvalidRequest, req.Side)
	case req.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ports.ErrInvalidRequest)
	case req.Price < 0:
		return fmt.Errorf("%w: price cannot be negative", ports.ErrInvalidRequest)
	case req.Leverage < 0:
		return fmt.Errorf("%w: leverage cannot be negative", ports.ErrInvalidRequest)
	}
	return nil
}
