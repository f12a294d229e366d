package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements ports.ExchangeClient on Binance USDT-M futures.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

var _ ports.ExchangeClient = (*Client)(nil)

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // Overrides the production/testnet URL when set
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	ctx := context.Background()
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(ctx, "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(ctx, "Binance client configured", map[string]interface{}{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// classify maps an error from the exchange to a ports sentinel.
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1001: // Internal error; unable to process your request
			return ports.ErrExchangeUnavailable
		case -1003: // Too many requests
			return ports.ErrRateLimited
		case -1007, -1021: // Backend timeout / timestamp outside of recvWindow
			return ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			return ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			return ports.ErrInvalidRequest
		case -2010, -2022: // New order rejected / ReduceOnly order rejected
			return ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			return ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			return ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			return ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041, -4047: // Margin or balance insufficient
			return ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Quantity, price or leverage out of range
			return ports.ErrInvalidRequest
		case -4044: // Position not found
			return ports.ErrPositionNotFound
		default:
			return ports.ErrUnknown
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		return ports.ErrContextCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		return ports.ErrTimeout
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"):
		return ports.ErrConnectionFailed
	}
	return ports.ErrUnknown
}

// handleError logs err and wraps it with its sentinel.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	sentinel := classify(err)
	fields := map[string]interface{}{"operation": operation, "kind": sentinel.Error()}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
	}
	if errors.Is(sentinel, ports.ErrContextCanceled) {
		c.logger.Debug(ctx, operation+" canceled", fields)
	} else {
		c.logger.Error(ctx, err, operation+" failed", fields)
	}
	return fmt.Errorf("%s failed: %w: %w", operation, sentinel, err)
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	offset, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// GetCurrentPrice returns the mark price of symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetCurrentPrice"
	indexes, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, idx := range indexes {
		if idx == nil || idx.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(idx.MarkPrice, 64)
		if err != nil {
			return 0, fmt.Errorf("%s failed: %w: could not parse mark price '%s': %w", op, ports.ErrPriceUnavailable, idx.MarkPrice, err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("%s failed: %w: no mark price for %s", op, ports.ErrPriceUnavailable, symbol)
}

// GetWallet returns the margin balance and the available balance of asset.
func (c *Client) GetWallet(ctx context.Context, asset string) (float64, float64, error) {
	op := "GetWallet"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, 0, c.handleError(ctx, err, op)
	}
	return walletFromAccount(account, asset)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetSymbols lists perpetual contracts in TRADING status quoted in quoteAsset.
func (c *Client) GetSymbols(ctx context.Context, quoteAsset string) ([]ports.SymbolInfo, error) {
	op := "GetSymbols"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return symbolsFromExchangeInfo(info, quoteAsset), nil
}

// PlaceMarketOrder places a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool, clientOrderID string) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(reduceOnly)
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": side, "quantity": quantity, "reduceOnly": reduceOnly, "orderID": resp.OrderID, "clientOrderID": resp.ClientOrderID, "status": resp.Status,
	})
	return resp, nil
}

// PlaceLimitOrder places a limit order resting at price.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity, price string, tif domain.TimeInForce, reduceOnly bool) (*ports.OrderResponse, error) {
	op := "PlaceLimitOrder"
	if tif == "" {
		tif = domain.GTC
	}
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceType(tif)).
		Quantity(quantity).
		Price(price).
		ReduceOnly(reduceOnly).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": side, "quantity": quantity, "price": price, "reduceOnly": reduceOnly, "orderID": resp.OrderID,
	})
	return resp, nil
}

// GetOrder polls the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "GetOrder"
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// GetOrderByClientID polls an order by its client order ID.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "GetOrderByClientID"
	order, err := c.futuresClient.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// CancelOrder cancels an existing open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// CancelOrderResponse carries no fill data.
	price, _ := strconv.ParseFloat(res.Price, 64)
	origQty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	resp := &ports.OrderResponse{
		OrderID:       res.OrderID,
		Symbol:        res.Symbol,
		ClientOrderID: res.ClientOrderID,
		Price:         price,
		OrigQuantity:  origQty,
		Status:        string(res.Status),
		TimeInForce:   string(res.TimeInForce),
		Type:          string(res.Type),
		Side:          string(res.Side),
		Timestamp:     time.Now(),
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": resp.Status})
	return resp, nil
}

// GetPositionRisk returns the open position on symbol, or nil if it is flat.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) (*ports.PositionRisk, error) {
	op := "GetPositionRisk"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, p := range positions {
		if p == nil || p.Symbol != symbol {
			continue
		}
		if pr := translatePositionRisk(p); pr.PositionAmt != 0 {
			return pr, nil
		}
	}
	c.logger.Debug(ctx, op+": no position for symbol", map[string]interface{}{"symbol": symbol})
	return nil, nil
}

// GetPositions retrieves all non-zero positions.
func (c *Client) GetPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	op := "GetPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*ports.PositionRisk, 0, len(positions))
	for _, p := range positions {
		if p == nil {
			continue
		}
		if pr := translatePositionRisk(p); pr.PositionAmt != 0 {
			out = append(out, pr)
		}
	}
	return out, nil
}

// --- Translation helpers ---

func walletFromAccount(account *futures.Account, asset string) (float64, float64, error) {
	if account != nil {
		for _, a := range account.Assets {
			if a == nil || a.Asset != asset {
				continue
			}
			equity, err := strconv.ParseFloat(a.MarginBalance, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("GetWallet failed: could not parse margin balance '%s' for %s: %w", a.MarginBalance, asset, err)
			}
			available, err := strconv.ParseFloat(a.AvailableBalance, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("GetWallet failed: could not parse available balance '%s' for %s: %w", a.AvailableBalance, asset, err)
			}
			return equity, available, nil
		}
	}
	return 0, 0, fmt.Errorf("GetWallet failed: %w: asset %s not in account", ports.ErrNotFound, asset)
}

func symbolsFromExchangeInfo(info *futures.ExchangeInfo, quoteAsset string) []ports.SymbolInfo {
	if info == nil {
		return nil
	}
	out := make([]ports.SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || (quoteAsset != "" && s.QuoteAsset != quoteAsset) {
			continue
		}
		if s.ContractType != "" && s.ContractType != futures.ContractTypePerpetual {
			continue
		}
		out = append(out, ports.SymbolInfo{
			Symbol:            s.Symbol,
			QuoteAsset:        s.QuoteAsset,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		})
	}
	return out
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		ReduceOnly:    order.ReduceOnly,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		ReduceOnly:    order.ReduceOnly,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) *ports.PositionRisk {
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is a string in go-binance
	isoMargin, _ := strconv.ParseFloat(pos.IsolatedMargin, 64)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
		IsolatedMargin:   isoMargin,
	}
}
