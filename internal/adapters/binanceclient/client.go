package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Binance answers -4046 when the margin type already matches.
	codeNoNeedToChangeMarginType = -4046
)

// Client implements ports.ExecutionGateway, ports.MarketStream and ports.FillStream
// on Binance USDT-M futures.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	metrics              ports.Metrics
	marginAsset          string
	retryBase            time.Duration
	retryAttempts        int
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	keepaliveInterval    time.Duration

	// Serve functions are fields so the reconnect loop can be exercised without a socket.
	markPriceServe func(symbols []string, handler futures.WsMarkPriceHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)
	userDataServe  func(listenKey string, handler futures.WsUserDataHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)

	mu       sync.Mutex
	leverage map[string]int // Last leverage set per symbol
	margin   map[string]domain.MarginType
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	Metrics              ports.Metrics // Optional
	MarginAsset          string        // Asset balances and fees are kept in (default "USDT")
	RetryBase            time.Duration // First retry delay for transient REST failures (default 1s)
	RetryAttempts        int           // Total attempts including the first (default 3)
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		futures.UseTestnet = true // The websocket endpoints only honour the package flag
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	c := newClient(cfg)
	c.futuresClient = client
	return c, nil
}

// newClient applies defaults; it leaves the REST client unset.
func newClient(cfg Config) *Client {
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	marginAsset := cfg.MarginAsset
	if marginAsset == "" {
		marginAsset = "USDT"
	}

	return &Client{
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
		marginAsset:          marginAsset,
		retryBase:            retryBase,
		retryAttempts:        retryAttempts,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		keepaliveInterval:    30 * time.Minute,
		markPriceServe:       futures.WsCombinedMarkPriceServe,
		userDataServe:        futures.WsUserDataServe,
		leverage:             make(map[string]int),
		margin:               make(map[string]domain.MarginType),
	}
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		mappedErr := mapAPICode(apiErr.Code)
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "i/o timeout") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

func mapAPICode(code int64) error {
	switch code {
	case -1000, -1001: // Unknown error / disconnected
		return ports.ErrExchangeUnavailable
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1007: // Timeout waiting for response from backend server
		return ports.ErrTimeout
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	case -2010, -2022: // New order rejected / ReduceOnly order rejected
		return ports.ErrOrderPlacementFailed
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2014, -2015: // API-key format invalid / invalid API-key, IP, or permissions
		return ports.ErrInvalidAPIKeys
	case -2019, -3005, -3041, -4047: // Margin or balance insufficient
		return ports.ErrInsufficientFunds
	case -4003, -4014, -4015: // Qty, price or leverage out of range
		return ports.ErrInvalidRequest
	case -4044: // Position not found
		return ports.ErrPositionNotFound
	default:
		return ports.ErrUnknown
	}
}

// retry runs fn until it succeeds, fails with a non-transient error, the attempts are
// exhausted or ctx is done. Delays grow exponentially from retryBase.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: c.retryBase, Max: c.retryBase * 8, Factor: 2, Jitter: true}
	var err error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		err = fn()
		if err == nil || !ports.IsTransient(err) || attempt == c.retryAttempts {
			return err
		}
		delay := b.Duration()
		c.logger.Warn(ctx, op+": transient failure, retrying", map[string]interface{}{"attempt": attempt, "delay": delay.String(), "error": err.Error()})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s retry aborted: %w: %w", op, ports.ErrTimeout, ctx.Err())
		}
	}
	return err
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.GatewayCall(op, time.Since(start).Seconds(), err)
	}
}

// SubmitOrder places order on the exchange using order.ID as the client order id.
// Leverage and margin type are aligned for opening orders first.
func (c *Client) SubmitOrder(ctx context.Context, order *domain.Order) (ack domain.OrderAck, err error) {
	op := "SubmitOrder"
	start := time.Now()
	defer func() { c.observe(op, start, err) }()

	if !order.ReduceOnly {
		if err := c.ensureMarginType(ctx, order.Symbol, order.MarginType); err != nil {
			return domain.OrderAck{}, err
		}
		if err := c.ensureLeverage(ctx, order.Symbol, order.Leverage); err != nil {
			return domain.OrderAck{}, err
		}
	}

	var resp *futures.CreateOrderResponse
	err = c.retry(ctx, op, func() error {
		svc := c.futuresClient.NewCreateOrderService().
			Symbol(order.Symbol).
			Side(futures.SideType(order.Side)).
			Type(futures.OrderType(order.Type)).
			Quantity(order.Quantity.String()).
			NewClientOrderID(order.ID)
		if order.PositionSide != "" {
			svc = svc.PositionSide(futures.PositionSideType(order.PositionSide))
		} else if order.ReduceOnly {
			svc = svc.ReduceOnly(true) // Binance rejects reduceOnly in hedge mode
		}
		if order.Price != nil {
			switch order.Type {
			case domain.OrderTypeLimit:
				svc = svc.Price(order.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
			case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
				svc = svc.StopPrice(order.Price.String())
			}
		}
		var callErr error
		resp, callErr = svc.Do(ctx)
		return c.handleError(ctx, callErr, op)
	})
	if err != nil {
		return domain.OrderAck{}, err
	}

	ack = translateOrderAck(resp)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": order.Symbol, "side": string(order.Side), "quantity": order.Quantity.String(), "orderID": order.ID, "exchangeOrderID": ack.ExchangeOrderID, "status": string(ack.Status)})
	return ack, nil
}

// CancelOrder cancels an open order by its client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (err error) {
	op := "CancelOrder"
	start := time.Now()
	defer func() { c.observe(op, start, err) }()
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	err = c.retry(ctx, op, func() error {
		_, callErr := c.futuresClient.NewCancelOrderService().
			Symbol(symbol).
			OrigClientOrderID(orderID).
			Do(ctx)
		return c.handleError(ctx, callErr, op)
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

func (c *Client) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if leverage <= 0 {
		return nil
	}
	c.mu.Lock()
	current := c.leverage[symbol]
	c.mu.Unlock()
	if current == leverage {
		return nil
	}

	err := c.retry(ctx, op, func() error {
		_, callErr := c.futuresClient.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return c.handleError(ctx, callErr, op)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.leverage[symbol] = leverage
	c.mu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

func (c *Client) ensureMarginType(ctx context.Context, symbol string, marginType domain.MarginType) error {
	op := "SetMarginType"
	if marginType == "" {
		return nil
	}
	c.mu.Lock()
	current := c.margin[symbol]
	c.mu.Unlock()
	if current == marginType {
		return nil
	}

	err := c.retry(ctx, op, func() error {
		callErr := c.futuresClient.NewChangeMarginTypeService().
			Symbol(symbol).
			MarginType(futures.MarginType(marginType)).
			Do(ctx)
		var apiErr *common.APIError
		if errors.As(callErr, &apiErr) && apiErr.Code == codeNoNeedToChangeMarginType {
			return nil
		}
		return c.handleError(ctx, callErr, op)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.margin[symbol] = marginType
	c.mu.Unlock()
	return nil
}

// FetchSymbolLimits reads lot size and notional filters for symbols from exchange info.
// Leverage caps and maintenance rates are not part of exchange info and stay zero.
func (c *Client) FetchSymbolLimits(ctx context.Context, symbols []string) ([]domain.SymbolLimits, error) {
	op := "FetchSymbolLimits"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	limits := make([]domain.SymbolLimits, 0, len(symbols))
	for i := range info.Symbols {
		sym := &info.Symbols[i]
		if len(wanted) > 0 && !wanted[sym.Symbol] {
			continue
		}
		l, err := translateSymbolLimits(sym)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		limits = append(limits, l)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"count": len(limits)})
	return limits, nil
}

// GetAccountBalance retrieves the wallet balance for a specific asset (e.g., "USDT").
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (domain.Money, error) {
	op := "GetAccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return domain.Zero, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := domain.ParseMoney(bal.WalletBalance)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err)
				return domain.Zero, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance: %w", asset, ports.ErrNotFound)
	return domain.Zero, c.handleError(ctx, err, op)
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// --- Translation Helpers ---

func translateOrderAck(order *futures.CreateOrderResponse) domain.OrderAck {
	if order == nil {
		return domain.OrderAck{Status: domain.OrderPending}
	}
	return domain.OrderAck{
		OrderID:         order.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		Status:          translateOrderStatus(order.Status),
	}
}

func translateOrderStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return domain.OrderOpen
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderCanceled
	case futures.OrderStatusTypeRejected:
		return domain.OrderRejected
	default:
		return domain.OrderPending
	}
}

func translateSymbolLimits(sym *futures.Symbol) (domain.SymbolLimits, error) {
	l := domain.SymbolLimits{
		Symbol:         sym.Symbol,
		Enabled:        true,
		TradingEnabled: sym.Status == "TRADING",
	}
	if lot := sym.LotSizeFilter(); lot != nil {
		var err error
		if l.MinQuantity, err = parseOptional(lot.MinQuantity); err != nil {
			return l, fmt.Errorf("%s minQty: %w", sym.Symbol, err)
		}
		if l.MaxQuantity, err = parseOptional(lot.MaxQuantity); err != nil {
			return l, fmt.Errorf("%s maxQty: %w", sym.Symbol, err)
		}
		if l.StepSize, err = parseOptional(lot.StepSize); err != nil {
			return l, fmt.Errorf("%s stepSize: %w", sym.Symbol, err)
		}
	}
	if mn := sym.MinNotionalFilter(); mn != nil {
		var err error
		if l.MinNotional, err = parseOptional(mn.Notional); err != nil {
			return l, fmt.Errorf("%s notional: %w", sym.Symbol, err)
		}
	}
	return l, nil
}

func parseOptional(s string) (domain.Money, error) {
	if s == "" {
		return domain.Zero, nil
	}
	return domain.ParseMoney(s)
}
