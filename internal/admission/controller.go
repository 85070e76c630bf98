package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/ports"
	"cryptoRiskGuard/internal/risk"
)

const (
	DefaultEntryTimeout = 60 * time.Second
	DefaultExitTimeout  = 30 * time.Second
)

// PolicySource resolves the policy and symbol limits admission checks against.
type PolicySource interface {
	ResolvePolicy(balance domain.Money) domain.RiskPolicy
	SymbolLimits(symbol string) (domain.SymbolLimits, bool)
}

// Config holds the collaborators of a Controller.
type Config struct {
	Ledgers *ledger.Registry
	Policy  PolicySource
	Gateway ports.ExecutionGateway
	Orders  ports.OrderRepository // Optional
	Metrics ports.Metrics         // Optional
	Logger  ports.Logger

	EntryTimeout time.Duration
	ExitTimeout  time.Duration

	Now   func() time.Time
	NewID func() string
}

type pause struct {
	until  time.Time
	reason string
}

// Controller admits orders, holds their margin reservations across the gateway call and
// issues privileged forced closes.
type Controller struct {
	cfg    Config
	logger ports.Logger

	mu          sync.RWMutex
	pauses      map[string]pause
	multipliers map[string]domain.Money
	orders      map[string]*domain.Order // non-terminal orders by id
}

// NewController validates cfg and returns a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Ledgers == nil || cfg.Policy == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: ledgers, policy and gateway are required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = DefaultEntryTimeout
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultExitTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{
		cfg:         cfg,
		logger:      cfg.Logger,
		pauses:      make(map[string]pause),
		multipliers: make(map[string]domain.Money),
		orders:      make(map[string]*domain.Order),
	}, nil
}

// Submit admits req for accountID and, when accepted, sends it to the gateway. The check
// and the margin reservation happen atomically under the account lock; the reservation is
// visible to other submissions for the whole gateway round-trip.
func (c *Controller) Submit(ctx context.Context, accountID string, req domain.OrderRequest) (Result, error) {
	led, err := c.cfg.Ledgers.Get(accountID)
	if err != nil {
		return Result{}, err
	}
	logFields := map[string]interface{}{
		"accountID": accountID, "symbol": req.Symbol, "side": string(req.Side),
		"quantity": req.Quantity.String(), "source": domain.SourceKind(req.Source),
	}

	if paused, until, reason := c.IsPaused(accountID); paused && !req.ReduceOnly && !domain.IsPrivileged(req.Source) {
		res := reject(domain.RejectTradingPaused, "trading paused until %s: %s", until.Format(time.RFC3339), reason)
		c.recordDecision(req.Symbol, res.Reason)
		c.logger.Info(ctx, "Submit: order rejected", withField(logFields, "reason", string(res.Reason)))
		return res, nil
	}

	orderID := c.cfg.NewID()
	multiplier := c.SizingMultiplier(accountID)
	var result Result
	_, err = led.Reserve(func(s ledger.Snapshot) (*ledger.Reservation, error) {
		in := Input{
			Request:          req,
			Snapshot:         s,
			Policy:           c.cfg.Policy.ResolvePolicy(s.Account.Balance),
			SizingMultiplier: multiplier,
		}
		if lim, ok := c.cfg.Policy.SymbolLimits(req.Symbol); ok {
			in.Limits = &lim
		}
		result = Check(in)
		if !result.Accepted {
			return nil, nil
		}
		return &ledger.Reservation{
			OrderID:    orderID,
			Symbol:     req.Symbol,
			Side:       result.PositionSide,
			Quantity:   req.Quantity,
			Margin:     result.RequiredMargin,
			Leverage:   req.Leverage,
			MarginType: req.MarginType,
			Opening:    !req.ReduceOnly,
		}, nil
	})
	if err != nil {
		return Result{}, err
	}
	result.OrderID = orderID
	c.recordDecision(req.Symbol, result.Reason)

	now := c.cfg.Now()
	order := &domain.Order{
		ID:           orderID,
		AccountID:    accountID,
		OrderRequest: req,
		FilledQty:    domain.Zero,
		Status:       domain.OrderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !result.Accepted {
		order.Status = domain.OrderRejected
		order.RejectReason = result.Reason
		c.saveOrder(ctx, order)
		c.logger.Info(ctx, "Submit: order rejected", withField(withField(logFields, "reason", string(result.Reason)), "detail", result.Detail))
		return result, nil
	}
	c.reportReserved(led)

	timeout := c.cfg.EntryTimeout
	if req.ReduceOnly {
		timeout = c.cfg.ExitTimeout
	}
	c.track(order)
	ack, err := c.send(ctx, order, timeout)
	if err != nil {
		led.Release(orderID)
		c.reportReserved(led)
		c.untrack(orderID)
		order.Status = domain.OrderRejected
		order.RejectReason = domain.RejectGatewayTimeout
		order.UpdatedAt = c.cfg.Now()
		c.saveOrder(ctx, order)
		c.recordDecision(req.Symbol, domain.RejectGatewayTimeout)
		c.logger.Error(ctx, err, "Submit: gateway submission failed, reservation released", withField(logFields, "orderID", orderID))
		return Result{OrderID: orderID, Reason: domain.RejectGatewayTimeout, Detail: err.Error()}, nil
	}

	c.mu.Lock()
	order.ExchangeOrderID = ack.ExchangeOrderID
	// The user-data stream may have delivered the fill before the ack; its status wins.
	_, tracked := c.orders[orderID]
	terminal := false
	if tracked && !order.Status.IsTerminal() {
		order.Status = ack.Status
		if order.Status == "" {
			order.Status = domain.OrderOpen
		}
		order.UpdatedAt = c.cfg.Now()
		terminal = order.Status == domain.OrderCanceled || order.Status == domain.OrderRejected
	}
	snapshot := *order
	c.mu.Unlock()
	if terminal {
		led.Release(orderID)
		c.reportReserved(led)
		c.untrack(orderID)
	}
	c.saveOrder(ctx, &snapshot)
	c.logger.Info(ctx, "Submit: order accepted", withField(withField(logFields, "orderID", orderID), "exchangeOrderID", ack.ExchangeOrderID))
	return result, nil
}

// send calls the gateway under a deadline.
func (c *Controller) send(ctx context.Context, order *domain.Order, timeout time.Duration) (domain.OrderAck, error) {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.RLock()
	snapshot := *order
	c.mu.RUnlock()

	start := time.Now()
	ack, err := c.cfg.Gateway.SubmitOrder(sendCtx, &snapshot)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.GatewayCall("submit", time.Since(start).Seconds(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ports.ErrGatewayTimeout, err)
	}
	return ack, err
}

// ForceClose closes a position in the ledger first and then flattens it on the exchange
// with a reduce-only market order. Gateway errors are logged, not returned: the ledger
// already carries the terminal state.
func (c *Controller) ForceClose(ctx context.Context, accountID, positionID string, reason domain.CloseReason) (ledger.PositionDelta, error) {
	led, err := c.cfg.Ledgers.Get(accountID)
	if err != nil {
		return ledger.PositionDelta{}, err
	}
	orderID := c.cfg.NewID()
	delta, closed, err := led.CloseForOrder(ctx, positionID, reason, orderID)
	if err != nil || !closed {
		return delta, err
	}

	pos := delta.Position
	var source domain.OrderSource = domain.LiquidationSource{Reason: reason}
	switch reason {
	case domain.CloseReasonStopLoss, domain.CloseReasonTakeProfit, domain.CloseReasonTrailingStop:
		source = domain.ProtectionSource{Trigger: reason}
	case domain.CloseReasonManual:
		source = domain.ManualSource{}
	}
	req := domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.OpeningSide().Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   delta.Quantity,
		ReduceOnly: true,
		Leverage:   pos.Leverage,
		MarginType: pos.MarginType,
		Source:     source,
	}
	if led.Mode() == domain.HedgeMode {
		req.PositionSide = pos.Side
	}
	now := c.cfg.Now()
	order := &domain.Order{
		ID:           orderID,
		AccountID:    accountID,
		OrderRequest: req,
		FilledQty:    domain.Zero,
		Status:       domain.OrderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	fields := map[string]interface{}{
		"accountID": accountID, "positionID": positionID, "symbol": pos.Symbol,
		"reason": string(reason), "orderID": orderID, "quantity": delta.Quantity.String(),
	}
	ack, err := c.send(ctx, order, c.cfg.ExitTimeout)
	if err != nil {
		order.Status = domain.OrderRejected
		order.RejectReason = domain.RejectGatewayTimeout
		c.logger.Error(ctx, err, "ForceClose: exchange close order failed; ledger position is already terminal", fields)
	} else {
		order.ExchangeOrderID = ack.ExchangeOrderID
		order.Status = ack.Status
		if order.Status == "" {
			order.Status = domain.OrderOpen
		}
		c.logger.Warn(ctx, "ForceClose: position force-closed", fields)
	}
	order.UpdatedAt = c.cfg.Now()
	c.saveOrder(ctx, order)
	return delta, nil
}

// Cancel cancels a tracked order and releases its reservation.
func (c *Controller) Cancel(ctx context.Context, accountID, orderID string) error {
	c.mu.RLock()
	order, ok := c.orders[orderID]
	var symbol string
	if ok {
		symbol = order.Symbol
	}
	c.mu.RUnlock()
	if !ok || order.AccountID != accountID {
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, orderID)
	}

	start := time.Now()
	err := c.cfg.Gateway.CancelOrder(ctx, symbol, orderID)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.GatewayCall("cancel", time.Since(start).Seconds(), err)
	}
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	if led, lerr := c.cfg.Ledgers.Get(accountID); lerr == nil {
		led.Release(orderID)
		c.reportReserved(led)
	}
	c.mu.Lock()
	order.Status = domain.OrderCanceled
	order.UpdatedAt = c.cfg.Now()
	snapshot := *order
	delete(c.orders, orderID)
	c.mu.Unlock()
	c.saveOrder(ctx, &snapshot)
	c.logger.Info(ctx, "Cancel: order canceled", map[string]interface{}{"accountID": accountID, "orderID": orderID})
	return nil
}

// OnFill advances the tracked order a fill belongs to. It returns the updated order,
// or false when the fill belongs to no tracked order.
func (c *Controller) OnFill(ctx context.Context, fill domain.FillEvent) (domain.Order, bool) {
	c.mu.Lock()
	order, ok := c.orders[fill.OrderID]
	if !ok {
		c.mu.Unlock()
		return domain.Order{}, false
	}
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.UpdatedAt = fill.Timestamp
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = domain.OrderFilled
		delete(c.orders, fill.OrderID)
	}
	snapshot := *order
	c.mu.Unlock()

	c.saveOrder(ctx, &snapshot)
	return snapshot, true
}

// PauseTrading blocks new opening orders for accountID until the given time.
func (c *Controller) PauseTrading(accountID string, until time.Time, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pauses[accountID]; ok && cur.until.After(until) {
		return
	}
	c.pauses[accountID] = pause{until: until, reason: reason}
}

// ResumeTrading lifts a pause before it expires.
func (c *Controller) ResumeTrading(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pauses, accountID)
}

// IsPaused reports whether opening orders of accountID are currently blocked.
func (c *Controller) IsPaused(accountID string) (bool, time.Time, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pauses[accountID]
	if !ok || !c.cfg.Now().Before(p.until) {
		return false, time.Time{}, ""
	}
	return true, p.until, p.reason
}

// SetSizingMultiplier scales the margin cap of accountID; 1 restores the default.
func (c *Controller) SetSizingMultiplier(accountID string, m domain.Money) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Equal(domain.One) {
		delete(c.multipliers, accountID)
		return
	}
	c.multipliers[accountID] = m
}

// SizingMultiplier returns the multiplier applied to accountID's margin cap.
func (c *Controller) SizingMultiplier(accountID string) domain.Money {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.multipliers[accountID]; ok {
		return m
	}
	return domain.One
}

// SuggestQuantity sizes an entry on symbol so that a stop stopLossPct away risks the
// tier's per-trade percentage of the balance, scaled by the account's sizing multiplier.
func (c *Controller) SuggestQuantity(accountID, symbol string, price, stopLossPct domain.Money, leverage int) (domain.Money, error) {
	led, err := c.cfg.Ledgers.Get(accountID)
	if err != nil {
		return domain.Zero, err
	}
	acc := led.Account()
	policy := c.cfg.Policy.ResolvePolicy(acc.Balance)
	step := domain.Zero
	maxLev := policy.MaxLeverage
	if lim, ok := c.cfg.Policy.SymbolLimits(symbol); ok {
		step = lim.StepSize
		if lim.MaxLeverage > 0 && lim.MaxLeverage < maxLev {
			maxLev = lim.MaxLeverage
		}
	}
	cfg := risk.SizingConfig{
		RiskPerTrade:       policy.RiskPercentagePerTrade,
		StopLossPercent:    stopLossPct,
		MaxPositionPercent: policy.MaxPositionSizePercentage,
		MaxLeverage:        maxLev,
		Multiplier:         c.SizingMultiplier(accountID),
	}
	return risk.PositionQuantity(cfg, acc.Balance, price, leverage, step)
}

// Order returns a tracked, non-terminal order.
func (c *Controller) Order(orderID string) (domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (c *Controller) track(o *domain.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ID] = o
}

func (c *Controller) untrack(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, orderID)
}

func (c *Controller) saveOrder(ctx context.Context, o *domain.Order) {
	if c.cfg.Orders == nil {
		return
	}
	if err := c.cfg.Orders.SaveOrder(ctx, o); err != nil {
		c.logger.Error(ctx, err, "Failed to persist order", map[string]interface{}{"orderID": o.ID, "status": string(o.Status)})
	}
}

func (c *Controller) recordDecision(symbol string, reason domain.RejectReason) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AdmissionDecision(symbol, reason)
	}
}

func (c *Controller) reportReserved(led *ledger.Ledger) {
	if c.cfg.Metrics != nil {
		reserved, _ := led.Account().ReservedMargin.Float64()
		c.cfg.Metrics.ReservedMargin(led.AccountID(), reserved)
	}
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
