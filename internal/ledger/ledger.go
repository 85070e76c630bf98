package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// MarginRates supplies the per-symbol maintenance rate and the alert thresholds.
type MarginRates interface {
	MaintenanceMarginRate(symbol string) domain.Money
	Thresholds() domain.MarginThresholds
}

// Config holds the configuration for one account ledger.
type Config struct {
	AccountID string
	Asset     string
	Mode      domain.PositionMode
	Rates     MarginRates
	Logger    ports.Logger

	// Used for positions opened by fills that carry no reservation (orders placed outside the core).
	DefaultLeverage   int
	DefaultMarginType domain.MarginType

	Now   func() time.Time
	NewID func() string
}

// PositionDelta describes one position change produced by a ledger operation.
type PositionDelta struct {
	Event    domain.PositionEventType
	Position domain.Position
	Quantity domain.Money // Size added or removed by the change
	Realized domain.Money
}

// ToEvent converts the delta into the record published to alerting collaborators.
func (d PositionDelta) ToEvent(ts time.Time) domain.PositionEvent {
	return domain.PositionEvent{
		Type:      d.Event,
		AccountID: d.Position.AccountID,
		Position:  d.Position,
		Realized:  d.Realized,
		Timestamp: ts,
	}
}

// Ledger owns the positions of one account. Every read and mutation happens under mu,
// so fills, ticks, closes and admission reservations never interleave.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	logger ports.Logger

	account      domain.Account
	positions    map[string]*domain.Position // open positions by id
	slots        map[domain.PositionKey]string
	closed       map[string]*domain.Position // terminal positions by id
	marks        map[string]domain.Money
	lastTick     map[string]time.Time
	reservations map[string]*Reservation
	forced       map[string]string // forced-close order id -> position id
}

// New creates an empty ledger for cfg.AccountID.
func New(cfg Config) (*Ledger, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ports.ErrConfigurationError)
	}
	if cfg.Rates == nil {
		return nil, fmt.Errorf("%w: margin rates are required", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.OneWayMode
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	if cfg.DefaultMarginType == "" {
		cfg.DefaultMarginType = domain.MarginCrossed
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Ledger{
		cfg:          cfg,
		logger:       cfg.Logger,
		account:      domain.Account{ID: cfg.AccountID, Asset: cfg.Asset},
		positions:    make(map[string]*domain.Position),
		slots:        make(map[domain.PositionKey]string),
		closed:       make(map[string]*domain.Position),
		marks:        make(map[string]domain.Money),
		lastTick:     make(map[string]time.Time),
		reservations: make(map[string]*Reservation),
		forced:       make(map[string]string),
	}, nil
}

// AccountID returns the owning account id.
func (l *Ledger) AccountID() string { return l.cfg.AccountID }

// Mode returns the position mode of the account.
func (l *Ledger) Mode() domain.PositionMode { return l.cfg.Mode }

// Restore seeds the ledger with persisted state. It only succeeds on an empty ledger.
func (l *Ledger) Restore(acc domain.Account, open []*domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.positions) > 0 || len(l.closed) > 0 {
		return fmt.Errorf("%w: restore into a non-empty ledger", ports.ErrInvalidRequest)
	}
	acc.ID = l.cfg.AccountID
	if acc.Asset == "" {
		acc.Asset = l.cfg.Asset
	}
	acc.ReservedMargin = domain.Zero
	l.account = acc

	for _, p := range open {
		if p == nil || !p.IsOpen() {
			continue
		}
		key := p.Key()
		if _, taken := l.slots[key]; taken {
			return &ports.InvariantViolation{AccountID: l.cfg.AccountID, PositionID: p.ID, Symbol: p.Symbol, Detail: "two open positions restored into one slot"}
		}
		if l.cfg.Mode == domain.OneWayMode {
			if _, taken := l.slots[domain.PositionKey{Symbol: p.Symbol, Side: opposite(p.Side)}]; taken {
				return &ports.InvariantViolation{AccountID: l.cfg.AccountID, PositionID: p.ID, Symbol: p.Symbol, Detail: "both sides restored in one-way mode"}
			}
		}
		c := p.Clone()
		l.positions[c.ID] = c
		l.slots[key] = c.ID
		if !c.MarkPrice.IsZero() {
			l.marks[c.Symbol] = c.MarkPrice
		}
	}
	l.recompute(l.cfg.Now())
	return nil
}

// SetBalance replaces the wallet balance, e.g. after syncing with the exchange.
func (l *Ledger) SetBalance(balance domain.Money) domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account.Balance = balance
	l.recompute(l.cfg.Now())
	return l.account
}

// ApplyFill folds one fill into the ledger. A rejected fill leaves state untouched.
func (l *Ledger) ApplyFill(ctx context.Context, fill domain.FillEvent) ([]PositionDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if posID, ok := l.forced[fill.OrderID]; ok {
		l.logger.Debug(ctx, "ApplyFill: ignoring fill of forced-close order", map[string]interface{}{
			"orderID": fill.OrderID, "positionID": posID, "symbol": fill.Symbol,
		})
		return nil, nil
	}
	if fill.Symbol == "" || !fill.Price.IsPositive() || !fill.Quantity.IsPositive() || fill.Fee.IsNegative() {
		return nil, fmt.Errorf("%w: malformed fill for order %s", ports.ErrInvalidRequest, fill.OrderID)
	}

	plan, err := l.planFill(fill)
	if err != nil {
		l.logger.Warn(ctx, "ApplyFill: rejected fill", map[string]interface{}{
			"orderID": fill.OrderID, "symbol": fill.Symbol, "error": err.Error(),
		})
		return nil, err
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = l.cfg.Now()
	}
	res := l.reservations[fill.OrderID]

	var deltas []PositionDelta
	closeFee := domain.Zero
	if plan.reduce != nil && plan.reduceQty.IsPositive() {
		closeFee = fill.Fee
		if plan.openQty.IsPositive() {
			closeFee = fill.Fee.Mul(plan.reduceQty).Div(fill.Quantity)
		}
		deltas = append(deltas, l.reducePosition(plan.reduce, fill.Price, plan.reduceQty, closeFee, ts))
	}
	if plan.openQty.IsPositive() {
		openFee := fill.Fee.Sub(closeFee)
		if plan.increase != nil {
			deltas = append(deltas, l.increasePosition(plan.increase, fill.Price, plan.openQty, openFee, res, ts))
		} else {
			deltas = append(deltas, l.openPosition(fill.Symbol, plan.openSide, fill.Price, plan.openQty, openFee, res, ts))
		}
	}
	l.consumeReservation(fill.OrderID, fill.Quantity)
	l.recompute(ts)

	// Deltas carry the post-recompute state.
	for i := range deltas {
		if p, ok := l.positions[deltas[i].Position.ID]; ok {
			deltas[i].Position = *p.Clone()
		} else if p, ok := l.closed[deltas[i].Position.ID]; ok {
			deltas[i].Position = *p.Clone()
		}
	}
	return deltas, nil
}

type fillPlan struct {
	reduce    *domain.Position
	reduceQty domain.Money
	increase  *domain.Position
	openSide  domain.PositionSide
	openQty   domain.Money
}

// planFill decides how a fill maps onto positions without mutating anything.
func (l *Ledger) planFill(fill domain.FillEvent) (fillPlan, error) {
	violation := func(posID, detail string) error {
		return &ports.InvariantViolation{AccountID: l.cfg.AccountID, PositionID: posID, Symbol: fill.Symbol, Detail: detail}
	}

	if l.cfg.Mode == domain.HedgeMode {
		side := fill.PositionSide
		if side != domain.Long && side != domain.Short {
			side = domain.SideFor(fill.Side)
			if fill.ReduceOnly {
				side = domain.SideFor(fill.Side.Opposite())
			}
		}
		pos := l.openAt(fill.Symbol, side)
		if fill.Side == side.OpeningSide() {
			if fill.ReduceOnly {
				return fillPlan{}, violation(idOf(pos), "reduce-only fill would increase the position")
			}
			return fillPlan{increase: pos, openSide: side, openQty: fill.Quantity}, nil
		}
		if pos == nil {
			return fillPlan{}, violation("", fmt.Sprintf("reducing fill for %s with no open position", side))
		}
		if fill.Quantity.GreaterThan(pos.Size) {
			return fillPlan{}, violation(pos.ID, fmt.Sprintf("fill %s exceeds position size %s", fill.Quantity, pos.Size))
		}
		return fillPlan{reduce: pos, reduceQty: fill.Quantity}, nil
	}

	// One-way: at most one side per symbol.
	pos := l.openAt(fill.Symbol, domain.Long)
	if pos == nil {
		pos = l.openAt(fill.Symbol, domain.Short)
	}
	if pos == nil {
		if fill.ReduceOnly {
			return fillPlan{}, violation("", "reduce-only fill with no open position")
		}
		return fillPlan{openSide: domain.SideFor(fill.Side), openQty: fill.Quantity}, nil
	}
	if fill.Side == pos.Side.OpeningSide() {
		if fill.ReduceOnly {
			return fillPlan{}, violation(pos.ID, "reduce-only fill would increase the position")
		}
		return fillPlan{increase: pos, openSide: pos.Side, openQty: fill.Quantity}, nil
	}
	if fill.Quantity.LessThanOrEqual(pos.Size) {
		return fillPlan{reduce: pos, reduceQty: fill.Quantity}, nil
	}
	if fill.ReduceOnly {
		return fillPlan{}, violation(pos.ID, fmt.Sprintf("reduce-only fill %s exceeds position size %s", fill.Quantity, pos.Size))
	}
	// Flip: close the whole position and open the remainder on the other side.
	return fillPlan{
		reduce:    pos,
		reduceQty: pos.Size,
		openSide:  opposite(pos.Side),
		openQty:   fill.Quantity.Sub(pos.Size),
	}, nil
}

func (l *Ledger) openPosition(symbol string, side domain.PositionSide, price, qty, fee domain.Money, res *Reservation, ts time.Time) PositionDelta {
	leverage, marginType := l.cfg.DefaultLeverage, l.cfg.DefaultMarginType
	if res != nil {
		if res.Leverage > 0 {
			leverage = res.Leverage
		}
		if res.MarginType != "" {
			marginType = res.MarginType
		}
	}
	p := &domain.Position{
		ID:          l.cfg.NewID(),
		AccountID:   l.cfg.AccountID,
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  price,
		Size:        qty,
		Leverage:    leverage,
		MarginType:  marginType,
		MarkPrice:   price,
		Fees:        fee,
		RealizedPnl: fee.Neg(),
		Status:      domain.StatusOpen,
		CloseReason: domain.CloseReasonUnknown,
		OpenedAt:    ts,
		UpdatedAt:   ts,
	}
	if marginType == domain.MarginIsolated {
		p.IsolatedMargin = p.InitialMargin()
	}
	if _, ok := l.marks[symbol]; !ok {
		l.marks[symbol] = price
	}
	l.positions[p.ID] = p
	l.slots[p.Key()] = p.ID
	l.account.Balance = l.account.Balance.Sub(fee)
	return PositionDelta{Event: domain.PositionOpened, Position: *p, Quantity: qty, Realized: fee.Neg()}
}

func (l *Ledger) increasePosition(p *domain.Position, price, qty, fee domain.Money, res *Reservation, ts time.Time) PositionDelta {
	newSize := p.Size.Add(qty)
	p.EntryPrice = p.EntryPrice.Mul(p.Size).Add(price.Mul(qty)).Div(newSize)
	p.Size = newSize
	if p.MarginType == domain.MarginIsolated {
		leverage := p.Leverage
		if res != nil && res.Leverage > 0 {
			leverage = res.Leverage
		}
		p.IsolatedMargin = p.IsolatedMargin.Add(domain.Notional(price, qty).Div(domain.MInt(int64(leverage))))
	}
	p.Fees = p.Fees.Add(fee)
	p.RealizedPnl = p.RealizedPnl.Sub(fee)
	p.UpdatedAt = ts
	l.account.Balance = l.account.Balance.Sub(fee)
	return PositionDelta{Event: domain.PositionUpdated, Position: *p, Quantity: qty, Realized: fee.Neg()}
}

func (l *Ledger) reducePosition(p *domain.Position, price, qty, fee domain.Money, ts time.Time) PositionDelta {
	net := p.PnlAt(price, qty).Sub(fee)
	if p.MarginType == domain.MarginIsolated {
		released := p.IsolatedMargin.Mul(qty).Div(p.Size)
		p.IsolatedMargin = p.IsolatedMargin.Sub(released)
	}
	p.Size = p.Size.Sub(qty)
	p.Fees = p.Fees.Add(fee)
	p.RealizedPnl = p.RealizedPnl.Add(net)
	p.UpdatedAt = ts
	l.account.Balance = l.account.Balance.Add(net)

	if !p.Size.IsZero() {
		return PositionDelta{Event: domain.PositionUpdated, Position: *p, Quantity: qty, Realized: net}
	}
	l.terminate(p, domain.CloseReasonFilled, ts)
	return PositionDelta{Event: domain.PositionClosed, Position: *p, Quantity: qty, Realized: net}
}

// terminate moves p out of the open set. Caller holds mu.
func (l *Ledger) terminate(p *domain.Position, reason domain.CloseReason, ts time.Time) {
	p.Status = reason.TerminalStatus()
	p.CloseReason = reason
	p.Size = domain.Zero
	p.IsolatedMargin = domain.Zero
	p.UnrealizedPnl = domain.Zero
	p.MaintenanceMargin = domain.Zero
	p.MarginRatio = domain.Zero
	p.LiquidationPrice = domain.Zero
	p.ClosedAt = ts
	p.UpdatedAt = ts
	delete(l.positions, p.ID)
	delete(l.slots, p.Key())
	l.closed[p.ID] = p
}

// ClosePosition forces a position to a terminal state at the last mark price.
// Closing an already terminal position returns its terminal state unchanged.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, reason domain.CloseReason) (PositionDelta, error) {
	d, _, err := l.CloseForOrder(ctx, positionID, reason, "")
	return d, err
}

// CloseForOrder closes positionID like ClosePosition and, in the same critical section,
// binds orderID as the exchange order flattening it so that its fills are ignored.
// closed is false when the position was already terminal; orderID is then not bound.
func (l *Ledger) CloseForOrder(ctx context.Context, positionID string, reason domain.CloseReason, orderID string) (delta PositionDelta, closed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.closed[positionID]; ok {
		return PositionDelta{Event: terminalEvent(p), Position: *p.Clone(), Quantity: domain.Zero, Realized: domain.Zero}, false, nil
	}
	p, ok := l.positions[positionID]
	if !ok {
		return PositionDelta{}, false, fmt.Errorf("%w: %s", ports.ErrPositionNotFound, positionID)
	}
	if orderID != "" {
		l.forced[orderID] = positionID
	}
	size := p.Size

	exit := p.MarkPrice
	if m, ok := l.marks[p.Symbol]; ok {
		exit = m
	}
	realized := p.PnlAt(exit, p.Size)
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	l.account.Balance = l.account.Balance.Add(realized)
	p.MarkPrice = exit

	now := l.cfg.Now()
	l.terminate(p, reason, now)
	l.recompute(now)

	l.logger.Info(ctx, "ClosePosition: position closed", map[string]interface{}{
		"accountID": l.cfg.AccountID, "positionID": p.ID, "symbol": p.Symbol,
		"reason": string(reason), "exitPrice": exit.String(), "realized": realized.String(),
	})
	return PositionDelta{Event: terminalEvent(p), Position: *p.Clone(), Quantity: size, Realized: realized}, true, nil
}

func terminalEvent(p *domain.Position) domain.PositionEventType {
	switch p.CloseReason {
	case domain.CloseReasonLiquidation:
		return domain.PositionLiquidated
	case domain.CloseReasonADL:
		return domain.PositionADL
	default:
		return domain.PositionClosed
	}
}

// SetProtection replaces the stop-loss, take-profit and trailing distance of an open position.
// A nil value clears the level.
func (l *Ledger) SetProtection(positionID string, stopLoss, takeProfit, trailing *domain.Money) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.openByID(positionID)
	if err != nil {
		return domain.Position{}, err
	}
	ref := p.MarkPrice
	below := func(v *domain.Money) bool { return v == nil || v.LessThan(ref) }
	above := func(v *domain.Money) bool { return v == nil || v.GreaterThan(ref) }

	if p.Side == domain.Long && !(below(stopLoss) && above(takeProfit)) ||
		p.Side == domain.Short && !(above(stopLoss) && below(takeProfit)) {
		return domain.Position{}, fmt.Errorf("%w: stop-loss/take-profit on the wrong side of mark %s for %s position", ports.ErrInvalidRequest, ref, p.Side)
	}
	if trailing != nil && !trailing.IsPositive() {
		return domain.Position{}, fmt.Errorf("%w: trailing distance must be positive", ports.ErrInvalidRequest)
	}

	p.StopLoss = copyPtr(stopLoss)
	p.TakeProfit = copyPtr(takeProfit)
	p.TrailingStop = copyPtr(trailing)
	p.TrailingStopPrice = nil
	if trailing != nil {
		p.TrailingStopPrice = domain.Ptr(ref.Sub(trailing.Mul(p.Side.Sign())))
	}
	p.UpdatedAt = l.cfg.Now()
	return *p.Clone(), nil
}

// AdjustIsolatedMargin adds (positive delta) or removes (negative delta) collateral of an isolated position.
func (l *Ledger) AdjustIsolatedMargin(positionID string, delta domain.Money) (domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.openByID(positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if p.MarginType != domain.MarginIsolated {
		return domain.Position{}, fmt.Errorf("%w: position %s is not isolated", ports.ErrInvalidRequest, positionID)
	}
	if delta.IsPositive() && delta.GreaterThan(l.account.AvailableMargin()) {
		return domain.Position{}, fmt.Errorf("%w: adding %s exceeds available margin %s", ports.ErrInsufficientFunds, delta, l.account.AvailableMargin())
	}
	next := p.IsolatedMargin.Add(delta)
	floor := domain.ClampZero(p.MaintenanceMargin.Sub(p.UnrealizedPnl))
	if !next.GreaterThan(floor) {
		return domain.Position{}, fmt.Errorf("%w: margin %s would not cover maintenance requirement %s", ports.ErrInvalidRequest, next, floor)
	}
	p.IsolatedMargin = next
	p.UpdatedAt = l.cfg.Now()
	l.recompute(p.UpdatedAt)
	return *p.Clone(), nil
}

// MarkForcedClose records that orderID closes positionID on the exchange; its fills are ignored.
func (l *Ledger) MarkForcedClose(orderID, positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forced[orderID] = positionID
}

// Position returns a copy of a position, open or terminal.
func (l *Ledger) Position(positionID string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[positionID]; ok {
		return *p.Clone(), true
	}
	if p, ok := l.closed[positionID]; ok {
		return *p.Clone(), true
	}
	return domain.Position{}, false
}

// Account returns a copy of the account state.
func (l *Ledger) Account() domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

func (l *Ledger) openByID(positionID string) (*domain.Position, error) {
	if p, ok := l.positions[positionID]; ok {
		return p, nil
	}
	if _, ok := l.closed[positionID]; ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrPositionTerminal, positionID)
	}
	return nil, fmt.Errorf("%w: %s", ports.ErrPositionNotFound, positionID)
}

func (l *Ledger) openAt(symbol string, side domain.PositionSide) *domain.Position {
	id, ok := l.slots[domain.PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return nil
	}
	return l.positions[id]
}

// sortedOpen returns the open positions in a stable order. Caller holds mu.
func (l *Ledger) sortedOpen() []*domain.Position {
	out := make([]*domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func opposite(s domain.PositionSide) domain.PositionSide {
	if s == domain.Long {
		return domain.Short
	}
	return domain.Long
}

func idOf(p *domain.Position) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func copyPtr(v *domain.Money) *domain.Money {
	if v == nil {
		return nil
	}
	return domain.Ptr(*v)
}
