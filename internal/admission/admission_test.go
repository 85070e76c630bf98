package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/policy"
	"cryptoRiskGuard/internal/ports"
)

// Mock implementations
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockGateway struct {
	mu        sync.Mutex
	submitted []domain.Order
	canceled  []string
	submitErr error
	block     chan struct{}
	entered   chan string
}

func (m *mockGateway) SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderAck, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, *order)
	block, entered, err := m.block, m.entered, m.submitErr
	m.mu.Unlock()

	if entered != nil {
		entered <- order.ID
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.OrderAck{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: order.ID, ExchangeOrderID: "ex-" + order.ID, Status: domain.OrderOpen}, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled = append(m.canceled, orderID)
	return nil
}

func (m *mockGateway) orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Order(nil), m.submitted...)
}

type mockOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func (m *mockOrders) SaveOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orders == nil {
		m.orders = make(map[string]domain.Order)
	}
	m.orders[o.ID] = *o
	return nil
}

func (m *mockOrders) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testTable() domain.PolicyTable {
	return domain.PolicyTable{
		Tiers: []domain.Tier{
			{Name: "small", MaxBalance: domain.Ptr(domain.M("10000")), RiskPercentage: domain.M("0.01"), MaxLeverage: 10, MaxPositionSizePercent: domain.M("0.5")},
			{Name: "large", RiskPercentage: domain.M("0.02"), MaxLeverage: 20, MaxPositionSizePercent: domain.M("0.5")},
		},
		Symbols: []domain.SymbolLimits{
			{Symbol: "BTCUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.001"), MaxQuantity: domain.M("100"), StepSize: domain.M("0.001"), MinNotional: domain.M("10"), MaxLeverage: 125},
			{Symbol: "ETHUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.01"), MaxQuantity: domain.M("1000"), StepSize: domain.M("0.01"), MinNotional: domain.M("10"), MaxLeverage: 100},
			{Symbol: "SOLUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.1"), MaxLeverage: 50},
			{Symbol: "XRPUSDT", Enabled: true, TradingEnabled: false, MaxLeverage: 50},
		},
	}
}

type fixture struct {
	store    *policy.Store
	registry *ledger.Registry
	ledger   *ledger.Ledger
	ctrl     *Controller
	gateway  *mockGateway
	orders   *mockOrders
}

func newFixture(t *testing.T, table domain.PolicyTable) *fixture {
	t.Helper()
	store, err := policy.New(table)
	require.NoError(t, err)

	now := func() time.Time { return t0 }
	var mu sync.Mutex
	seq := 0
	newID := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%d", seq)
	}

	registry := ledger.NewRegistry(ledger.Config{Rates: store, Logger: &mockLogger{}, Now: now, NewID: newID})
	led, err := registry.Open("acc-1")
	require.NoError(t, err)
	led.SetBalance(domain.M("1000"))
	ctx := context.Background()
	led.ApplyPriceUpdate(ctx, domain.PriceUpdate{Symbol: "BTCUSDT", MarkPrice: domain.M("50000"), Timestamp: t0})
	led.ApplyPriceUpdate(ctx, domain.PriceUpdate{Symbol: "ETHUSDT", MarkPrice: domain.M("500"), Timestamp: t0})

	gw := &mockGateway{}
	orders := &mockOrders{}
	ctrl, err := NewController(Config{
		Ledgers:      registry,
		Policy:       store,
		Gateway:      gw,
		Orders:       orders,
		Logger:       &mockLogger{},
		EntryTimeout: 50 * time.Millisecond,
		ExitTimeout:  50 * time.Millisecond,
		Now:          now,
		NewID:        newID,
	})
	require.NoError(t, err)
	return &fixture{store: store, registry: registry, ledger: led, ctrl: ctrl, gateway: gw, orders: orders}
}

func (f *fixture) input(req domain.OrderRequest) Input {
	snap := f.ledger.Snapshot()
	in := Input{Request: req, Snapshot: snap, Policy: f.store.ResolvePolicy(snap.Account.Balance), SizingMultiplier: domain.One}
	if lim, ok := f.store.SymbolLimits(req.Symbol); ok {
		in.Limits = &lim
	}
	return in
}

func buy(symbol, qty string, leverage int) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:     symbol,
		Side:       domain.Buy,
		Type:       domain.OrderTypeMarket,
		Quantity:   domain.M(qty),
		Leverage:   leverage,
		MarginType: domain.MarginCrossed,
		Source:     domain.ManualSource{},
	}
}

func TestCheck_LeverageAboveTierCap(t *testing.T) {
	table := testTable()
	table.Tiers = []domain.Tier{{Name: "only", MaxBalance: domain.Ptr(domain.M("10000")), RiskPercentage: domain.M("0.01"), MaxLeverage: 10}}
	f := newFixture(t, table)
	f.ledger.SetBalance(domain.M("5000"))

	res := Check(f.input(buy("BTCUSDT", "0.001", 15)))
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectMaxLeverageExceeded, res.Reason)
}

func TestCheck_MinNotional(t *testing.T) {
	f := newFixture(t, testTable())
	// 0.01 ETH at 500 is 5 USDT against a minimum of 10
	res := Check(f.input(buy("ETHUSDT", "0.01", 5)))
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectMinNotional, res.Reason)
}

func TestCheck_Reasons(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		req   domain.OrderRequest
		want  domain.RejectReason
	}{
		{name: "accepted", req: buy("BTCUSDT", "0.001", 10), want: domain.RejectNone},
		{name: "unknown symbol", req: buy("DOGEUSDT", "1", 10), want: domain.RejectSymbolDisabled},
		{name: "trading disabled", req: buy("XRPUSDT", "1", 10), want: domain.RejectSymbolDisabled},
		{name: "below min quantity", req: buy("BTCUSDT", "0.0005", 10), want: domain.RejectLotSize},
		{name: "off step", req: buy("BTCUSDT", "0.0015", 10), want: domain.RejectLotSize},
		{name: "above max quantity", req: buy("BTCUSDT", "200", 10), want: domain.RejectLotSize},
		{name: "no price", req: buy("SOLUSDT", "1", 10), want: domain.RejectPriceUnavailable},
		{name: "zero leverage", req: buy("BTCUSDT", "0.001", 0), want: domain.RejectMaxLeverageExceeded},
		{name: "margin above cap", req: buy("BTCUSDT", "0.1", 5), want: domain.RejectInsufficientMargin},
		{name: "zero quantity", req: buy("BTCUSDT", "0", 5), want: domain.RejectInvalidRequest},
		{
			name: "reduce-only without position",
			req: func() domain.OrderRequest {
				r := buy("BTCUSDT", "0.001", 10)
				r.Side = domain.Sell
				r.ReduceOnly = true
				return r
			}(),
			want: domain.RejectInvalidReduceOnly,
		},
		{
			name: "privileged order must reduce",
			req: func() domain.OrderRequest {
				r := buy("BTCUSDT", "0.001", 10)
				r.Source = domain.LiquidationSource{Reason: domain.CloseReasonLiquidation}
				return r
			}(),
			want: domain.RejectInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testTable())
			if tt.setup != nil {
				tt.setup(f)
			}
			res := Check(f.input(tt.req))
			assert.Equal(t, tt.want, res.Reason, res.Detail)
			assert.Equal(t, tt.want == domain.RejectNone, res.Accepted)
		})
	}
}

func TestCheck_AcceptedCarriesMargin(t *testing.T) {
	f := newFixture(t, testTable())
	res := Check(f.input(buy("BTCUSDT", "0.001", 10)))
	require.True(t, res.Accepted)
	assert.Equal(t, domain.Long, res.PositionSide)
	assert.True(t, res.RequiredMargin.Equal(domain.M("5")), res.RequiredMargin.String())
	assert.True(t, res.ReferencePrice.Equal(domain.M("50000")))
}

func TestCheck_ReduceOnly(t *testing.T) {
	f := newFixture(t, testTable())
	_, err := f.ledger.ApplyFill(context.Background(), domain.FillEvent{
		AccountID: "acc-1", OrderID: "o1", Symbol: "BTCUSDT", Side: domain.Buy,
		Price: domain.M("50000"), Quantity: domain.M("0.01"), Timestamp: t0,
	})
	require.NoError(t, err)

	exit := func(side domain.OrderSide, qty string) domain.OrderRequest {
		r := buy("BTCUSDT", qty, 10)
		r.Side = side
		r.ReduceOnly = true
		return r
	}

	res := Check(f.input(exit(domain.Sell, "0.01")))
	assert.True(t, res.Accepted, res.Detail)
	assert.True(t, res.RequiredMargin.IsZero())
	assert.Equal(t, domain.Long, res.PositionSide)

	res = Check(f.input(exit(domain.Sell, "0.02")))
	assert.Equal(t, domain.RejectInvalidReduceOnly, res.Reason)

	res = Check(f.input(exit(domain.Buy, "0.01")))
	assert.Equal(t, domain.RejectInvalidReduceOnly, res.Reason)

	// The leverage cap binds exits too and is checked before the reduce-only rule.
	over := exit(domain.Sell, "0.01")
	over.Leverage = 15
	res = Check(f.input(over))
	assert.Equal(t, domain.RejectMaxLeverageExceeded, res.Reason)
	over = exit(domain.Buy, "0.01")
	over.Leverage = 15
	res = Check(f.input(over))
	assert.Equal(t, domain.RejectMaxLeverageExceeded, res.Reason)
}

func TestCheck_MaxPositions(t *testing.T) {
	table := testTable()
	table.MaxPositions = 1
	table.MaxPositionsPerSymbol = 2
	f := newFixture(t, table)
	_, err := f.ledger.ApplyFill(context.Background(), domain.FillEvent{
		AccountID: "acc-1", OrderID: "o1", Symbol: "ETHUSDT", Side: domain.Buy,
		Price: domain.M("500"), Quantity: domain.M("0.1"), Timestamp: t0,
	})
	require.NoError(t, err)

	res := Check(f.input(buy("BTCUSDT", "0.001", 10)))
	assert.Equal(t, domain.RejectMaxPositionsExceeded, res.Reason)

	// Adding to the existing slot does not open a new position.
	res = Check(f.input(buy("ETHUSDT", "0.1", 10)))
	assert.True(t, res.Accepted, res.Detail)

	// A pending opening order on ETHUSDT counts against the per-symbol cap.
	_, err = f.ledger.Reserve(func(ledger.Snapshot) (*ledger.Reservation, error) {
		return &ledger.Reservation{OrderID: "pending", Symbol: "ETHUSDT", Side: domain.Long, Quantity: domain.M("0.1"), Margin: domain.M("5"), Opening: true}, nil
	})
	require.NoError(t, err)
	res = Check(f.input(buy("ETHUSDT", "0.1", 10)))
	assert.Equal(t, domain.RejectMaxPositionsExceeded, res.Reason)
}

func TestCheck_SizingMultiplierShrinksCap(t *testing.T) {
	f := newFixture(t, testTable())
	// 0.04 BTC at 50000 with 5x needs 400 of a 500 cap
	in := f.input(buy("BTCUSDT", "0.04", 5))
	assert.True(t, Check(in).Accepted)
	in.SizingMultiplier = domain.M("0.5")
	assert.Equal(t, domain.RejectInsufficientMargin, Check(in).Reason)
}

func TestCheck_Deterministic(t *testing.T) {
	f := newFixture(t, testTable())
	for _, req := range []domain.OrderRequest{buy("BTCUSDT", "0.001", 10), buy("BTCUSDT", "0.1", 5), buy("ETHUSDT", "0.01", 5)} {
		in := f.input(req)
		first := Check(in)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Check(in))
		}
	}
}

func TestSubmit_ConcurrentReservationsAreVisible(t *testing.T) {
	f := newFixture(t, testTable())
	f.ctrl.cfg.EntryTimeout = 5 * time.Second
	f.gateway.block = make(chan struct{})
	f.gateway.entered = make(chan string, 1)

	type outcome struct {
		res Result
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.04", 5))
		firstDone <- outcome{res, err}
	}()

	// The first order is reserved and parked inside the gateway.
	<-f.gateway.entered
	assert.True(t, f.ledger.Account().ReservedMargin.Equal(domain.M("400")))

	second, err := f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.04", 5))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, domain.RejectInsufficientMargin, second.Reason)

	close(f.gateway.block)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.True(t, first.res.Accepted)
	assert.Len(t, f.gateway.orders(), 1)
	assert.True(t, f.ledger.Account().ReservedMargin.Equal(domain.M("400")), "reservation stays until the order fills")
}

func TestSubmit_GatewayTimeoutReleasesReservation(t *testing.T) {
	f := newFixture(t, testTable())
	f.gateway.block = make(chan struct{}) // never answers

	res, err := f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.04", 5))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectGatewayTimeout, res.Reason)
	assert.True(t, f.ledger.Account().ReservedMargin.IsZero())

	saved, err := f.orders.FindOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, domain.OrderRejected, saved.Status)
	assert.Equal(t, domain.RejectGatewayTimeout, saved.RejectReason)

	// The caller may resubmit once the gateway recovers.
	f.gateway.block = nil
	res, err = f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.04", 5))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestSubmit_GatewayErrorIsTreatedAsTimeout(t *testing.T) {
	f := newFixture(t, testTable())
	f.gateway.submitErr = fmt.Errorf("retries exhausted: %w", ports.ErrConnectionFailed)

	res, err := f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.001", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.RejectGatewayTimeout, res.Reason)
	_, tracked := f.ctrl.Order(res.OrderID)
	assert.False(t, tracked)
}

func TestSubmit_Paused(t *testing.T) {
	f := newFixture(t, testTable())
	_, err := f.ledger.ApplyFill(context.Background(), domain.FillEvent{
		AccountID: "acc-1", OrderID: "o1", Symbol: "BTCUSDT", Side: domain.Buy,
		Price: domain.M("50000"), Quantity: domain.M("0.001"), Timestamp: t0,
	})
	require.NoError(t, err)
	f.ctrl.PauseTrading("acc-1", t0.Add(time.Hour), "daily drawdown")

	res, err := f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.001", 10))
	require.NoError(t, err)
	assert.Equal(t, domain.RejectTradingPaused, res.Reason)

	exit := buy("BTCUSDT", "0.001", 10)
	exit.Side = domain.Sell
	exit.ReduceOnly = true
	res, err = f.ctrl.Submit(context.Background(), "acc-1", exit)
	require.NoError(t, err)
	assert.True(t, res.Accepted, "exits stay allowed while paused: %s", res.Detail)

	f.ctrl.ResumeTrading("acc-1")
	res, err = f.ctrl.Submit(context.Background(), "acc-1", buy("BTCUSDT", "0.001", 10))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestSubmit_FillBeforeAckKeepsFilledStatus(t *testing.T) {
	f := newFixture(t, testTable())
	ctx := context.Background()
	f.ctrl.cfg.EntryTimeout = time.Second
	f.gateway.block = make(chan struct{})
	f.gateway.entered = make(chan string, 1)

	done := make(chan Result, 1)
	go func() {
		res, err := f.ctrl.Submit(ctx, "acc-1", buy("BTCUSDT", "0.002", 10))
		assert.NoError(t, err)
		done <- res
	}()

	// The user-data stream reports the full fill while the REST call is still in flight.
	orderID := <-f.gateway.entered
	order, ok := f.ctrl.OnFill(ctx, domain.FillEvent{
		AccountID: "acc-1", OrderID: orderID, Symbol: "BTCUSDT", Side: domain.Buy,
		Price: domain.M("50000"), Quantity: domain.M("0.002"), Timestamp: t0,
	})
	require.True(t, ok)
	assert.Equal(t, domain.OrderFilled, order.Status)
	close(f.gateway.block)

	res := <-done
	require.True(t, res.Accepted, res.Detail)
	stored, err := f.orders.FindOrder(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.OrderFilled, stored.Status)
	assert.Equal(t, "ex-"+orderID, stored.ExchangeOrderID)
	_, tracked := f.ctrl.Order(orderID)
	assert.False(t, tracked)
}

func TestSubmit_UnknownAccount(t *testing.T) {
	f := newFixture(t, testTable())
	_, err := f.ctrl.Submit(context.Background(), "nobody", buy("BTCUSDT", "0.001", 10))
	assert.True(t, errors.Is(err, ports.ErrAccountNotFound))
}

func TestForceClose(t *testing.T) {
	f := newFixture(t, testTable())
	ctx := context.Background()
	deltas, err := f.ledger.ApplyFill(ctx, domain.FillEvent{
		AccountID: "acc-1", OrderID: "o1", Symbol: "BTCUSDT", Side: domain.Buy,
		Price: domain.M("50000"), Quantity: domain.M("0.01"), Timestamp: t0,
	})
	require.NoError(t, err)
	posID := deltas[0].Position.ID

	delta, err := f.ctrl.ForceClose(ctx, "acc-1", posID, domain.CloseReasonLiquidation)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionLiquidated, delta.Event)
	assert.Equal(t, domain.StatusLiquidated, delta.Position.Status)

	sent := f.gateway.orders()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.Sell, sent[0].Side)
	assert.True(t, sent[0].ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, sent[0].Type)
	assert.True(t, sent[0].Quantity.Equal(domain.M("0.01")))
	assert.Equal(t, domain.LiquidationSource{Reason: domain.CloseReasonLiquidation}, sent[0].Source)

	// The close order's own fill does not reopen anything.
	out, err := f.ledger.ApplyFill(ctx, domain.FillEvent{
		AccountID: "acc-1", OrderID: sent[0].ID, Symbol: "BTCUSDT", Side: domain.Sell,
		Price: domain.M("49900"), Quantity: domain.M("0.01"), ReduceOnly: true, Timestamp: t0,
	})
	require.NoError(t, err)
	assert.Empty(t, out)

	again, err := f.ctrl.ForceClose(ctx, "acc-1", posID, domain.CloseReasonLiquidation)
	require.NoError(t, err)
	assert.Equal(t, posID, again.Position.ID)
	assert.Equal(t, domain.StatusLiquidated, again.Position.Status)
	assert.True(t, again.Quantity.IsZero())
	assert.Len(t, f.gateway.orders(), 1, "a terminal position is not closed twice on the exchange")
}

func TestCancelAndOnFill(t *testing.T) {
	f := newFixture(t, testTable())
	ctx := context.Background()

	res, err := f.ctrl.Submit(ctx, "acc-1", buy("BTCUSDT", "0.002", 10))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.True(t, f.ledger.Account().ReservedMargin.Equal(domain.M("10")))

	require.NoError(t, f.ctrl.Cancel(ctx, "acc-1", res.OrderID))
	assert.True(t, f.ledger.Account().ReservedMargin.IsZero())
	assert.Equal(t, []string{res.OrderID}, f.gateway.canceled)
	assert.ErrorIs(t, f.ctrl.Cancel(ctx, "acc-1", res.OrderID), ports.ErrOrderNotFound)

	res, err = f.ctrl.Submit(ctx, "acc-1", buy("BTCUSDT", "0.002", 10))
	require.NoError(t, err)
	fill := domain.FillEvent{AccountID: "acc-1", OrderID: res.OrderID, Symbol: "BTCUSDT", Side: domain.Buy, Price: domain.M("50000"), Quantity: domain.M("0.001"), Timestamp: t0}
	order, ok := f.ctrl.OnFill(ctx, fill)
	require.True(t, ok)
	assert.Equal(t, domain.OrderOpen, order.Status)
	order, ok = f.ctrl.OnFill(ctx, fill)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFilled, order.Status)
	_, tracked := f.ctrl.Order(res.OrderID)
	assert.False(t, tracked)
}

func TestSuggestQuantity(t *testing.T) {
	f := newFixture(t, testTable())
	// 1000 * 0.01 / 0.02 * 10 = 5000 notional, at the 1000 * 0.5 * 10 cap
	qty, err := f.ctrl.SuggestQuantity("acc-1", "BTCUSDT", domain.M("50000"), domain.M("0.02"), 10)
	require.NoError(t, err)
	assert.True(t, qty.Equal(domain.M("0.1")), qty.String())

	f.ctrl.SetSizingMultiplier("acc-1", domain.M("0.5"))
	qty, err = f.ctrl.SuggestQuantity("acc-1", "BTCUSDT", domain.M("50000"), domain.M("0.02"), 10)
	require.NoError(t, err)
	assert.True(t, qty.Equal(domain.M("0.05")), qty.String())

	f.ctrl.SetSizingMultiplier("acc-1", domain.One)
	assert.True(t, f.ctrl.SizingMultiplier("acc-1").Equal(domain.One))
}
