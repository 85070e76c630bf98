package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoRiskGuard/internal/admission"
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

type mockSink struct {
	mu     sync.Mutex
	alerts []domain.PositionAlert
	events []domain.PositionEvent
}

func (s *mockSink) PublishAlert(ctx context.Context, a domain.PositionAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *mockSink) PublishPositionEvent(ctx context.Context, e domain.PositionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *mockSink) alertTypes() []domain.AlertType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertType, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Type)
	}
	return out
}

// mockEnforcer closes positions straight in the ledger and records trading controls.
type mockEnforcer struct {
	registry    *ledger.Registry
	closes      []domain.CloseReason
	pausedUntil time.Time
	resumed     int
	multiplier  domain.Money
}

func (e *mockEnforcer) ForceClose(ctx context.Context, accountID, positionID string, reason domain.CloseReason) (ledger.PositionDelta, error) {
	e.closes = append(e.closes, reason)
	led, err := e.registry.Get(accountID)
	if err != nil {
		return ledger.PositionDelta{}, err
	}
	return led.ClosePosition(ctx, positionID, reason)
}

func (e *mockEnforcer) PauseTrading(accountID string, until time.Time, reason string) {
	e.pausedUntil = until
}

func (e *mockEnforcer) ResumeTrading(accountID string) { e.resumed++ }

func (e *mockEnforcer) SetSizingMultiplier(accountID string, m domain.Money) { e.multiplier = m }

type mockGateway struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (g *mockGateway) SubmitOrder(ctx context.Context, o *domain.Order) (domain.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, *o)
	return domain.OrderAck{OrderID: o.ID, ExchangeOrderID: "ex-" + o.ID, Status: domain.OrderOpen}, nil
}

func (g *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

var t0 = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

type fixture struct {
	now      time.Time
	store    *policy.Store
	registry *ledger.Registry
	ledger   *ledger.Ledger
	sink     *mockSink
	enforcer *mockEnforcer
	monitor  *Monitor
}

func testTable() domain.PolicyTable {
	return domain.PolicyTable{
		Tiers: []domain.Tier{
			{Name: "small", MaxBalance: domain.Ptr(domain.M("10000")), RiskPercentage: domain.M("0.01"), MaxLeverage: 20},
			{Name: "large", RiskPercentage: domain.M("0.02"), MaxLeverage: 50},
		},
		Symbols: []domain.SymbolLimits{
			{Symbol: "BTCUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.001"), StepSize: domain.M("0.001"), MaxLeverage: 125},
		},
		Drawdown: []domain.DrawdownLimit{
			{Window: domain.WindowDaily, Threshold: domain.M("0.05"), Rule: domain.RecoveryRule{ReduceSizingBy: domain.M("0.5"), PauseTrading: true, Cooldown: time.Hour}},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0, sink: &mockSink{}}
	store, err := policy.New(testTable())
	require.NoError(t, err)
	f.store = store

	clock := func() time.Time { return f.now }
	seq := 0
	f.registry = ledger.NewRegistry(ledger.Config{
		Rates:  store,
		Logger: &mockLogger{},
		Now:    clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("pos-%d", seq)
		},
	})
	f.ledger, err = f.registry.Open("acc-1")
	require.NoError(t, err)
	f.ledger.SetBalance(domain.M("1000"))

	f.enforcer = &mockEnforcer{registry: f.registry}
	f.monitor, err = New(Config{
		Ledgers:  f.registry,
		Policy:   store,
		Enforcer: f.enforcer,
		Sink:     f.sink,
		Logger:   &mockLogger{},
		Now:      clock,
	})
	require.NoError(t, err)
	return f
}

// openIsolatedLong opens 0.01 BTC at 50000 with 10x isolated margin: liquidation at 45500.
func (f *fixture) openIsolatedLong(t *testing.T) domain.Position {
	t.Helper()
	_, err := f.ledger.Reserve(func(ledger.Snapshot) (*ledger.Reservation, error) {
		return &ledger.Reservation{OrderID: "o1", Symbol: "BTCUSDT", Side: domain.Long, Quantity: domain.M("0.01"), Margin: domain.M("50"), Leverage: 10, MarginType: domain.MarginIsolated, Opening: true}, nil
	})
	require.NoError(t, err)
	deltas, err := f.ledger.ApplyFill(context.Background(), domain.FillEvent{
		AccountID: "acc-1", OrderID: "o1", Symbol: "BTCUSDT", Side: domain.Buy,
		Price: domain.M("50000"), Quantity: domain.M("0.01"), Timestamp: f.now,
	})
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	return deltas[0].Position
}

func (f *fixture) tick(price string) ledger.TickResult {
	f.now = f.now.Add(time.Second)
	return f.ledger.ApplyPriceUpdate(context.Background(), domain.PriceUpdate{Symbol: "BTCUSDT", MarkPrice: domain.M(price), Timestamp: f.now})
}

func TestNextLevel(t *testing.T) {
	th := policy.DefaultThresholds()
	tests := []struct {
		name  string
		cur   Level
		ratio string
		want  Level
	}{
		{"normal stays normal", LevelNormal, "0.5", LevelNormal},
		{"warning threshold", LevelNormal, "0.8", LevelWarning},
		{"straight to liquidation", LevelNormal, "0.99", LevelLiquidation},
		{"warning to critical", LevelWarning, "0.95", LevelCritical},
		{"critical does not step down to warning", LevelCritical, "0.85", LevelCritical},
		{"critical inside the band", LevelCritical, "0.76", LevelCritical},
		{"warning inside the band", LevelWarning, "0.79", LevelWarning},
		{"critical below the band", LevelCritical, "0.74", LevelNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextLevel(tt.cur, domain.M(tt.ratio), th))
		})
	}
}

func TestEvaluate_AlertsOncePerUpwardTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := domain.Position{ID: "p1", AccountID: "acc-1", Symbol: "BTCUSDT", Side: domain.Long, Status: domain.StatusOpen}

	steps := []struct {
		ratio string
		want  []domain.AlertType
		level Level
	}{
		{"0.82", []domain.AlertType{domain.AlertMarginCall}, LevelWarning},
		{"0.83", nil, LevelWarning},
		{"0.91", []domain.AlertType{domain.AlertLiquidationWarning}, LevelCritical},
		{"0.85", nil, LevelCritical},
		{"0.70", nil, LevelNormal},
		{"0.81", []domain.AlertType{domain.AlertMarginCall}, LevelWarning},
	}
	for i, s := range steps {
		pos.MarginRatio = domain.M(s.ratio)
		alerts := f.monitor.Evaluate(ctx, "acc-1", []domain.Position{pos}, nil)
		var got []domain.AlertType
		for _, a := range alerts {
			got = append(got, a.Type)
		}
		assert.Equal(t, s.want, got, "step %d", i)
		assert.Equal(t, s.level, f.monitor.Level("acc-1", "p1"), "step %d", i)
	}
	assert.Empty(t, f.enforcer.closes)
}

func TestEvaluate_LiquidationForcesClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := f.store
	gw := &mockGateway{}
	ctrl, err := admission.NewController(admission.Config{
		Ledgers: f.registry,
		Policy:  store,
		Gateway: gw,
		Logger:  &mockLogger{},
		Now:     func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.monitor.cfg.Enforcer = ctrl

	pos := f.openIsolatedLong(t)
	res := f.tick("45500")
	require.True(t, res.Applied)

	alerts := f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLiquidation, alerts[0].Type)
	assert.True(t, alerts[0].CurrentValue.Equal(domain.One))
	assert.True(t, alerts[0].Threshold.Equal(domain.M("0.975")))

	closed, ok := f.ledger.Position(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusLiquidated, closed.Status)
	assert.Equal(t, domain.CloseReasonLiquidation, closed.CloseReason)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.PositionLiquidated, f.sink.events[0].Type)

	require.Len(t, gw.orders, 1)
	assert.True(t, gw.orders[0].ReduceOnly)
	assert.Equal(t, domain.Sell, gw.orders[0].Side)

	// Further fills and ticks on the liquidated position change nothing.
	balance := f.ledger.Account().Balance
	deltas, err := f.ledger.ApplyFill(ctx, domain.FillEvent{
		AccountID: "acc-1", OrderID: gw.orders[0].ID, Symbol: "BTCUSDT", Side: domain.Sell,
		Price: domain.M("45400"), Quantity: domain.M("0.01"), ReduceOnly: true, Timestamp: f.now,
	})
	require.NoError(t, err)
	assert.Empty(t, deltas)
	res = f.tick("44000")
	assert.Empty(t, res.Updated)
	assert.Empty(t, f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates))
	assert.True(t, f.ledger.Account().Balance.Equal(balance))
	after, _ := f.ledger.Position(pos.ID)
	assert.Equal(t, domain.StatusLiquidated, after.Status)
}

func TestEvaluate_StaleSnapshotAfterLiquidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openIsolatedLong(t)

	// Taken at 0.85 but judged only after the next tick liquidated the position.
	stale := f.tick("46250").Updated
	require.Len(t, stale, 1)
	res := f.tick("45500")
	alerts := f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates)
	require.NotEmpty(t, alerts)
	assert.Equal(t, domain.AlertLiquidation, alerts[0].Type)

	for _, a := range f.monitor.Evaluate(ctx, "acc-1", stale, nil) {
		assert.NotEqual(t, pos.ID, a.PositionID, "stale %s alert", a.Type)
	}
	assert.Equal(t, LevelNormal, f.monitor.Level("acc-1", pos.ID))
	closed, _ := f.ledger.Position(pos.ID)
	assert.Equal(t, domain.StatusLiquidated, closed.Status)
	assert.Equal(t, []domain.CloseReason{domain.CloseReasonLiquidation}, f.enforcer.closes)
}

func TestEvaluate_LowerMaintenanceRateStopsAtCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	table := testTable()
	table.Symbols[0].MaintenanceMarginRate = domain.M("0.004")
	require.NoError(t, f.store.Reload(table))
	f.openIsolatedLong(t)

	// (2 + 45) / 50 = 0.94
	res := f.tick("45500")
	alerts := f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLiquidationWarning, alerts[0].Type)
	assert.True(t, alerts[0].CurrentValue.Equal(domain.M("0.94")))
	assert.Empty(t, f.enforcer.closes)

	// (2 + 48) / 50 = 1
	res = f.tick("45200")
	alerts = f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertLiquidation, alerts[0].Type)
	assert.Equal(t, []domain.CloseReason{domain.CloseReasonLiquidation}, f.enforcer.closes)
}

func TestEvaluate_ProtectionTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openIsolatedLong(t)
	_, err := f.ledger.SetProtection(pos.ID, nil, domain.Ptr(domain.M("51000")), nil)
	require.NoError(t, err)

	res := f.tick("51500")
	require.Len(t, res.Candidates, 1)
	alerts := f.monitor.Evaluate(ctx, "acc-1", res.Updated, res.Candidates)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertProtection, alerts[0].Type)
	assert.True(t, alerts[0].Threshold.Equal(domain.M("51000")))
	assert.True(t, alerts[0].CurrentValue.Equal(domain.M("51500")))
	assert.Equal(t, []domain.CloseReason{domain.CloseReasonTakeProfit}, f.enforcer.closes)

	closed, _ := f.ledger.Position(pos.ID)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonTakeProfit, closed.CloseReason)
}

func TestScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pos := f.openIsolatedLong(t)

	// (5 + 37.5) / 50 = 0.85
	f.tick("46250")
	alerts := f.monitor.Scan(ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertMarginCall, alerts[0].Type)
	assert.Equal(t, pos.ID, alerts[0].PositionID)
	assert.Empty(t, f.monitor.Scan(ctx))

	_, err := f.ledger.ClosePosition(ctx, pos.ID, domain.CloseReasonManual)
	require.NoError(t, err)
	f.monitor.Scan(ctx)
	assert.Equal(t, LevelNormal, f.monitor.Level("acc-1", pos.ID))
}

func TestDrawdownRecoveryRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Empty(t, f.monitor.Evaluate(ctx, "acc-1", nil, nil))

	f.ledger.SetBalance(domain.M("940"))
	alerts := f.monitor.Evaluate(ctx, "acc-1", nil, nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertHighDrawdown, alerts[0].Type)
	assert.True(t, alerts[0].CurrentValue.Equal(domain.M("0.06")))
	assert.True(t, f.enforcer.multiplier.Equal(domain.M("0.5")))
	assert.Equal(t, t0.Add(time.Hour), f.enforcer.pausedUntil)

	// Still crossed, but the limit does not fire twice.
	assert.Empty(t, f.monitor.Evaluate(ctx, "acc-1", nil, nil))

	f.now = t0.Add(2 * time.Hour)
	assert.Empty(t, f.monitor.Evaluate(ctx, "acc-1", nil, nil))
	assert.True(t, f.enforcer.multiplier.Equal(domain.One))
	assert.Equal(t, 1, f.enforcer.resumed)
	assert.Equal(t, []domain.AlertType{domain.AlertHighDrawdown}, f.sink.alertTypes())
}

func TestDrawdown_RestoredPeakSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	table := testTable()
	table.Drawdown = []domain.DrawdownLimit{
		{Window: domain.WindowTotal, Threshold: domain.M("0.25"), Rule: domain.RecoveryRule{ReduceSizingBy: domain.M("0.5")}},
	}
	require.NoError(t, f.store.Reload(table))

	led, err := f.registry.Open("acc-2")
	require.NoError(t, err)
	require.NoError(t, led.Restore(domain.Account{Balance: domain.M("7000"), Equity: domain.M("7000"), PeakEquity: domain.M("10000")}, nil))

	var alerts []domain.PositionAlert
	for _, a := range f.monitor.Scan(ctx) {
		if a.AccountID == "acc-2" {
			alerts = append(alerts, a)
		}
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertHighDrawdown, alerts[0].Type)
	assert.True(t, alerts[0].CurrentValue.Equal(domain.M("0.3")))
	assert.True(t, alerts[0].Threshold.Equal(domain.M("0.25")))
	assert.True(t, f.enforcer.multiplier.Equal(domain.M("0.5")))
}

func TestTierChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.monitor.Evaluate(ctx, "acc-1", nil, nil)
	assert.Equal(t, "small", f.monitor.Tier("acc-1"))
	f.ledger.SetBalance(domain.M("20000"))
	f.monitor.Evaluate(ctx, "acc-1", nil, nil)
	assert.Equal(t, "large", f.monitor.Tier("acc-1"))
}

func TestReportInvariantViolation(t *testing.T) {
	f := newFixture(t)
	v := &ports.InvariantViolation{AccountID: "acc-1", PositionID: "p1", Symbol: "BTCUSDT", Detail: "reduce-only fill exceeds position size"}
	alert := f.monitor.ReportInvariantViolation(context.Background(), v)
	assert.Equal(t, domain.AlertInvariantViolation, alert.Type)
	assert.Equal(t, []domain.AlertType{domain.AlertInvariantViolation}, f.sink.alertTypes())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.monitor.cfg.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
