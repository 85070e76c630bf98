package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cryptoRiskGuard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "risk-guard-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testPosition(id string) *domain.Position {
	return &domain.Position{
		ID:                id,
		AccountID:         "acc-1",
		Symbol:            "BTCUSDT",
		Side:              domain.Long,
		EntryPrice:        domain.M("50000.123456789"),
		Size:              domain.M("0.01"),
		Leverage:          10,
		MarginType:        domain.MarginCrossed,
		MarkPrice:         domain.M("50100"),
		LiquidationPrice:  domain.M("45250"),
		MaintenanceMargin: domain.M("2.5"),
		MarginRatio:       domain.Zero,
		UnrealizedPnl:     domain.M("1"),
		RealizedPnl:       domain.Zero,
		Fees:              domain.M("0.2"),
		ROE:               domain.M("0.02"),
		StopLoss:          domain.Ptr(domain.M("49000")),
		Status:            domain.StatusOpen,
		OpenedAt:          t0,
		UpdatedAt:         t0,
	}
}

func TestRepository_SaveAndFindPosition(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := testPosition("pos-1")
	require.NoError(t, repo.SavePosition(ctx, pos))

	got, err := repo.FindByID(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, domain.Long, got.Side)
	assert.True(t, got.EntryPrice.Equal(pos.EntryPrice), "entry price lost precision: %s", got.EntryPrice)
	assert.True(t, got.Size.Equal(domain.M("0.01")))
	assert.Equal(t, 10, got.Leverage)
	require.NotNil(t, got.StopLoss)
	assert.True(t, got.StopLoss.Equal(domain.M("49000")))
	assert.Nil(t, got.TakeProfit)
	assert.Nil(t, got.TrailingStopPrice)
	assert.True(t, got.OpenedAt.Equal(t0))
	assert.True(t, got.ClosedAt.IsZero())

	missing, err := repo.FindByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_UpdatePosition(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := testPosition("pos-1")
	require.NoError(t, repo.SavePosition(ctx, pos))

	pos.Size = domain.Zero
	pos.Status = domain.StatusLiquidated
	pos.CloseReason = domain.CloseReasonLiquidation
	pos.RealizedPnl = domain.M("-45.5")
	pos.StopLoss = nil
	pos.ClosedAt = t0.Add(time.Hour)
	pos.UpdatedAt = pos.ClosedAt
	require.NoError(t, repo.SavePosition(ctx, pos))

	got, err := repo.FindByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLiquidated, got.Status)
	assert.Equal(t, domain.CloseReasonLiquidation, got.CloseReason)
	assert.True(t, got.Size.IsZero())
	assert.Nil(t, got.StopLoss)
	assert.True(t, got.ClosedAt.Equal(t0.Add(time.Hour)))
}

func TestRepository_FindOpenByAccount(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	open := testPosition("pos-1")
	closed := testPosition("pos-2")
	closed.Status = domain.StatusClosed
	closed.ClosedAt = t0
	other := testPosition("pos-3")
	other.AccountID = "acc-2"
	later := testPosition("pos-4")
	later.Symbol = "ETHUSDT"
	later.OpenedAt = t0.Add(time.Minute)
	for _, p := range []*domain.Position{later, open, closed, other} {
		require.NoError(t, repo.SavePosition(ctx, p))
	}

	got, err := repo.FindOpenByAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pos-1", got[0].ID)
	assert.Equal(t, "pos-4", got[1].ID)

	none, err := repo.FindOpenByAccount(ctx, "acc-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_GetTotalProfit(t *testing.T) {
	tests := []struct {
		name    string
		pnls    []string
		want    string
		account string
	}{
		{name: "no positions", pnls: nil, want: "0", account: "acc-1"},
		{name: "mixed results", pnls: []string{"10.1", "-3.05", "0.0000001"}, want: "7.0500001", account: "acc-1"},
		{name: "other account", pnls: []string{"10"}, want: "0", account: "acc-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()
			ctx := context.Background()

			for i, pnl := range tt.pnls {
				p := testPosition("closed-" + string(rune('a'+i)))
				p.Status = domain.StatusClosed
				p.RealizedPnl = domain.M(pnl)
				p.ClosedAt = t0
				require.NoError(t, repo.SavePosition(ctx, p))
			}
			// Open positions never count.
			openPos := testPosition("open")
			openPos.RealizedPnl = domain.M("100")
			require.NoError(t, repo.SavePosition(ctx, openPos))

			total, err := repo.GetTotalProfit(ctx, tt.account)
			require.NoError(t, err)
			assert.True(t, total.Equal(domain.M(tt.want)), "got %s want %s", total, tt.want)
		})
	}
}

func TestRepository_Accounts(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acc := &domain.Account{
		ID: "acc-1", Asset: "USDT", Balance: domain.MInt(1000), Equity: domain.MInt(1000),
		UsedMargin: domain.Zero, ReservedMargin: domain.Zero, FreeMargin: domain.MInt(1000),
		PeakEquity: domain.MInt(1000), UpdatedAt: t0,
	}
	require.NoError(t, repo.SaveAccount(ctx, acc))
	acc.Balance = domain.M("954.5")
	require.NoError(t, repo.SaveAccount(ctx, acc))
	require.NoError(t, repo.SaveAccount(ctx, &domain.Account{ID: "acc-0", Asset: "USDT", UpdatedAt: t0}))

	got, err := repo.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Balance.Equal(domain.M("954.5")))
	assert.True(t, got.PeakEquity.Equal(domain.MInt(1000)))

	all, err := repo.FindAllAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acc-0", all[0].ID)

	missing, err := repo.FindAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_Orders(t *testing.T) {
	tests := []struct {
		name   string
		source domain.OrderSource
	}{
		{name: "manual", source: domain.ManualSource{}},
		{name: "signal", source: domain.SignalSource{SignalID: "sig-7", Strategy: "ma-cross"}},
		{name: "protection", source: domain.ProtectionSource{Trigger: domain.CloseReasonStopLoss}},
		{name: "liquidation", source: domain.LiquidationSource{Reason: domain.CloseReasonLiquidation}},
		{name: "opaque", source: domain.OpaqueSource{Kind: "webhook", Fields: map[string]string{"hook": "tv"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()
			ctx := context.Background()

			o := &domain.Order{
				ID:        "ord-1",
				AccountID: "acc-1",
				OrderRequest: domain.OrderRequest{
					Symbol: "BTCUSDT", Side: domain.Buy, Type: domain.OrderTypeLimit,
					Price: domain.Ptr(domain.M("49999.5")), Quantity: domain.M("0.01"),
					Leverage: 10, MarginType: domain.MarginCrossed, Source: tt.source,
				},
				FilledQty: domain.Zero,
				Status:    domain.OrderPending,
				CreatedAt: t0,
				UpdatedAt: t0,
			}
			require.NoError(t, repo.SaveOrder(ctx, o))

			o.Status = domain.OrderFilled
			o.FilledQty = domain.M("0.01")
			o.ExchangeOrderID = "123"
			require.NoError(t, repo.SaveOrder(ctx, o))

			got, err := repo.FindOrder(ctx, "ord-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, domain.OrderFilled, got.Status)
			assert.Equal(t, "123", got.ExchangeOrderID)
			assert.True(t, got.FilledQty.Equal(domain.M("0.01")))
			require.NotNil(t, got.Price)
			assert.True(t, got.Price.Equal(domain.M("49999.5")))
			assert.False(t, got.ReduceOnly)
			assert.Equal(t, tt.source, got.Source)
		})
	}
}

func TestRepository_PositionEvents(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := testPosition("pos-1")
	opened := &domain.PositionEvent{Type: domain.PositionOpened, AccountID: "acc-1", Position: *pos, Realized: domain.M("-0.2"), Timestamp: t0}
	id1, err := repo.SavePositionEvent(ctx, opened)
	require.NoError(t, err)

	pos.Status = domain.StatusLiquidated
	pos.CloseReason = domain.CloseReasonLiquidation
	liquidated := &domain.PositionEvent{Type: domain.PositionLiquidated, AccountID: "acc-1", Position: *pos, Realized: domain.M("-45.5"), Timestamp: t0.Add(time.Hour)}
	id2, err := repo.SavePositionEvent(ctx, liquidated)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	events, err := repo.FindPositionEvents(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.PositionLiquidated, events[0].Type)
	assert.Equal(t, domain.CloseReasonLiquidation, events[0].Position.CloseReason)
	assert.True(t, events[0].Realized.Equal(domain.M("-45.5")))
	assert.Equal(t, domain.PositionOpened, events[1].Type)

	limited, err := repo.FindPositionEvents(ctx, "acc-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
