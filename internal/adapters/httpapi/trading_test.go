package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoRiskGuard/internal/admission"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

type stubTrader struct {
	req      domain.OrderRequest
	result   admission.Result
	err      error
	canceled string
	closed   string
	sl, tp   *domain.Money
	trailing *domain.Money
	margin   domain.Money
	sizing   []interface{}
}

func (s *stubTrader) SubmitOrder(ctx context.Context, accountID string, req domain.OrderRequest) (admission.Result, error) {
	s.req = req
	return s.result, s.err
}

func (s *stubTrader) CancelOrder(ctx context.Context, accountID, orderID string) error {
	s.canceled = accountID + "/" + orderID
	return s.err
}

func (s *stubTrader) ClosePosition(ctx context.Context, accountID, positionID string) (domain.Position, error) {
	s.closed = accountID + "/" + positionID
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return domain.Position{ID: positionID, Symbol: "BTCUSDT", Side: domain.Long, Status: domain.StatusClosed, CloseReason: domain.CloseReasonManual}, nil
}

func (s *stubTrader) SetProtection(ctx context.Context, accountID, positionID string, stopLoss, takeProfit, trailing *domain.Money) (domain.Position, error) {
	s.sl, s.tp, s.trailing = stopLoss, takeProfit, trailing
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return domain.Position{ID: positionID, Symbol: "BTCUSDT", Side: domain.Long, Status: domain.StatusOpen, StopLoss: stopLoss, TakeProfit: takeProfit}, nil
}

func (s *stubTrader) AdjustMargin(ctx context.Context, accountID, positionID string, delta domain.Money) (domain.Position, error) {
	s.margin = delta
	if s.err != nil {
		return domain.Position{}, s.err
	}
	return domain.Position{ID: positionID, Symbol: "BTCUSDT", Status: domain.StatusOpen, IsolatedMargin: domain.MInt(75)}, nil
}

func (s *stubTrader) SuggestQuantity(accountID, symbol string, price, stopLossPct domain.Money, leverage int) (domain.Money, error) {
	s.sizing = []interface{}{symbol, price.String(), stopLossPct.String(), leverage}
	if s.err != nil {
		return domain.Zero, s.err
	}
	return domain.M("0.05"), nil
}

func newTradingServer(t *testing.T, trader *stubTrader) http.Handler {
	t.Helper()
	srv := newTestServer(t, nil, nil)
	srv.cfg.Trader = trader
	srv.router = srv.routes()
	return srv.Handler()
}

func send(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestServer_SubmitOrder(t *testing.T) {
	trader := &stubTrader{result: admission.Result{Accepted: true, OrderID: "ord-7", PositionSide: domain.Long, ReferencePrice: domain.MInt(50000), RequiredMargin: domain.MInt(50)}}
	h := newTradingServer(t, trader)

	rec := send(t, h, http.MethodPost, "/accounts/acc-1/orders", `{"symbol":"BTCUSDT","side":"BUY","quantity":"0.01","leverage":10,"marginType":"ISOLATED"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"orderId":"ord-7"`)
	assert.Contains(t, rec.Body.String(), `"requiredMargin":"50"`)
	assert.Equal(t, domain.OrderTypeMarket, trader.req.Type)
	assert.True(t, trader.req.Quantity.Equal(domain.M("0.01")))
	assert.Equal(t, 10, trader.req.Leverage)
	assert.Equal(t, "MANUAL", domain.SourceKind(trader.req.Source))

	trader.result = admission.Result{Reason: domain.RejectInsufficientMargin, Detail: "short by 10"}
	rec = send(t, h, http.MethodPost, "/accounts/acc-1/orders", `{"symbol":"BTCUSDT","side":"BUY","quantity":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"InsufficientMargin"`)

	assert.Equal(t, http.StatusBadRequest, send(t, h, http.MethodPost, "/accounts/acc-1/orders", `{"quantity":`).Code)

	trader.err = fmt.Errorf("%w: nope", ports.ErrAccountNotFound)
	assert.Equal(t, http.StatusNotFound, send(t, h, http.MethodPost, "/accounts/nope/orders", `{"symbol":"BTCUSDT"}`).Code)
}

func TestServer_CancelAndClose(t *testing.T) {
	trader := &stubTrader{}
	h := newTradingServer(t, trader)

	assert.Equal(t, http.StatusNoContent, send(t, h, http.MethodDelete, "/accounts/acc-1/orders/ord-3", "").Code)
	assert.Equal(t, "acc-1/ord-3", trader.canceled)

	rec := send(t, h, http.MethodPost, "/accounts/acc-1/positions/pos-1/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acc-1/pos-1", trader.closed)
	assert.Contains(t, rec.Body.String(), `"status":"CLOSED"`)

	trader.err = fmt.Errorf("%w: pos-1", ports.ErrPositionTerminal)
	assert.Equal(t, http.StatusConflict, send(t, h, http.MethodPost, "/accounts/acc-1/positions/pos-1/close", "").Code)
	trader.err = fmt.Errorf("%w: ord-9", ports.ErrOrderNotFound)
	assert.Equal(t, http.StatusNotFound, send(t, h, http.MethodDelete, "/accounts/acc-1/orders/ord-9", "").Code)
	trader.err = fmt.Errorf("cancel order ord-3: %w", ports.ErrExchangeUnavailable)
	assert.Equal(t, http.StatusBadGateway, send(t, h, http.MethodDelete, "/accounts/acc-1/orders/ord-3", "").Code)
}

func TestServer_ProtectionAndMargin(t *testing.T) {
	trader := &stubTrader{}
	h := newTradingServer(t, trader)

	rec := send(t, h, http.MethodPut, "/accounts/acc-1/positions/pos-1/protection", `{"stopLoss":"48000","takeProfit":"55000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, trader.sl)
	assert.True(t, trader.sl.Equal(domain.MInt(48000)))
	assert.True(t, trader.tp.Equal(domain.MInt(55000)))
	assert.Nil(t, trader.trailing)
	assert.Contains(t, rec.Body.String(), `"stopLoss":"48000"`)

	trader.err = fmt.Errorf("%w: wrong side", ports.ErrInvalidRequest)
	assert.Equal(t, http.StatusBadRequest, send(t, h, http.MethodPut, "/accounts/acc-1/positions/pos-1/protection", `{"stopLoss":"60000"}`).Code)
	trader.err = nil

	rec = send(t, h, http.MethodPut, "/accounts/acc-1/positions/pos-1/margin", `{"delta":"25"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, trader.margin.Equal(domain.MInt(25)))
	assert.Contains(t, rec.Body.String(), `"isolatedMargin":"75"`)

	assert.Equal(t, http.StatusBadRequest, send(t, h, http.MethodPut, "/accounts/acc-1/positions/pos-1/margin", `{"delta":"0"}`).Code)
	trader.err = fmt.Errorf("%w: short", ports.ErrInsufficientFunds)
	assert.Equal(t, http.StatusBadRequest, send(t, h, http.MethodPut, "/accounts/acc-1/positions/pos-1/margin", `{"delta":"5000"}`).Code)
}

func TestServer_Sizing(t *testing.T) {
	trader := &stubTrader{}
	h := newTradingServer(t, trader)

	rec := get(t, h, "/accounts/acc-1/sizing?symbol=BTCUSDT&price=50000&stopLoss=0.02&leverage=5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"symbol":"BTCUSDT","quantity":"0.05"}`, rec.Body.String())
	assert.Equal(t, []interface{}{"BTCUSDT", "50000", "0.02", 5}, trader.sizing)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/accounts/acc-1/sizing?symbol=BTCUSDT").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/accounts/acc-1/sizing?symbol=BTCUSDT&price=1&stopLoss=0.02&leverage=x").Code)
}

func TestServer_ReadOnlyWithoutTrader(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := send(t, srv.Handler(), http.MethodPost, "/accounts/acc-1/positions/pos-1/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RiskReport(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := get(t, srv.Handler(), "/accounts/acc-1/risk")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view struct {
		Tier              string            `json:"tier"`
		TotalExposure     string            `json:"totalExposure"`
		EffectiveLeverage string            `json:"effectiveLeverage"`
		MarginUsage       string            `json:"marginUsage"`
		DailyPnl          string            `json:"dailyPnl"`
		Concentration     map[string]string `json:"concentration"`
		Positions         []struct {
			Symbol string `json:"symbol"`
			Share  string `json:"share"`
		} `json:"positions"`
		Drawdown []struct {
			Open string `json:"open"`
		} `json:"drawdown"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "small", view.Tier)
	assert.Equal(t, "500", view.TotalExposure)
	assert.Equal(t, "0.5", view.EffectiveLeverage)
	assert.Equal(t, "0.5", view.MarginUsage)
	assert.Equal(t, "-20", view.DailyPnl) // Equity 1000 against a daily open of 1020
	assert.Equal(t, map[string]string{"BTCUSDT": "1"}, view.Concentration)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "1", view.Positions[0].Share)
	require.Len(t, view.Drawdown, 1)
	assert.Equal(t, "1020", view.Drawdown[0].Open)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/accounts/nope/risk").Code)
}
