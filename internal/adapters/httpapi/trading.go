package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"cryptoRiskGuard/internal/admission"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
	"cryptoRiskGuard/internal/risk"
)

// Trader is the operator's write surface: manual orders and position management.
type Trader interface {
	SubmitOrder(ctx context.Context, accountID string, req domain.OrderRequest) (admission.Result, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	ClosePosition(ctx context.Context, accountID, positionID string) (domain.Position, error)
	SetProtection(ctx context.Context, accountID, positionID string, stopLoss, takeProfit, trailing *domain.Money) (domain.Position, error)
	AdjustMargin(ctx context.Context, accountID, positionID string, delta domain.Money) (domain.Position, error)
	SuggestQuantity(accountID, symbol string, price, stopLossPct domain.Money, leverage int) (domain.Money, error)
}

func (s *Server) tradingRoutes(r *mux.Router) {
	r.HandleFunc("/accounts/{id}/orders", s.submitOrder).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/orders/{orderID}", s.cancelOrder).Methods(http.MethodDelete)
	r.HandleFunc("/accounts/{id}/positions/{positionID}/close", s.closePosition).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/positions/{positionID}/protection", s.setProtection).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}/positions/{positionID}/margin", s.adjustMargin).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}/sizing", s.sizing).Methods(http.MethodGet)
}

type orderBody struct {
	Symbol       string              `json:"symbol"`
	Side         domain.OrderSide    `json:"side"`
	PositionSide domain.PositionSide `json:"positionSide"`
	Type         domain.OrderType    `json:"type"`
	Price        *domain.Money       `json:"price"`
	Quantity     domain.Money        `json:"quantity"`
	ReduceOnly   bool                `json:"reduceOnly"`
	Leverage     int                 `json:"leverage"`
	MarginType   domain.MarginType   `json:"marginType"`
}

type resultView struct {
	Accepted       bool                `json:"accepted"`
	Reason         domain.RejectReason `json:"reason,omitempty"`
	Detail         string              `json:"detail,omitempty"`
	OrderID        string              `json:"orderId,omitempty"`
	PositionSide   domain.PositionSide `json:"positionSide,omitempty"`
	ReferencePrice domain.Money        `json:"referencePrice"`
	RequiredMargin domain.Money        `json:"requiredMargin"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body orderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order body: "+err.Error())
		return
	}
	if body.Type == "" {
		body.Type = domain.OrderTypeMarket
	}
	res, err := s.cfg.Trader.SubmitOrder(r.Context(), id, domain.OrderRequest{
		Symbol:       body.Symbol,
		Side:         body.Side,
		PositionSide: body.PositionSide,
		Type:         body.Type,
		Price:        body.Price,
		Quantity:     body.Quantity,
		ReduceOnly:   body.ReduceOnly,
		Leverage:     body.Leverage,
		MarginType:   body.MarginType,
		Source:       domain.ManualSource{},
	})
	if err != nil {
		s.writeTradeError(w, r, err, "submit order")
		return
	}
	code := http.StatusCreated
	if !res.Accepted {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, resultView{
		Accepted:       res.Accepted,
		Reason:         res.Reason,
		Detail:         res.Detail,
		OrderID:        res.OrderID,
		PositionSide:   res.PositionSide,
		ReferencePrice: res.ReferencePrice,
		RequiredMargin: res.RequiredMargin,
	})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.cfg.Trader.CancelOrder(r.Context(), vars["id"], vars["orderID"]); err != nil {
		s.writeTradeError(w, r, err, "cancel order")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pos, err := s.cfg.Trader.ClosePosition(r.Context(), vars["id"], vars["positionID"])
	if err != nil {
		s.writeTradeError(w, r, err, "close position")
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(vars["id"], pos))
}

type protectionBody struct {
	StopLoss     *domain.Money `json:"stopLoss"`
	TakeProfit   *domain.Money `json:"takeProfit"`
	TrailingStop *domain.Money `json:"trailingStop"`
}

func (s *Server) setProtection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body protectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid protection body: "+err.Error())
		return
	}
	pos, err := s.cfg.Trader.SetProtection(r.Context(), vars["id"], vars["positionID"], body.StopLoss, body.TakeProfit, body.TrailingStop)
	if err != nil {
		s.writeTradeError(w, r, err, "set protection")
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(vars["id"], pos))
}

type marginBody struct {
	Delta domain.Money `json:"delta"`
}

func (s *Server) adjustMargin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body marginBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid margin body: "+err.Error())
		return
	}
	if body.Delta.IsZero() {
		writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}
	pos, err := s.cfg.Trader.AdjustMargin(r.Context(), vars["id"], vars["positionID"], body.Delta)
	if err != nil {
		s.writeTradeError(w, r, err, "adjust margin")
		return
	}
	writeJSON(w, http.StatusOK, s.viewPosition(vars["id"], pos))
}

type sizingView struct {
	Symbol   string       `json:"symbol"`
	Quantity domain.Money `json:"quantity"`
}

func (s *Server) sizing(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	symbol := q.Get("symbol")
	price, perr := domain.ParseMoney(q.Get("price"))
	stop, serr := domain.ParseMoney(q.Get("stopLoss"))
	if symbol == "" || perr != nil || serr != nil {
		writeError(w, http.StatusBadRequest, "symbol, price and stopLoss are required")
		return
	}
	leverage := 1
	if v := q.Get("leverage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "leverage must be a positive integer")
			return
		}
		leverage = n
	}
	qty, err := s.cfg.Trader.SuggestQuantity(id, symbol, price, stop, leverage)
	if err != nil {
		s.writeTradeError(w, r, err, "size entry")
		return
	}
	writeJSON(w, http.StatusOK, sizingView{Symbol: symbol, Quantity: qty})
}

type positionRiskView struct {
	ID                  string              `json:"id"`
	Symbol              string              `json:"symbol"`
	Side                domain.PositionSide `json:"side"`
	Notional            domain.Money        `json:"notional"`
	Share               domain.Money        `json:"share"`
	MarginRatio         domain.Money        `json:"marginRatio"`
	LiquidationDistance domain.Money        `json:"liquidationDistance"`
}

type riskView struct {
	AccountID         string                  `json:"accountId"`
	Tier              string                  `json:"tier"`
	Equity            domain.Money            `json:"equity"`
	TotalExposure     domain.Money            `json:"totalExposure"`
	EffectiveLeverage domain.Money            `json:"effectiveLeverage"`
	MarginUsage       domain.Money            `json:"marginUsage"`
	MaxMarginRatio    domain.Money            `json:"maxMarginRatio"`
	DailyPnl          domain.Money            `json:"dailyPnl"`
	DailyPnlPercent   domain.Money            `json:"dailyPnlPercent"`
	Concentration     map[string]domain.Money `json:"concentration"`
	Positions         []positionRiskView      `json:"positions"`
	Drawdown          []drawdownView          `json:"drawdown"`
	GeneratedAt       time.Time               `json:"generatedAt"`
}

func (s *Server) riskReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	led, err := s.cfg.Ledgers.Get(id)
	if err != nil {
		s.writeTradeError(w, r, err, "risk report")
		return
	}
	snap := led.Snapshot()
	windows := s.cfg.Status.Drawdown(id)
	rep := risk.Assess(snap.Account, snap.Positions, windows, time.Now().UTC())

	view := riskView{
		AccountID:         id,
		Tier:              s.cfg.Status.Tier(id),
		Equity:            rep.Equity,
		TotalExposure:     rep.TotalExposure,
		EffectiveLeverage: rep.EffectiveLeverage,
		MarginUsage:       rep.MarginUsage,
		MaxMarginRatio:    rep.MaxMarginRatio,
		DailyPnl:          rep.DailyPnl,
		DailyPnlPercent:   rep.DailyPnlPercent,
		Concentration:     rep.Concentration,
		Positions:         make([]positionRiskView, 0, len(rep.Positions)),
		Drawdown:          drawdownViews(windows),
		GeneratedAt:       rep.GeneratedAt,
	}
	for _, p := range rep.Positions {
		view.Positions = append(view.Positions, positionRiskView(p))
	}
	writeJSON(w, http.StatusOK, view)
}

// writeTradeError maps core errors onto status codes.
func (s *Server) writeTradeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, ports.ErrAccountNotFound), errors.Is(err, ports.ErrPositionNotFound), errors.Is(err, ports.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ports.ErrPositionTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrInvalidRequest), errors.Is(err, ports.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.cfg.Logger.Error(r.Context(), err, "HTTP: "+action+" failed", map[string]interface{}{"path": r.URL.Path})
		writeError(w, http.StatusBadGateway, action+" failed")
	}
}
