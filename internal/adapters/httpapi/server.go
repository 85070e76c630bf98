package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/monitor"
	"cryptoRiskGuard/internal/ports"
	"cryptoRiskGuard/internal/risk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ledgers resolves the ledger of an account.
type Ledgers interface {
	Get(accountID string) (*ledger.Ledger, error)
}

// RiskStatus exposes monitor state for reporting.
type RiskStatus interface {
	Tier(accountID string) string
	Level(accountID, positionID string) monitor.Level
	Drawdown(accountID string) []risk.DrawdownStats
}

// TradingState exposes the admission state of an account.
type TradingState interface {
	IsPaused(accountID string) (bool, time.Time, string)
	SizingMultiplier(accountID string) domain.Money
}

// HealthCheck is one named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the operator surface. Trader, Metrics, Alerts and Events are optional;
// without a Trader the API is read-only.
type Config struct {
	Addr    string
	Logger  ports.Logger
	Ledgers Ledgers
	Status  RiskStatus
	Trading TradingState
	Trader  Trader
	Events  ports.PositionEventRepository
	Metrics http.Handler
	Alerts  http.HandlerFunc // Websocket endpoint
	Checks  []HealthCheck
}

// Server is the operator HTTP API.
type Server struct {
	cfg    Config
	router *mux.Router
	srv    *http.Server
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil || cfg.Ledgers == nil || cfg.Status == nil || cfg.Trading == nil {
		return nil, errors.New("http api requires logger, ledgers, status and trading state")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery(s.cfg.Logger))
	r.Use(logging(s.cfg.Logger))

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
	if s.cfg.Alerts != nil {
		r.HandleFunc("/ws/alerts", s.cfg.Alerts).Methods(http.MethodGet)
	}
	r.HandleFunc("/accounts/{id}", s.account).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/risk", s.riskReport).Methods(http.MethodGet)
	if s.cfg.Trader != nil {
		s.tradingRoutes(r)
	}
	if s.cfg.Events != nil {
		r.HandleFunc("/accounts/{id}/events", s.events).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	op := "HTTPServer"
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info(ctx, op+": listening", map[string]interface{}{"addr": s.cfg.Addr})
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cfg.Logger.Info(ctx, op+": shutting down")
		return s.srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.cfg.Checks))}
	code := http.StatusOK
	for _, c := range s.cfg.Checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

type positionView struct {
	ID                string                `json:"id"`
	Symbol            string                `json:"symbol"`
	Side              domain.PositionSide   `json:"side"`
	Status            domain.PositionStatus `json:"status"`
	Size              domain.Money          `json:"size"`
	EntryPrice        domain.Money          `json:"entryPrice"`
	MarkPrice         domain.Money          `json:"markPrice"`
	Leverage          int                   `json:"leverage"`
	MarginType        domain.MarginType     `json:"marginType"`
	IsolatedMargin    domain.Money          `json:"isolatedMargin"`
	LiquidationPrice  domain.Money          `json:"liquidationPrice"`
	MaintenanceMargin domain.Money          `json:"maintenanceMargin"`
	MarginRatio       domain.Money          `json:"marginRatio"`
	UnrealizedPnl     domain.Money          `json:"unrealizedPnl"`
	RealizedPnl       domain.Money          `json:"realizedPnl"`
	StopLoss          *domain.Money         `json:"stopLoss,omitempty"`
	TakeProfit        *domain.Money         `json:"takeProfit,omitempty"`
	TrailingStopPrice *domain.Money         `json:"trailingStopPrice,omitempty"`
	Level             string                `json:"level"`
}

type drawdownView struct {
	Window      domain.DrawdownWindow `json:"window"`
	Peak        domain.Money          `json:"peak"`
	Drawdown    domain.Money          `json:"drawdown"`
	Open        domain.Money          `json:"open"`
	PeriodStart time.Time             `json:"periodStart"`
}

func drawdownViews(stats []risk.DrawdownStats) []drawdownView {
	out := make([]drawdownView, 0, len(stats))
	for _, d := range stats {
		out = append(out, drawdownView{Window: d.Window, Peak: d.Peak, Drawdown: d.Drawdown, Open: d.Open, PeriodStart: d.PeriodStart})
	}
	return out
}

func (s *Server) viewPosition(accountID string, p domain.Position) positionView {
	return positionView{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		Status:            p.Status,
		Size:              p.Size,
		EntryPrice:        p.EntryPrice,
		MarkPrice:         p.MarkPrice,
		Leverage:          p.Leverage,
		MarginType:        p.MarginType,
		IsolatedMargin:    p.IsolatedMargin,
		LiquidationPrice:  p.LiquidationPrice,
		MaintenanceMargin: p.MaintenanceMargin,
		MarginRatio:       p.MarginRatio,
		UnrealizedPnl:     p.UnrealizedPnl,
		RealizedPnl:       p.RealizedPnl,
		StopLoss:          p.StopLoss,
		TakeProfit:        p.TakeProfit,
		TrailingStopPrice: p.TrailingStopPrice,
		Level:             s.cfg.Status.Level(accountID, p.ID).String(),
	}
}

type accountView struct {
	ID               string         `json:"id"`
	Balance          domain.Money   `json:"balance"`
	Equity           domain.Money   `json:"equity"`
	UsedMargin       domain.Money   `json:"usedMargin"`
	ReservedMargin   domain.Money   `json:"reservedMargin"`
	FreeMargin       domain.Money   `json:"freeMargin"`
	Tier             string         `json:"tier"`
	Paused           bool           `json:"paused"`
	PausedUntil      *time.Time     `json:"pausedUntil,omitempty"`
	PauseReason      string         `json:"pauseReason,omitempty"`
	SizingMultiplier domain.Money   `json:"sizingMultiplier"`
	Positions        []positionView `json:"positions"`
	Drawdown         []drawdownView `json:"drawdown"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	led, err := s.cfg.Ledgers.Get(id)
	if err != nil {
		if errors.Is(err, ports.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap := led.Snapshot()
	acc := snap.Account
	view := accountView{
		ID:               acc.ID,
		Balance:          acc.Balance,
		Equity:           acc.Equity,
		UsedMargin:       acc.UsedMargin,
		ReservedMargin:   acc.ReservedMargin,
		FreeMargin:       acc.FreeMargin,
		Tier:             s.cfg.Status.Tier(id),
		SizingMultiplier: s.cfg.Trading.SizingMultiplier(id),
		Positions:        make([]positionView, 0, len(snap.Positions)),
		Drawdown:         drawdownViews(s.cfg.Status.Drawdown(id)),
		UpdatedAt:        acc.UpdatedAt,
	}
	if paused, until, reason := s.cfg.Trading.IsPaused(id); paused {
		view.Paused = true
		view.PauseReason = reason
		if !until.IsZero() {
			view.PausedUntil = &until
		}
	}
	for _, p := range snap.Positions {
		view.Positions = append(view.Positions, s.viewPosition(id, p))
	}
	writeJSON(w, http.StatusOK, view)
}

type eventView struct {
	Type        domain.PositionEventType `json:"type"`
	PositionID  string                   `json:"positionId"`
	Symbol      string                   `json:"symbol"`
	Side        domain.PositionSide      `json:"side"`
	Size        domain.Money             `json:"size"`
	MarkPrice   domain.Money             `json:"markPrice"`
	Realized    domain.Money             `json:"realized"`
	Status      domain.PositionStatus    `json:"status"`
	CloseReason domain.CloseReason       `json:"closeReason,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.cfg.Events.FindPositionEvents(r.Context(), id, limit)
	if err != nil {
		s.cfg.Logger.Error(r.Context(), err, "HTTP: failed to load position events", map[string]interface{}{"accountID": id})
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			Type:        e.Type,
			PositionID:  e.Position.ID,
			Symbol:      e.Position.Symbol,
			Side:        e.Position.Side,
			Size:        e.Position.Size,
			MarkPrice:   e.Position.MarkPrice,
			Realized:    e.Realized,
			Status:      e.Position.Status,
			CloseReason: e.Position.CloseReason,
			Timestamp:   e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
