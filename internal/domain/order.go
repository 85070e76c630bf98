package domain

import "time"

// OrderType mirrors the futures order types the core reasons about.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus is the local lifecycle of an order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
	OrderRejected OrderStatus = "rejected"
)

// IsTerminal reports whether the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// RejectReason is the code returned to callers when an order is not admitted.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectSymbolDisabled       RejectReason = "SymbolDisabled"
	RejectLotSize              RejectReason = "LotSize"
	RejectMinNotional          RejectReason = "MinNotional"
	RejectMaxLeverageExceeded  RejectReason = "MaxLeverageExceeded"
	RejectInsufficientMargin   RejectReason = "InsufficientMargin"
	RejectInvalidReduceOnly    RejectReason = "InvalidReduceOnly"
	RejectMaxPositionsExceeded RejectReason = "MaxPositionsExceeded"
	RejectGatewayTimeout       RejectReason = "GatewayTimeout"
	RejectTradingPaused        RejectReason = "TradingPaused"
	RejectPriceUnavailable     RejectReason = "PriceUnavailable"
	RejectInvalidRequest       RejectReason = "InvalidRequest"
)

// OrderRequest is a caller's proposal, before admission.
type OrderRequest struct {
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide // Required in hedge mode, ignored in one-way mode
	Type         OrderType
	Price        *Money // Limit/stop price; nil for market orders
	Quantity     Money
	ReduceOnly   bool
	Leverage     int
	MarginType   MarginType
	Source       OrderSource
}

// IsExit reports whether the request only reduces exposure.
func (r OrderRequest) IsExit() bool {
	return r.ReduceOnly
}

// Order is a request that passed admission and is tracked until it is terminal.
type Order struct {
	ID              string
	ExchangeOrderID string
	AccountID       string
	OrderRequest
	FilledQty    Money
	Status       OrderStatus
	RejectReason RejectReason
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TargetSide returns the position slot the order acts on for the given mode.
func (r OrderRequest) TargetSide(mode PositionMode) PositionSide {
	if mode == HedgeMode && r.PositionSide != "" {
		return r.PositionSide
	}
	if r.ReduceOnly {
		// A reduce-only order acts on the side it closes.
		return SideFor(r.Side.Opposite())
	}
	return SideFor(r.Side)
}

// OrderSource tells where an order came from. The set of variants is closed:
// consumers switch over it exhaustively.
type OrderSource interface {
	sourceKind() string
}

// SourceKind returns the variant name of s, "MANUAL" for a nil source.
func SourceKind(s OrderSource) string {
	if s == nil {
		return ManualSource{}.sourceKind()
	}
	return s.sourceKind()
}

// ManualSource marks an order placed directly by the account owner.
type ManualSource struct{}

// SignalSource marks an order produced by a strategy signal.
type SignalSource struct {
	SignalID string
	Strategy string
}

// ProtectionSource marks an exit triggered by a stop-loss, take-profit or trailing stop.
type ProtectionSource struct {
	Trigger CloseReason
}

// LiquidationSource marks a privileged forced close issued by the risk monitor.
type LiquidationSource struct {
	Reason CloseReason
}

// OpaqueSource carries metadata from integrations the core does not interpret.
type OpaqueSource struct {
	Kind   string
	Fields map[string]string
}

func (ManualSource) sourceKind() string      { return "MANUAL" }
func (SignalSource) sourceKind() string      { return "SIGNAL" }
func (ProtectionSource) sourceKind() string  { return "PROTECTION" }
func (LiquidationSource) sourceKind() string { return "LIQUIDATION" }
func (OpaqueSource) sourceKind() string      { return "OPAQUE" }

// IsPrivileged reports whether orders from s bypass normal admission checks.
func IsPrivileged(s OrderSource) bool {
	switch s.(type) {
	case LiquidationSource, ProtectionSource:
		return true
	case ManualSource, SignalSource, OpaqueSource, nil:
		return false
	default:
		return false
	}
}
