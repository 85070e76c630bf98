package domain

import "time"

// PriceSource tells which feed a price update was normalized from.
type PriceSource string

const (
	PriceFromMark    PriceSource = "MARK_PRICE"
	PriceFromTrade   PriceSource = "TRADE"
	PriceFromFunding PriceSource = "FUNDING"
)

// PriceUpdate is the canonical, ephemeral price tick folded into position state.
type PriceUpdate struct {
	Symbol      string
	MarkPrice   Money
	Timestamp   time.Time
	FundingRate *Money
	Source      PriceSource
}

// RawTick is a price tick as received from an exchange stream, before normalization.
type RawTick struct {
	Kind        PriceSource
	Symbol      string
	Price       string
	FundingRate string // Only set on funding ticks
	EventTime   int64  // Epoch milliseconds
}

// FillEvent is pushed by the execution gateway for every (partial) fill.
type FillEvent struct {
	AccountID    string
	OrderID      string // Client order id assigned at admission
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide // Set by the exchange in hedge mode
	Price        Money
	Quantity     Money
	Fee          Money
	ReduceOnly   bool
	Timestamp    time.Time
}

// OrderAck is the gateway answer to a submission.
type OrderAck struct {
	OrderID         string
	ExchangeOrderID string
	Status          OrderStatus
}

// PositionEventType classifies position lifecycle records.
type PositionEventType string

const (
	PositionOpened     PositionEventType = "OPEN"
	PositionUpdated    PositionEventType = "UPDATE"
	PositionClosed     PositionEventType = "CLOSE"
	PositionLiquidated PositionEventType = "LIQUIDATION"
	PositionADL        PositionEventType = "ADL" // Only modeled as an event type
)

// PositionEvent is emitted to alerting/UI collaborators on every position change.
type PositionEvent struct {
	Type      PositionEventType
	AccountID string
	Position  Position
	Realized  Money // PnL realized by the change, net of fees
	Timestamp time.Time
}

// AlertType classifies position and account alerts.
type AlertType string

const (
	AlertMarginCall         AlertType = "MARGIN_CALL"
	AlertLiquidationWarning AlertType = "LIQUIDATION_WARNING"
	AlertLiquidation        AlertType = "LIQUIDATION"
	AlertHighDrawdown       AlertType = "HIGH_DRAWDOWN"
	AlertProtection         AlertType = "PROTECTION_TRIGGERED"
	AlertInvariantViolation AlertType = "INVARIANT_VIOLATION"
)

// PositionAlert is emitted by the risk monitor.
type PositionAlert struct {
	Type         AlertType
	AccountID    string
	PositionID   string // Empty for account-wide alerts
	Symbol       string
	Threshold    Money
	CurrentValue Money
	Message      string
	Timestamp    time.Time
}

// CandidateKind tells why the ledger flagged a position on a tick.
type CandidateKind string

const (
	CandidateMargin     CandidateKind = "MARGIN"
	CandidateProtection CandidateKind = "PROTECTION"
)

// AlertCandidate is returned by the ledger on price updates; the monitor decides what to emit.
type AlertCandidate struct {
	Kind        CandidateKind
	AccountID   string
	PositionID  string
	Symbol      string
	MarginRatio Money
	MarkPrice   Money
	Trigger     CloseReason // Set for protection candidates
}
