package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of an exposure.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// SideFor returns the position side an order side opens in one-way mode.
func SideFor(side OrderSide) PositionSide {
	if side == Buy {
		return Long
	}
	return Short
}

// OpeningSide returns the order side that increases a position of this side.
func (s PositionSide) OpeningSide() OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// Sign is +1 for long and -1 for short. It is applied uniformly to every PnL formula.
func (s PositionSide) Sign() Money {
	if s == Long {
		return One
	}
	return One.Neg()
}

// PositionStatus represents the lifecycle state of a trading position.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "OPEN"
	StatusClosed     PositionStatus = "CLOSED"
	StatusLiquidated PositionStatus = "LIQUIDATED"
)

// IsTerminal reports whether no further mutation is accepted in this status.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// MarginType tells whether a position draws on dedicated or shared collateral.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// PositionMode controls how many positions may be open on one symbol.
type PositionMode string

const (
	OneWayMode PositionMode = "ONE_WAY" // a single side per symbol
	HedgeMode  PositionMode = "HEDGE"   // long and short may coexist
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonFilled       CloseReason = "FILLED" // size reduced to zero by fills
	CloseReasonStopLoss     CloseReason = "SL"
	CloseReasonTakeProfit   CloseReason = "TP"
	CloseReasonTrailingStop CloseReason = "TRAILING_STOP"
	CloseReasonLiquidation  CloseReason = "Liquidation"
	CloseReasonManual       CloseReason = "MANUAL"
	CloseReasonADL          CloseReason = "ADL"
	CloseReasonUnknown      CloseReason = "Unknown"
)

// TerminalStatus maps a close reason to the status a forced close ends in.
func (r CloseReason) TerminalStatus() PositionStatus {
	if r == CloseReasonLiquidation || r == CloseReasonADL {
		return StatusLiquidated
	}
	return StatusClosed
}
