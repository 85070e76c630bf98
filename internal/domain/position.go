package domain

import "time"

// Position represents one open directional exposure in one symbol.
type Position struct {
	ID         string       // Unique identifier for the position
	AccountID  string       // Owning account
	Symbol     string       // Trading symbol (e.g., "BTCUSDT")
	Side       PositionSide // LONG or SHORT
	EntryPrice Money        // Size-weighted average of opening fills
	Size       Money        // Always positive while open
	Leverage   int
	MarginType MarginType

	// IsolatedMargin is the collateral dedicated to an isolated position.
	// It is zero for crossed positions.
	IsolatedMargin Money

	MarkPrice         Money
	LiquidationPrice  Money
	MaintenanceMargin Money
	MarginRatio       Money
	UnrealizedPnl     Money
	RealizedPnl       Money // Net of fees
	Fees              Money
	ROE               Money // Total PnL relative to initial margin

	// Optional protection levels
	StopLoss          *Money
	TakeProfit        *Money
	TrailingStop      *Money // Distance in price units
	TrailingStopPrice *Money // Current trailing stop level

	Status      PositionStatus
	CloseReason CloseReason
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    time.Time
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Notional returns the entry notional of the position.
func (p *Position) Notional() Money {
	return Notional(p.EntryPrice, p.Size)
}

// InitialMargin is the margin the position commits at entry.
func (p *Position) InitialMargin() Money {
	if p.Leverage <= 0 {
		return p.Notional()
	}
	return p.Notional().Div(MInt(int64(p.Leverage)))
}

// UsedMargin is the margin the position contributes to the account's used margin.
func (p *Position) UsedMargin() Money {
	if p.MarginType == MarginIsolated {
		return p.IsolatedMargin
	}
	return p.InitialMargin()
}

// PnlAt returns the PnL of size units closed at price.
func (p *Position) PnlAt(price, size Money) Money {
	return price.Sub(p.EntryPrice).Mul(size).Mul(p.Side.Sign())
}

// Clone returns a deep copy that is safe to hand outside the ledger.
func (p *Position) Clone() *Position {
	c := *p
	c.StopLoss = clonePtr(p.StopLoss)
	c.TakeProfit = clonePtr(p.TakeProfit)
	c.TrailingStop = clonePtr(p.TrailingStop)
	c.TrailingStopPrice = clonePtr(p.TrailingStopPrice)
	return &c
}

func clonePtr(v *Money) *Money {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// PositionKey identifies the slot a position occupies.
type PositionKey struct {
	Symbol string
	Side   PositionSide
}

// Key returns the slot of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}
