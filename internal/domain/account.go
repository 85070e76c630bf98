package domain

import "time"

// Account identifies the trading entity and carries its margin state.
type Account struct {
	ID             string
	Asset          string // Settlement asset, e.g. "USDT"
	Balance        Money  // Wallet balance: deposits + realized PnL - fees
	Equity         Money  // Balance + Σ unrealized PnL
	UsedMargin     Money  // Σ margin committed by open positions
	ReservedMargin Money  // Margin held for orders awaiting the gateway
	FreeMargin     Money  // Equity - UsedMargin
	PeakEquity     Money
	UpdatedAt      time.Time
}

// AvailableMargin is the free margin left after pending reservations.
func (a *Account) AvailableMargin() Money {
	return a.FreeMargin.Sub(a.ReservedMargin)
}

// MarginRatio returns used margin / equity, or zero when equity is not positive.
func (a *Account) MarginRatio() Money {
	if !a.Equity.IsPositive() {
		return Zero
	}
	return a.UsedMargin.Div(a.Equity)
}
