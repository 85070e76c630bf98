package ledger

import (
	"time"

	"cryptoRiskGuard/internal/domain"
)

// recompute refreshes derived position metrics and the account projection. Caller holds mu.
//
// Crossed positions share the account's free margin, so every open position is
// recomputed whenever any price, fill or reservation changes.
func (l *Ledger) recompute(ts time.Time) {
	sumUpnl, used := domain.Zero, domain.Zero
	for _, p := range l.positions {
		if m, ok := l.marks[p.Symbol]; ok {
			p.MarkPrice = m
		}
		p.UnrealizedPnl = p.PnlAt(p.MarkPrice, p.Size)
		p.MaintenanceMargin = p.Notional().Mul(l.cfg.Rates.MaintenanceMarginRate(p.Symbol))
		sumUpnl = sumUpnl.Add(p.UnrealizedPnl)
		used = used.Add(p.UsedMargin())
	}

	reserved := domain.Zero
	for _, r := range l.reservations {
		reserved = reserved.Add(r.Margin)
	}

	acc := &l.account
	acc.ReservedMargin = reserved
	acc.UsedMargin = used
	acc.Equity = acc.Balance.Add(sumUpnl)
	acc.FreeMargin = acc.Equity.Sub(used)
	if acc.Equity.GreaterThan(acc.PeakEquity) {
		acc.PeakEquity = acc.Equity
	}
	acc.UpdatedAt = ts

	for _, p := range l.positions {
		collateral := l.collateral(p)
		p.LiquidationPrice = LiquidationPrice(p, collateral)
		p.MarginRatio = MarginRatio(p.MaintenanceMargin, p.UnrealizedPnl, collateral)
		im := p.InitialMargin()
		if im.IsPositive() {
			p.ROE = p.UnrealizedPnl.Add(p.RealizedPnl).Div(im)
		} else {
			p.ROE = domain.Zero
		}
	}
}

// collateral is what stands between a position and liquidation. Caller holds mu.
func (l *Ledger) collateral(p *domain.Position) domain.Money {
	if p.MarginType == domain.MarginIsolated {
		return p.IsolatedMargin
	}
	acc := l.account
	// Free margin the position can draw on, excluding its own PnL.
	shared := acc.Equity.Sub(p.UnrealizedPnl).Sub(acc.UsedMargin).Sub(acc.ReservedMargin)
	return p.InitialMargin().Add(domain.ClampZero(shared))
}

// LiquidationPrice is the mark price at which collateral + unrealized PnL equals the
// maintenance margin. For an isolated position holding its initial margin it reduces to
// entry * (1 - 1/leverage + mmr) for longs and entry * (1 + 1/leverage - mmr) for shorts.
func LiquidationPrice(p *domain.Position, collateral domain.Money) domain.Money {
	if !p.Size.IsPositive() {
		return domain.Zero
	}
	cushion := collateral.Sub(p.MaintenanceMargin).Div(p.Size)
	return domain.ClampZero(p.EntryPrice.Sub(cushion.Mul(p.Side.Sign())))
}

// MarginRatio is the share of collateral consumed: max(0, MM - unrealizedPnl) / collateral.
// A position without collateral is fully consumed.
func MarginRatio(maintenance, unrealized, collateral domain.Money) domain.Money {
	if !collateral.IsPositive() {
		return domain.One
	}
	return domain.ClampZero(maintenance.Sub(unrealized)).Div(collateral)
}
