package risk

import (
	"sort"
	"time"

	"cryptoRiskGuard/internal/domain"
)

// PositionRisk is the exposure of one open position within a Report.
type PositionRisk struct {
	ID                  string
	Symbol              string
	Side                domain.PositionSide
	Notional            domain.Money // At mark, entry until the first tick
	Share               domain.Money // Of total exposure
	MarginRatio         domain.Money
	LiquidationDistance domain.Money // |mark - liquidation| / mark, zero without a mark
}

// Report is the portfolio-level risk view of one account.
type Report struct {
	AccountID         string
	Equity            domain.Money
	TotalExposure     domain.Money
	EffectiveLeverage domain.Money // Exposure / equity
	MarginUsage       domain.Money // Used margin / equity
	MaxMarginRatio    domain.Money
	DailyPnl          domain.Money // Equity change since the daily window opened
	DailyPnlPercent   domain.Money
	Concentration     map[string]domain.Money // Exposure share per symbol
	Positions         []PositionRisk
	GeneratedAt       time.Time
}

// Assess builds a Report from an account, its open positions and the drawdown windows
// tracked for it. Ratios against non-positive equity are reported as zero.
func Assess(acc domain.Account, positions []domain.Position, windows []DrawdownStats, now time.Time) Report {
	rep := Report{
		AccountID:     acc.ID,
		Equity:        acc.Equity,
		Concentration: make(map[string]domain.Money),
		Positions:     make([]PositionRisk, 0, len(positions)),
		GeneratedAt:   now,
	}

	for i := range positions {
		p := &positions[i]
		if !p.IsOpen() {
			continue
		}
		n := p.Notional()
		if p.MarkPrice.IsPositive() {
			n = domain.Notional(p.MarkPrice, p.Size)
		}
		rep.TotalExposure = rep.TotalExposure.Add(n)
		rep.Concentration[p.Symbol] = rep.Concentration[p.Symbol].Add(n)
		if p.MarginRatio.GreaterThan(rep.MaxMarginRatio) {
			rep.MaxMarginRatio = p.MarginRatio
		}

		pr := PositionRisk{ID: p.ID, Symbol: p.Symbol, Side: p.Side, Notional: n, MarginRatio: p.MarginRatio}
		if p.MarkPrice.IsPositive() && p.LiquidationPrice.IsPositive() {
			pr.LiquidationDistance = p.MarkPrice.Sub(p.LiquidationPrice).Abs().Div(p.MarkPrice)
		}
		rep.Positions = append(rep.Positions, pr)
	}

	if rep.TotalExposure.IsPositive() {
		for sym, n := range rep.Concentration {
			rep.Concentration[sym] = n.Div(rep.TotalExposure)
		}
		for i := range rep.Positions {
			rep.Positions[i].Share = rep.Positions[i].Notional.Div(rep.TotalExposure)
		}
	}
	sort.Slice(rep.Positions, func(i, j int) bool { return rep.Positions[i].Notional.GreaterThan(rep.Positions[j].Notional) })

	if acc.Equity.IsPositive() {
		rep.EffectiveLeverage = rep.TotalExposure.Div(acc.Equity)
		rep.MarginUsage = acc.UsedMargin.Div(acc.Equity)
	}

	for _, w := range windows {
		if w.Window != domain.WindowDaily {
			continue
		}
		rep.DailyPnl = acc.Equity.Sub(w.Open)
		if w.Open.IsPositive() {
			rep.DailyPnlPercent = rep.DailyPnl.Div(w.Open)
		}
	}
	return rep
}
