package ledger

import (
	"context"

	"cryptoRiskGuard/internal/domain"
)

// TickResult reports the effect of one price update.
type TickResult struct {
	Applied    bool              // false when the tick was stale or a duplicate
	Updated    []domain.Position // open positions whose metrics were recomputed
	Candidates []domain.AlertCandidate
}

// ApplyPriceUpdate folds a mark price into the ledger. Ticks at or before the last
// applied timestamp for the symbol are dropped without touching state. The ledger
// never emits alerts; it returns candidates for the monitor to judge.
func (l *Ledger) ApplyPriceUpdate(ctx context.Context, tick domain.PriceUpdate) TickResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastTick[tick.Symbol]; ok && !tick.Timestamp.After(last) {
		l.logger.Debug(ctx, "ApplyPriceUpdate: dropping stale tick", map[string]interface{}{
			"symbol": tick.Symbol, "tick": tick.Timestamp, "last": last,
		})
		return TickResult{}
	}
	if !tick.MarkPrice.IsPositive() {
		return TickResult{}
	}
	l.lastTick[tick.Symbol] = tick.Timestamp
	l.marks[tick.Symbol] = tick.MarkPrice

	for _, p := range l.positions {
		if p.Symbol == tick.Symbol {
			advanceTrailingStop(p, tick.MarkPrice)
			p.UpdatedAt = tick.Timestamp
		}
	}
	l.recompute(tick.Timestamp)

	res := TickResult{Applied: true}
	warning := l.cfg.Rates.Thresholds().Warning
	for _, p := range l.sortedOpen() {
		if p.Symbol != tick.Symbol && p.MarginType != domain.MarginCrossed {
			continue
		}
		res.Updated = append(res.Updated, *p.Clone())
		if p.MarginRatio.GreaterThanOrEqual(warning) {
			res.Candidates = append(res.Candidates, domain.AlertCandidate{
				Kind:        domain.CandidateMargin,
				AccountID:   p.AccountID,
				PositionID:  p.ID,
				Symbol:      p.Symbol,
				MarginRatio: p.MarginRatio,
				MarkPrice:   p.MarkPrice,
			})
		}
		if p.Symbol != tick.Symbol {
			continue
		}
		if trigger := protectionTrigger(p, tick.MarkPrice); trigger != "" {
			res.Candidates = append(res.Candidates, domain.AlertCandidate{
				Kind:        domain.CandidateProtection,
				AccountID:   p.AccountID,
				PositionID:  p.ID,
				Symbol:      p.Symbol,
				MarginRatio: p.MarginRatio,
				MarkPrice:   p.MarkPrice,
				Trigger:     trigger,
			})
		}
	}
	return res
}

// advanceTrailingStop moves the trailing level with favorable prices only.
func advanceTrailingStop(p *domain.Position, mark domain.Money) {
	if p.TrailingStop == nil {
		return
	}
	candidate := mark.Sub(p.TrailingStop.Mul(p.Side.Sign()))
	cur := p.TrailingStopPrice
	if cur == nil ||
		(p.Side == domain.Long && candidate.GreaterThan(*cur)) ||
		(p.Side == domain.Short && candidate.LessThan(*cur)) {
		p.TrailingStopPrice = domain.Ptr(candidate)
	}
}

// protectionTrigger returns the close reason of the first protection level crossed by mark.
func protectionTrigger(p *domain.Position, mark domain.Money) domain.CloseReason {
	// reached reports whether mark is at level or beyond it in the direction dir (+1 up, -1 down).
	reached := func(level *domain.Money, dir domain.Money) bool {
		return level != nil && !mark.Sub(*level).Mul(dir).IsNegative()
	}
	sign := p.Side.Sign()
	switch {
	case reached(p.StopLoss, sign.Neg()):
		return domain.CloseReasonStopLoss
	case reached(p.TrailingStopPrice, sign.Neg()):
		return domain.CloseReasonTrailingStop
	case reached(p.TakeProfit, sign):
		return domain.CloseReasonTakeProfit
	}
	return ""
}
