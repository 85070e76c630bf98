package risk

import (
	"fmt"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// SizingConfig holds the parameters position sizing is computed from.
type SizingConfig struct {
	RiskPerTrade       domain.Money // Fraction of balance lost if the stop is hit
	StopLossPercent    domain.Money // Distance from entry to stop as a fraction of entry
	TakeProfitPercent  domain.Money
	MaxPositionPercent domain.Money // Cap on notional / leverage as a fraction of balance
	MaxLeverage        int
	Multiplier         domain.Money // Drawdown recovery multiplier, 1 when no rule is active
}

// maxStopLossPercent bounds the stop distance sizing accepts.
var maxStopLossPercent = domain.M("0.1")

// PositionNotional returns the notional to open so that hitting the stop loses
// balance*RiskPerTrade, capped at balance*MaxPositionPercent*leverage and scaled
// by the recovery multiplier.
func PositionNotional(cfg SizingConfig, balance domain.Money, leverage int) (domain.Money, error) {
	if leverage < 1 || (cfg.MaxLeverage > 0 && leverage > cfg.MaxLeverage) {
		return domain.Zero, fmt.Errorf("%w: leverage %d outside [1, %d]", ports.ErrInvalidRequest, leverage, cfg.MaxLeverage)
	}
	if !cfg.StopLossPercent.IsPositive() || cfg.StopLossPercent.GreaterThan(maxStopLossPercent) {
		return domain.Zero, fmt.Errorf("%w: stop loss percent %s outside (0, %s]", ports.ErrInvalidRequest, cfg.StopLossPercent, maxStopLossPercent)
	}
	if !cfg.RiskPerTrade.IsPositive() {
		return domain.Zero, fmt.Errorf("%w: risk per trade must be positive", ports.ErrInvalidRequest)
	}
	if !balance.IsPositive() {
		return domain.Zero, nil
	}

	lev := domain.MInt(int64(leverage))
	notional := balance.Mul(cfg.RiskPerTrade).Div(cfg.StopLossPercent).Mul(lev)
	if cfg.MaxPositionPercent.IsPositive() {
		notional = domain.MinMoney(notional, balance.Mul(cfg.MaxPositionPercent).Mul(lev))
	}
	if !cfg.Multiplier.IsZero() {
		notional = notional.Mul(cfg.Multiplier)
	}
	return notional, nil
}

// PositionQuantity converts PositionNotional into a quantity at price, floored to step.
func PositionQuantity(cfg SizingConfig, balance, price domain.Money, leverage int, step domain.Money) (domain.Money, error) {
	if !price.IsPositive() {
		return domain.Zero, fmt.Errorf("%w: price must be positive", ports.ErrInvalidRequest)
	}
	notional, err := PositionNotional(cfg, balance, leverage)
	if err != nil {
		return domain.Zero, err
	}
	return FloorToStep(notional.Div(price), step), nil
}

// FloorToStep rounds qty down to a multiple of step. A zero step leaves qty unchanged.
func FloorToStep(qty, step domain.Money) domain.Money {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// StopLossPrice returns the stop level for a position opened at entry.
func StopLossPrice(cfg SizingConfig, entry domain.Money, side domain.PositionSide) domain.Money {
	return entry.Mul(domain.One.Sub(cfg.StopLossPercent.Mul(side.Sign())))
}

// TakeProfitPrice returns the take-profit level for a position opened at entry.
func TakeProfitPrice(cfg SizingConfig, entry domain.Money, side domain.PositionSide) domain.Money {
	return entry.Mul(domain.One.Add(cfg.TakeProfitPercent.Mul(side.Sign())))
}

// LadderStep is one entry of a dollar-cost averaging ladder.
type LadderStep struct {
	Price    domain.Money
	Notional domain.Money
}

// DCALadder splits the per-trade budget into n orders spaced interval apart below price
// (above for shorts). Each order risks MaxPositionPercent/n of the balance.
func DCALadder(cfg SizingConfig, balance, price domain.Money, side domain.PositionSide, interval domain.Money, n int) ([]LadderStep, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: ladder needs at least one order", ports.ErrInvalidRequest)
	}
	stepCfg := cfg
	stepCfg.RiskPerTrade = cfg.MaxPositionPercent.Div(domain.MInt(int64(n)))
	stepCfg.StopLossPercent = interval
	notional, err := PositionNotional(stepCfg, balance, 1)
	if err != nil {
		return nil, err
	}
	out := make([]LadderStep, 0, n)
	for i := 0; i < n; i++ {
		offset := interval.Mul(domain.MInt(int64(i))).Mul(side.Sign())
		out = append(out, LadderStep{Price: price.Mul(domain.One.Sub(offset)), Notional: notional})
	}
	return out, nil
}
