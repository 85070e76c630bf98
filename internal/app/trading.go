package app

import (
	"context"
	"fmt"

	"cryptoRiskGuard/internal/admission"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// SubmitOrder runs an operator order through admission. Orders without a source are manual.
func (s *RiskService) SubmitOrder(ctx context.Context, accountID string, req domain.OrderRequest) (admission.Result, error) {
	if req.Source == nil {
		req.Source = domain.ManualSource{}
	}
	return s.cfg.Controller.Submit(ctx, accountID, req)
}

// CancelOrder cancels a working order of accountID.
func (s *RiskService) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return s.cfg.Controller.Cancel(ctx, accountID, orderID)
}

// ClosePosition flattens an open position at the last mark and publishes the close.
func (s *RiskService) ClosePosition(ctx context.Context, accountID, positionID string) (domain.Position, error) {
	delta, err := s.cfg.Controller.ForceClose(ctx, accountID, positionID, domain.CloseReasonManual)
	if err != nil {
		return domain.Position{}, err
	}
	if delta.Quantity.IsZero() {
		return delta.Position, fmt.Errorf("%w: %s", ports.ErrPositionTerminal, positionID)
	}
	s.cfg.Recorder.PublishPositionEvent(ctx, delta.ToEvent(delta.Position.UpdatedAt))
	s.cfg.Monitor.Evaluate(ctx, accountID, []domain.Position{delta.Position}, nil)
	return delta.Position, nil
}

// SetProtection replaces the stop-loss, take-profit and trailing distance of a position.
// A nil level clears it.
func (s *RiskService) SetProtection(ctx context.Context, accountID, positionID string, stopLoss, takeProfit, trailing *domain.Money) (domain.Position, error) {
	led, err := s.cfg.Ledgers.Get(accountID)
	if err != nil {
		return domain.Position{}, err
	}
	pos, err := led.SetProtection(positionID, stopLoss, takeProfit, trailing)
	if err != nil {
		return domain.Position{}, err
	}
	s.savePosition(ctx, &pos)
	s.logger.Info(ctx, "SetProtection: protection updated", map[string]interface{}{
		"accountID": accountID, "positionID": positionID,
		"stopLoss": moneyField(stopLoss), "takeProfit": moneyField(takeProfit), "trailing": moneyField(trailing),
	})
	return pos, nil
}

// AdjustMargin adds (positive) or removes (negative) isolated margin and re-judges the
// position at its new margin ratio.
func (s *RiskService) AdjustMargin(ctx context.Context, accountID, positionID string, delta domain.Money) (domain.Position, error) {
	led, err := s.cfg.Ledgers.Get(accountID)
	if err != nil {
		return domain.Position{}, err
	}
	pos, err := led.AdjustIsolatedMargin(positionID, delta)
	if err != nil {
		return domain.Position{}, err
	}
	s.savePosition(ctx, &pos)
	acc := led.Account()
	s.saveAccount(ctx, &acc)
	s.logger.Info(ctx, "AdjustMargin: isolated margin adjusted", map[string]interface{}{
		"accountID": accountID, "positionID": positionID, "delta": delta.String(),
		"isolatedMargin": pos.IsolatedMargin.String(), "marginRatio": pos.MarginRatio.String(),
	})
	s.cfg.Monitor.Evaluate(ctx, accountID, []domain.Position{pos}, nil)
	return pos, nil
}

// SuggestQuantity sizes an entry for accountID under its tier's risk budget.
func (s *RiskService) SuggestQuantity(accountID, symbol string, price, stopLossPct domain.Money, leverage int) (domain.Money, error) {
	return s.cfg.Controller.SuggestQuantity(accountID, symbol, price, stopLossPct, leverage)
}

func moneyField(v *domain.Money) string {
	if v == nil {
		return ""
	}
	return v.String()
}
