package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoRiskGuard/internal/admission"
	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/monitor"
	"cryptoRiskGuard/internal/ports"
)

// Config holds the collaborators of a RiskService.
type Config struct {
	Ledgers    *ledger.Registry
	Controller *admission.Controller
	Monitor    *monitor.Monitor
	Recorder   *EventRecorder
	Repo       ports.Repository // Optional; nil disables persistence and Restore
	Metrics    ports.Metrics    // Optional
	Logger     ports.Logger
}

// RiskService routes market data and fills into the ledgers, lets the monitor judge
// the result and writes every change through to the store.
type RiskService struct {
	cfg    Config
	logger ports.Logger
}

// NewRiskService creates a new application service instance.
func NewRiskService(cfg Config) (*RiskService, error) {
	if cfg.Ledgers == nil || cfg.Controller == nil || cfg.Monitor == nil || cfg.Recorder == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for RiskService", ports.ErrConfigurationError)
	}
	return &RiskService{cfg: cfg, logger: cfg.Logger}, nil
}

// Restore rebuilds every stored account's ledger. It must run before Start.
func (s *RiskService) Restore(ctx context.Context) error {
	op := "Restore"
	if s.cfg.Repo == nil {
		return nil
	}
	accounts, err := s.cfg.Repo.FindAllAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%s: load accounts: %w", op, err)
	}
	for _, acc := range accounts {
		open, err := s.cfg.Repo.FindOpenByAccount(ctx, acc.ID)
		if err != nil {
			return fmt.Errorf("%s: load positions of %s: %w", op, acc.ID, err)
		}
		led, err := s.cfg.Ledgers.Open(acc.ID)
		if err != nil {
			return fmt.Errorf("%s: open ledger %s: %w", op, acc.ID, err)
		}
		if err := led.Restore(*acc, open); err != nil {
			return fmt.Errorf("%s: restore ledger %s: %w", op, acc.ID, err)
		}
		s.logger.Info(ctx, op+": account restored", map[string]interface{}{"accountID": acc.ID, "balance": acc.Balance.String(), "openPositions": len(open)})
	}
	return nil
}

// SyncBalance opens the ledger of accountID if needed and replaces its wallet balance.
func (s *RiskService) SyncBalance(ctx context.Context, accountID string, balance domain.Money) error {
	led, err := s.cfg.Ledgers.Open(accountID)
	if err != nil {
		return err
	}
	acc := led.SetBalance(balance)
	s.logger.Info(ctx, "SyncBalance: balance updated", map[string]interface{}{"accountID": accountID, "balance": balance.String(), "equity": acc.Equity.String()})
	s.saveAccount(ctx, &acc)
	return nil
}

// Start consumes prices and fills until ctx is cancelled or both channels are closed.
func (s *RiskService) Start(ctx context.Context, prices <-chan domain.PriceUpdate, fills <-chan domain.FillEvent) error {
	s.logger.Info(ctx, "Starting Risk Service...", map[string]interface{}{"accounts": s.cfg.Ledgers.Accounts()})
	for prices != nil || fills != nil {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Risk Service stopped: context cancelled")
			return nil
		case upd, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			s.HandlePriceUpdate(ctx, upd)
		case fill, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			if err := s.HandleFill(ctx, fill); err != nil && !errors.Is(err, ports.ErrInvariantViolation) {
				s.logger.Warn(ctx, "HandleFill failed", map[string]interface{}{"orderID": fill.OrderID, "error": err.Error()})
			}
		}
	}
	s.logger.Info(ctx, "Risk Service stopped: inputs closed")
	return nil
}

// HandlePriceUpdate applies a tick to every account and evaluates the result.
func (s *RiskService) HandlePriceUpdate(ctx context.Context, upd domain.PriceUpdate) []domain.PositionAlert {
	var alerts []domain.PositionAlert
	for _, accountID := range s.cfg.Ledgers.Accounts() {
		led, err := s.cfg.Ledgers.Get(accountID)
		if err != nil {
			continue
		}
		res := led.ApplyPriceUpdate(ctx, upd)
		if !res.Applied {
			continue
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TickApplied(upd.Symbol)
		}
		// Persist the recomputed metrics before the monitor may close anything.
		for i := range res.Updated {
			s.savePosition(ctx, &res.Updated[i])
		}
		if len(res.Updated) > 0 {
			acc := led.Account()
			s.saveAccount(ctx, &acc)
		}
		alerts = append(alerts, s.cfg.Monitor.Evaluate(ctx, accountID, res.Updated, res.Candidates)...)
	}
	return alerts
}

// HandleFill advances the order the fill belongs to and applies it to the ledger.
func (s *RiskService) HandleFill(ctx context.Context, fill domain.FillEvent) error {
	op := "HandleFill"
	led, err := s.cfg.Ledgers.Get(fill.AccountID)
	if err != nil {
		s.logger.Warn(ctx, op+": fill for unknown account", map[string]interface{}{"accountID": fill.AccountID, "orderID": fill.OrderID})
		return err
	}

	if _, tracked := s.cfg.Controller.OnFill(ctx, fill); !tracked {
		s.logger.Debug(ctx, op+": fill for an order placed outside admission", map[string]interface{}{"orderID": fill.OrderID, "symbol": fill.Symbol})
	}

	deltas, err := led.ApplyFill(ctx, fill)
	if err != nil {
		var violation *ports.InvariantViolation
		if errors.As(err, &violation) {
			s.cfg.Monitor.ReportInvariantViolation(ctx, violation)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	open := make([]domain.Position, 0, len(deltas))
	for _, d := range deltas {
		s.cfg.Recorder.PublishPositionEvent(ctx, d.ToEvent(ts))
		if d.Position.IsOpen() {
			open = append(open, d.Position)
		}
	}
	if len(open) > 0 {
		s.cfg.Monitor.Evaluate(ctx, fill.AccountID, open, nil)
	}
	return nil
}

func (s *RiskService) savePosition(ctx context.Context, p *domain.Position) {
	if s.cfg.Repo == nil {
		return
	}
	if err := s.cfg.Repo.SavePosition(ctx, p); err != nil {
		s.logger.Error(ctx, err, "SavePosition: failed to persist position", map[string]interface{}{"positionID": p.ID})
	}
}

func (s *RiskService) saveAccount(ctx context.Context, acc *domain.Account) {
	if s.cfg.Repo == nil {
		return
	}
	if err := s.cfg.Repo.SaveAccount(ctx, acc); err != nil {
		s.logger.Error(ctx, err, "SaveAccount: failed to persist account", map[string]interface{}{"accountID": acc.ID})
	}
}
