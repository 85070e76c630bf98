package app

import (
	"context"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/ports"
)

// EventRecorder is the write-through sink: it persists position events together with the
// position and account they changed, then forwards to the next sink.
type EventRecorder struct {
	repo    ports.Repository // Optional
	ledgers *ledger.Registry
	next    ports.EventSink // Optional
	metrics ports.Metrics   // Optional
	logger  ports.Logger
}

// NewEventRecorder wires a recorder. repo, next and metrics may be nil.
func NewEventRecorder(repo ports.Repository, ledgers *ledger.Registry, next ports.EventSink, metrics ports.Metrics, logger ports.Logger) *EventRecorder {
	return &EventRecorder{repo: repo, ledgers: ledgers, next: next, metrics: metrics, logger: logger}
}

func (r *EventRecorder) PublishAlert(ctx context.Context, alert domain.PositionAlert) {
	if r.next != nil {
		r.next.PublishAlert(ctx, alert)
	}
}

func (r *EventRecorder) PublishPositionEvent(ctx context.Context, event domain.PositionEvent) {
	op := "RecordPositionEvent"
	if r.metrics != nil {
		r.metrics.PositionEvent(event.Type)
	}
	if r.repo != nil {
		if _, err := r.repo.SavePositionEvent(ctx, &event); err != nil {
			r.logger.Error(ctx, err, op+": failed to persist event", map[string]interface{}{"positionID": event.Position.ID, "type": string(event.Type)})
		}
		pos := event.Position
		if err := r.repo.SavePosition(ctx, &pos); err != nil {
			r.logger.Error(ctx, err, op+": failed to persist position", map[string]interface{}{"positionID": pos.ID})
		}
		r.saveAccount(ctx, event.AccountID)
	}
	if r.next != nil {
		r.next.PublishPositionEvent(ctx, event)
	}
}

func (r *EventRecorder) saveAccount(ctx context.Context, accountID string) {
	if r.repo == nil {
		return
	}
	led, err := r.ledgers.Get(accountID)
	if err != nil {
		return
	}
	acc := led.Account()
	if err := r.repo.SaveAccount(ctx, &acc); err != nil {
		r.logger.Error(ctx, err, "SaveAccount: failed to persist account", map[string]interface{}{"accountID": accountID})
	}
}
