package ports

import (
	"context"

	"cryptoRiskGuard/internal/domain"
)

// EventSink receives alerts and position events. Delivery is the sink's concern;
// implementations must not block the caller for long.
type EventSink interface {
	PublishAlert(ctx context.Context, alert domain.PositionAlert)
	PublishPositionEvent(ctx context.Context, event domain.PositionEvent)
}

// Metrics records core counters. Implementations must be safe for concurrent use.
type Metrics interface {
	AdmissionDecision(symbol string, reason domain.RejectReason)
	AlertEmitted(alertType domain.AlertType)
	PositionEvent(eventType domain.PositionEventType)
	TickDropped(symbol string)
	TickApplied(symbol string)
	GatewayCall(operation string, seconds float64, err error)
	ReservedMargin(accountID string, value float64)
}
