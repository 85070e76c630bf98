package ports

import (
	"context"

	"cryptoRiskGuard/internal/domain"
)

// ExecutionGateway is the exchange connection the core submits orders to.
// Submissions may block; callers always pass a deadline.
type ExecutionGateway interface {
	// SubmitOrder sends an admitted order and returns the exchange acknowledgment.
	SubmitOrder(ctx context.Context, order *domain.Order) (domain.OrderAck, error)
	// CancelOrder cancels an order by its client order id.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// MarketStream pushes raw, exchange-shaped price ticks. Stop by cancelling ctx.
type MarketStream interface {
	StreamMarkPrices(ctx context.Context, symbols []string, handler func(tick domain.RawTick), errHandler func(err error)) (doneCh chan struct{}, err error)
}

// FillStream pushes fills for one account. Stop by cancelling ctx.
type FillStream interface {
	StreamFills(ctx context.Context, accountID string, handler func(fill domain.FillEvent), errHandler func(err error)) (doneCh chan struct{}, err error)
}
