package ports

import (
	"context"

	"cryptoRiskGuard/internal/domain"
)

// AccountRepository persists account state. The core writes through on every mutation
// and reads it back once at startup.
type AccountRepository interface {
	// SaveAccount inserts or updates an account.
	SaveAccount(ctx context.Context, acc *domain.Account) error
	// FindAccount retrieves an account by id. Returns nil, nil if not found.
	FindAccount(ctx context.Context, id string) (*domain.Account, error)
	// FindAllAccounts retrieves every stored account.
	FindAllAccounts(ctx context.Context) ([]*domain.Account, error)
}

// PositionRepository defines the interface for storing and retrieving positions.
type PositionRepository interface {
	// SavePosition inserts or updates a position keyed by its ID.
	SavePosition(ctx context.Context, pos *domain.Position) error
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id string) (*domain.Position, error)
	// FindOpenByAccount retrieves the open positions of an account.
	FindOpenByAccount(ctx context.Context, accountID string) ([]*domain.Position, error)
	// GetTotalProfit sums realized PnL of the account's terminal positions.
	GetTotalProfit(ctx context.Context, accountID string) (domain.Money, error)
}

// OrderRepository stores orders tracked by the admission controller.
type OrderRepository interface {
	// SaveOrder inserts or updates an order keyed by its ID.
	SaveOrder(ctx context.Context, order *domain.Order) error
	// FindOrder retrieves an order by id. Returns nil, nil if not found.
	FindOrder(ctx context.Context, id string) (*domain.Order, error)
}

// Repository groups every store the service writes through to.
type Repository interface {
	AccountRepository
	PositionRepository
	OrderRepository
	PositionEventRepository
}

// PositionEventRepository keeps the history of position lifecycle events.
type PositionEventRepository interface {
	// SavePositionEvent appends an event and returns its assigned ID.
	SavePositionEvent(ctx context.Context, event *domain.PositionEvent) (int64, error)
	// FindPositionEvents returns the most recent events of an account, newest first.
	FindPositionEvents(ctx context.Context, accountID string, limit int) ([]*domain.PositionEvent, error)
}
