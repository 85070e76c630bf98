package ledger

import (
	"fmt"
	"sort"
	"time"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// Reservation is margin held for an admitted order until it fills or is released.
type Reservation struct {
	OrderID    string
	Symbol     string
	Side       domain.PositionSide
	Quantity   domain.Money // Unfilled quantity
	Margin     domain.Money // Margin still held for the unfilled quantity
	Leverage   int
	MarginType domain.MarginType
	Opening    bool // The order may create a new position
	CreatedAt  time.Time
}

// Snapshot is a consistent copy of the ledger taken under the account lock.
type Snapshot struct {
	Mode         domain.PositionMode
	Account      domain.Account
	Positions    []domain.Position
	Reservations []Reservation
	MarkPrices   map[string]domain.Money
}

// MarkPrice returns the last applied mark for symbol.
func (s Snapshot) MarkPrice(symbol string) (domain.Money, bool) {
	m, ok := s.MarkPrices[symbol]
	return m, ok
}

// PositionAt returns the open position in (symbol, side), if any.
func (s Snapshot) PositionAt(symbol string, side domain.PositionSide) (domain.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return domain.Position{}, false
}

// PositionOn returns any open position on symbol. In one-way mode there is at most one.
func (s Snapshot) PositionOn(symbol string) (domain.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.Position{}, false
}

// Snapshot returns a consistent copy of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() Snapshot {
	s := Snapshot{
		Mode:       l.cfg.Mode,
		Account:    l.account,
		MarkPrices: make(map[string]domain.Money, len(l.marks)),
	}
	for _, p := range l.sortedOpen() {
		s.Positions = append(s.Positions, *p.Clone())
	}
	for sym, m := range l.marks {
		s.MarkPrices[sym] = m
	}
	for _, r := range l.reservations {
		s.Reservations = append(s.Reservations, *r)
	}
	sort.Slice(s.Reservations, func(i, j int) bool {
		if !s.Reservations[i].CreatedAt.Equal(s.Reservations[j].CreatedAt) {
			return s.Reservations[i].CreatedAt.Before(s.Reservations[j].CreatedAt)
		}
		return s.Reservations[i].OrderID < s.Reservations[j].OrderID
	})
	return s
}

// Reserve runs decide against a snapshot and records the reservation it returns, both
// under the account lock, so a concurrent admission sees this one. A nil reservation
// records nothing.
func (l *Ledger) Reserve(decide func(Snapshot) (*Reservation, error)) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, err := decide(l.snapshot())
	if err != nil || r == nil {
		return nil, err
	}
	if r.OrderID == "" {
		return nil, fmt.Errorf("%w: reservation without order id", ports.ErrInvalidRequest)
	}
	if _, dup := l.reservations[r.OrderID]; dup {
		return nil, fmt.Errorf("%w: order %s already holds a reservation", ports.ErrInvalidRequest, r.OrderID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.cfg.Now()
	}
	stored := *r
	l.reservations[r.OrderID] = &stored
	l.recompute(l.cfg.Now())
	out := stored
	return &out, nil
}

// Release drops the remaining reservation of orderID. Releasing twice is a no-op.
func (l *Ledger) Release(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reservations[orderID]; !ok {
		return false
	}
	delete(l.reservations, orderID)
	l.recompute(l.cfg.Now())
	return true
}

// consumeReservation releases the share of a reservation covered by a fill. Caller holds mu.
func (l *Ledger) consumeReservation(orderID string, qty domain.Money) {
	r, ok := l.reservations[orderID]
	if !ok {
		return
	}
	if qty.GreaterThanOrEqual(r.Quantity) {
		delete(l.reservations, orderID)
		return
	}
	r.Margin = r.Margin.Sub(r.Margin.Mul(qty).Div(r.Quantity))
	r.Quantity = r.Quantity.Sub(qty)
}
