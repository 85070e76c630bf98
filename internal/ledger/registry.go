package ledger

import (
	"fmt"
	"sort"
	"sync"

	"cryptoRiskGuard/internal/ports"
)

// Registry maps account ids to their ledgers. Ledgers of different accounts share nothing.
type Registry struct {
	mu      sync.RWMutex
	base    Config
	ledgers map[string]*Ledger
}

// NewRegistry creates an empty registry. base supplies everything except the account id.
func NewRegistry(base Config) *Registry {
	return &Registry{base: base, ledgers: make(map[string]*Ledger)}
}

// Get returns the ledger of accountID.
func (r *Registry) Get(accountID string) (*Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrAccountNotFound, accountID)
	}
	return l, nil
}

// Open returns the ledger of accountID, creating it on first use.
func (r *Registry) Open(accountID string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.ledgers[accountID]; ok {
		return l, nil
	}
	cfg := r.base
	cfg.AccountID = accountID
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.ledgers[accountID] = l
	return l, nil
}

// Accounts returns the registered account ids in sorted order.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ledgers))
	for id := range r.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
