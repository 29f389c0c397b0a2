package market

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry is the process-wide set of open markets.
type Registry struct {
	mu      sync.RWMutex
	markets map[uuid.UUID]*Market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[uuid.UUID]*Market),
	}
}

// Add registers a market. Opening the same market twice is a wiring bug.
func (r *Registry) Add(m *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

// Get returns the market or nil.
func (r *Registry) Get(id uuid.UUID) *Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.markets[id]
}

// List returns all registered markets.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		result = append(result, m)
	}
	return result
}
