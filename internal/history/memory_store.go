package history

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory settlement store for runtime/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Settlement
	byWager map[string]*Settlement
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make([]*Settlement, 0),
		byWager: make(map[string]*Settlement),
	}
}

func (m *MemoryStore) Record(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.records = append(m.records, &cp)
	m.byWager[s.WagerID] = &cp
	return nil
}

func (m *MemoryStore) GetByWager(ctx context.Context, wagerID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byWager[wagerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// List returns settlements newest first.
func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var result []*Settlement
	for i := len(m.records) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		cp := *m.records[i]
		result = append(result, &cp)
	}
	return result, nil
}
