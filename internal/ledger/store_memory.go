package ledger

import (
	"context"
	"sync"
	"time"

	"bloodbridge/pkg/platform/sentinel"
)

// InMemoryStore keeps version chains in a map. It is the default store for
// tests and single-process deployments; the postgres store carries the same
// contract for durable setups.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[CellKey][]Version
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chains: make(map[CellKey][]Version)}
}

func (s *InMemoryStore) Latest(_ context.Context, key CellKey) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[key]
	if len(chain) == 0 {
		return Version{}, sentinel.ErrNotFound
	}
	return chain[len(chain)-1], nil
}

func (s *InMemoryStore) AppendVersion(_ context.Context, v Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[v.Cell]
	if v.Version != uint64(len(chain))+1 {
		return sentinel.ErrVersionMismatch
	}
	s.chains[v.Cell] = append(chain, v)
	return nil
}

func (s *InMemoryStore) History(_ context.Context, key CellKey, until time.Time) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Version
	for _, v := range s.chains[key] {
		if v.At.After(until) {
			break
		}
		out = append(out, v)
	}
	return out, nil
}
