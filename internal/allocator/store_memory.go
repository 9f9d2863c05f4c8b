package allocator

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"bloodbridge/pkg/domain"
	"bloodbridge/pkg/platform/sentinel"
)

// InMemoryStore is the working-set store used in production. Durability comes
// from the transaction log, not from here; a restart rebuilds the contents by
// replay.
type InMemoryStore struct {
	mu          sync.RWMutex
	requests    map[domain.RequestID]*Request
	allocations map[string]*Allocation
	byRequest   map[domain.RequestID][]string
	counters    map[string]uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:    make(map[domain.RequestID]*Request),
		allocations: make(map[string]*Allocation),
		byRequest:   make(map[domain.RequestID][]string),
		counters:    make(map[string]uint64),
	}
}

func (s *InMemoryStore) SaveRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return sentinel.ErrDuplicate
	}
	s.requests[r.ID] = copyRequest(r)
	s.bumpCounter(r.ID)
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, id domain.RequestID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyRequest(r), nil
}

func (s *InMemoryStore) UpdateRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.requests[r.ID] = copyRequest(r)
	return nil
}

func (s *InMemoryStore) NextSequence(_ context.Context, prefix string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[prefix]++
	return s.counters[prefix], nil
}

func (s *InMemoryStore) SaveAllocation(_ context.Context, a *Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocations[a.ID]; ok {
		return sentinel.ErrDuplicate
	}
	cp := *a
	s.allocations[a.ID] = &cp
	s.byRequest[a.RequestID] = append(s.byRequest[a.RequestID], a.ID)
	return nil
}

func (s *InMemoryStore) UpdateAllocation(_ context.Context, a *Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocations[a.ID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *a
	s.allocations[a.ID] = &cp
	return nil
}

func (s *InMemoryStore) AllocationsByRequest(_ context.Context, id domain.RequestID) ([]*Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRequest[id]
	out := make([]*Allocation, 0, len(ids))
	for _, allocID := range ids {
		cp := *s.allocations[allocID]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) OpenReservations(_ context.Context) ([]*Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Allocation
	for _, a := range s.allocations {
		if a.Outcome == OutcomeReserved {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// bumpCounter keeps mint counters ahead of every ID seen, so rehydrating from
// the log never re-mints an existing number. Caller holds the lock.
func (s *InMemoryStore) bumpCounter(id domain.RequestID) {
	raw := id.String()
	i := strings.LastIndex(raw, "-")
	if i < 0 {
		return
	}
	n, err := strconv.ParseUint(raw[i+1:], 10, 64)
	if err != nil {
		return
	}
	prefix := raw[:i+1]
	if n > s.counters[prefix] {
		s.counters[prefix] = n
	}
}

func copyRequest(r *Request) *Request {
	cp := *r
	cp.DonorResponses = copyBoolMap(r.DonorResponses)
	cp.DeclinedBanks = copyBoolMap(r.DeclinedBanks)
	return &cp
}

func copyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
