package eligibility

import (
	"context"
	"sync"

	"bloodbridge/pkg/domain"
)

// InMemoryStore holds donor profiles seeded at startup or by tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	donors map[string]DonorProfile
}

func NewInMemoryStore(donors ...DonorProfile) *InMemoryStore {
	s := &InMemoryStore{donors: make(map[string]DonorProfile, len(donors))}
	for _, d := range donors {
		s.donors[d.ID] = d
	}
	return s
}

// Put inserts or replaces a profile. Used by seeding and tests only.
func (s *InMemoryStore) Put(d DonorProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.donors[d.ID] = d
}

func (s *InMemoryStore) ListByBloodTypes(_ context.Context, types []domain.BloodType) ([]DonorProfile, error) {
	wanted := make(map[domain.BloodType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DonorProfile
	for _, d := range s.donors {
		if wanted[d.BloodType] {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]DonorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DonorProfile, 0, len(s.donors))
	for _, d := range s.donors {
		out = append(out, d)
	}
	return out, nil
}
