package txlog

import (
	"context"
	"sync"
	"time"

	"bloodbridge/pkg/platform/sentinel"
)

// InMemoryStore keeps the log in a slice; the slice index plus one is the
// sequence number, which makes the gap-free property structural.
type InMemoryStore struct {
	mu       sync.RWMutex
	entries  []Entry
	byEntity map[string][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byEntity: make(map[string][]int)}
}

func (s *InMemoryStore) Append(_ context.Context, e Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = uint64(len(s.entries)) + 1
	idx := len(s.entries)
	s.entries = append(s.entries, e)
	s.byEntity[e.EntityID] = append(s.byEntity[e.EntityID], idx)
	for _, ref := range e.Refs {
		if ref != e.EntityID {
			s.byEntity[ref] = append(s.byEntity[ref], idx)
		}
	}
	return e.Seq, nil
}

func (s *InMemoryStore) Read(_ context.Context, fromSeq, toSeq uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq != 0 && e.Seq > toSeq {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) ByEntity(_ context.Context, entityID string, from, to time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, idx := range s.byEntity[entityID] {
		e := s.entries[idx]
		if !from.IsZero() && e.At.Before(from) {
			continue
		}
		if !to.IsZero() && e.At.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) LatestByEntity(_ context.Context, entityID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byEntity[entityID]
	for i := len(idxs) - 1; i >= 0; i-- {
		e := s.entries[idxs[i]]
		if e.EntityID == entityID {
			return e, nil
		}
	}
	return Entry{}, sentinel.ErrNotFound
}
