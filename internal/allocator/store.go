package allocator

import (
	"context"

	"bloodbridge/pkg/domain"
)

// Store is the allocator's working set: requests and allocations as currently
// believed. It is a cache over the transaction log, so implementations do not
// need durability; Rehydrate rebuilds the contents from the log.
type Store interface {
	// SaveRequest stores a new request. Returns sentinel.ErrDuplicate if
	// the ID is already present.
	SaveRequest(ctx context.Context, r *Request) error

	// GetRequest returns the request or sentinel.ErrNotFound.
	GetRequest(ctx context.Context, id domain.RequestID) (*Request, error)

	// UpdateRequest replaces a stored request. Returns sentinel.ErrNotFound
	// if the ID is unknown.
	UpdateRequest(ctx context.Context, r *Request) error

	// NextSequence returns the next unused mint number for the given ID
	// prefix. Concurrent callers receive distinct numbers.
	NextSequence(ctx context.Context, prefix string) (uint64, error)

	// SaveAllocation stores a new allocation.
	SaveAllocation(ctx context.Context, a *Allocation) error

	// UpdateAllocation replaces a stored allocation. Returns
	// sentinel.ErrNotFound if the ID is unknown.
	UpdateAllocation(ctx context.Context, a *Allocation) error

	// AllocationsByRequest returns the request's allocations in reservation
	// order.
	AllocationsByRequest(ctx context.Context, id domain.RequestID) ([]*Allocation, error)

	// OpenReservations returns every allocation still in the reserved state,
	// across all requests. The sweeper scans these for expiry.
	OpenReservations(ctx context.Context) ([]*Allocation, error)
}
