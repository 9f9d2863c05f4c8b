// Package ledger is the versioned, time-series record of unit counts per
// inventory cell. Cells are mutated only through signed deltas; every delta
// produces a new immutable version row, so any past count can be
// reconstructed by folding the chain.
package ledger

import (
	"context"
	"errors"
	"time"

	pkgerrors "bloodbridge/pkg/errors"
	"bloodbridge/pkg/platform/sentinel"
)

const defaultRetryBound = 5

// Ledger mediates every read and write of inventory cells. Writes are
// optimistic: read a version, append conditioned on it, retry on conflict.
// The critical section is a single compare-and-append, never a held lock.
type Ledger struct {
	store      Store
	now        func() time.Time
	retryBound int
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithClock substitutes the time source, for tests that replay history.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryBound caps internal compare-and-append retries before a
// conflict is surfaced to the caller.
func WithRetryBound(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retryBound = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now, retryBound: defaultRetryBound}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CurrentSnapshot returns the latest committed count and version for the
// cell. A cell that has never seen a delta reads as zero units at version 0.
func (l *Ledger) CurrentSnapshot(ctx context.Context, key CellKey) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}
	head, err := l.store.Latest(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read inventory head")
	}
	return Snapshot{Units: head.Units, Version: head.Version, AsOf: head.At}, nil
}

// CompareAppend attempts a single conditional append: the delta applies only
// if the cell head is still at expected. Callers that lose the race get
// CodeConflict and may re-read and retry.
//
// Errors: CodeInvalidRequest for a zero delta, CodeNegativeInventory when
// the resulting count would drop below zero (nothing is written),
// CodeConflict on a version race.
func (l *Ledger) CompareAppend(ctx context.Context, key CellKey, delta int, actor string, expected uint64) (Version, error) {
	if err := key.Validate(); err != nil {
		return Version{}, err
	}
	if delta == 0 {
		return Version{}, pkgerrors.New(pkgerrors.CodeInvalidRequest, "zero inventory delta")
	}

	baseUnits := 0
	head, err := l.store.Latest(ctx, key)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		// new chain, expected must be 0
	case err != nil:
		return Version{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read inventory head")
	default:
		baseUnits = head.Units
	}
	if head.Version != expected {
		return Version{}, pkgerrors.Newf(pkgerrors.CodeConflict, "cell %s moved to version %d, expected %d", key, head.Version, expected)
	}

	units := baseUnits + delta
	if units < 0 {
		return Version{}, pkgerrors.Newf(pkgerrors.CodeNegativeInventory, "cell %s has %d units, delta %d", key, baseUnits, delta)
	}

	v := Version{
		Cell:    key,
		Version: expected + 1,
		Units:   units,
		Delta:   delta,
		Actor:   actor,
		At:      l.now(),
	}
	if err := l.store.AppendVersion(ctx, v); err != nil {
		if errors.Is(err, sentinel.ErrVersionMismatch) {
			return Version{}, pkgerrors.Wrap(err, pkgerrors.CodeConflict, "concurrent append on "+key.String())
		}
		return Version{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "append inventory version")
	}
	return v, nil
}

// Append applies the delta with internal retries on version races, up to the
// configured bound. Donations and reclamations use this; the allocator
// drives CompareAppend directly because it recomputes how much to take from
// each fresh snapshot.
func (l *Ledger) Append(ctx context.Context, key CellKey, delta int, actor string) (Version, error) {
	var lastErr error
	for attempt := 0; attempt < l.retryBound; attempt++ {
		snap, err := l.CurrentSnapshot(ctx, key)
		if err != nil {
			return Version{}, err
		}
		v, err := l.CompareAppend(ctx, key, delta, actor, snap.Version)
		if err == nil {
			return v, nil
		}
		if !pkgerrors.Is(err, pkgerrors.CodeConflict) {
			return Version{}, err
		}
		lastErr = err
	}
	return Version{}, pkgerrors.Wrap(lastErr, pkgerrors.CodeConflict, "retries exhausted")
}

// HistoryAt reconstructs the cell's unit count as of a past instant by
// folding deltas committed at or before it.
func (l *Ledger) HistoryAt(ctx context.Context, key CellKey, at time.Time) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	versions, err := l.store.History(ctx, key, at)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "read inventory history")
	}
	units := 0
	for _, v := range versions {
		units += v.Delta
	}
	return units, nil
}
