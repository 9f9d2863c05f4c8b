package txlog

import (
	"context"
	"time"
)

// Store persists log entries. Implementations are pure I/O; referential and
// state machine validation happen in the Log service before Append is
// reached.
//
// Append assigns the sequence number: strictly increasing, gap-free, one
// writer wins at a time. The log is never mutated or truncated.
type Store interface {
	// Append inserts the entry and returns its assigned sequence number.
	Append(ctx context.Context, e Entry) (uint64, error)

	// Read returns entries with fromSeq <= Seq <= toSeq in sequence order.
	// A toSeq of zero means unbounded.
	Read(ctx context.Context, fromSeq, toSeq uint64) ([]Entry, error)

	// ByEntity returns entries whose EntityID or Refs match, restricted to
	// [from, to] when non-zero, in sequence order.
	ByEntity(ctx context.Context, entityID string, from, to time.Time) ([]Entry, error)

	// LatestByEntity returns the newest entry whose EntityID matches, or
	// sentinel.ErrNotFound.
	LatestByEntity(ctx context.Context, entityID string) (Entry, error)
}
