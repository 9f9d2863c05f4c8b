package ledger

import (
	"context"
	"time"
)

// Store persists per-cell version chains. Implementations are pure I/O; the
// non-negativity rule and version arithmetic live in the Ledger service.
//
// AppendVersion must be atomic per cell: when two writers race with the same
// version number, exactly one insert wins and the loser gets
// sentinel.ErrVersionMismatch.
type Store interface {
	// Latest returns the newest committed version for the cell, or
	// sentinel.ErrNotFound when the cell has no chain yet.
	Latest(ctx context.Context, key CellKey) (Version, error)

	// AppendVersion inserts v as the next row of its cell's chain.
	// v.Version must be exactly one past the current head (1 for a new
	// chain); otherwise sentinel.ErrVersionMismatch.
	AppendVersion(ctx context.Context, v Version) error

	// History returns the cell's versions with At <= until, oldest first.
	History(ctx context.Context, key CellKey, until time.Time) ([]Version, error)
}
