package ledger

import (
	"fmt"
	"strings"
	"time"

	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// CellKey is the identity of an inventory cell: one bank's stock of one
// blood type of one component. All mutual exclusion in the ledger is scoped
// to this key; nothing ever locks across cells.
type CellKey struct {
	Bank      string
	Type      domain.BloodType
	Component domain.Component
}

// Validate rejects malformed keys before they reach a store.
func (k CellKey) Validate() error {
	if strings.TrimSpace(k.Bank) == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidRequest, "bank is required")
	}
	if !k.Type.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidBloodType, "invalid blood type %q", k.Type)
	}
	if !k.Component.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidComponent, "invalid component %q", k.Component)
	}
	return nil
}

// String renders the key in the "bank/type/component" form used as the
// entity ID in transaction log entries.
func (k CellKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Bank, k.Type, k.Component)
}

// ParseCellKey inverts CellKey.String for audit trail lookups.
func ParseCellKey(s string) (CellKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return CellKey{}, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "malformed cell key %q", s)
	}
	bt, err := domain.ParseBloodType(parts[1])
	if err != nil {
		return CellKey{}, err
	}
	c, err := domain.ParseComponent(parts[2])
	if err != nil {
		return CellKey{}, err
	}
	key := CellKey{Bank: parts[0], Type: bt, Component: c}
	if err := key.Validate(); err != nil {
		return CellKey{}, err
	}
	return key, nil
}

// Version is one immutable row in a cell's append-only chain. Units is the
// committed count after applying Delta; version numbers start at 1 and are
// dense per cell.
type Version struct {
	Cell    CellKey
	Version uint64
	Units   int
	Delta   int
	Actor   string
	At      time.Time
}

// Snapshot is the read model handed to callers: the latest committed count
// and the version to condition a subsequent append on.
type Snapshot struct {
	Units   int
	Version uint64
	AsOf    time.Time
}
