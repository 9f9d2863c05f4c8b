package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrVersionMismatch: compare-and-append lost a race, caller may retry
// - ErrDuplicate: entity with the same identity already stored
//
// For validation errors (bad input, malformed domain values), use pkg/errors directly.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrDuplicate       = errors.New("duplicate")
)
