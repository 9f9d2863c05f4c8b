package allocator

import (
	"time"

	"bloodbridge/internal/ledger"
	"bloodbridge/internal/txlog"
	"bloodbridge/pkg/domain"
)

// RequestKind separates demand requests, which consume inventory, from drive
// announcements, which only recruit volunteers.
type RequestKind string

const (
	KindDemand RequestKind = "demand"
	KindDrive  RequestKind = "drive"
)

// Request is the working-set view of a blood request. The transaction log is
// the source of truth; this record is a cache the allocator keeps current and
// can rebuild by replay.
type Request struct {
	ID        domain.RequestID
	Kind      RequestKind
	Hospital  string
	BloodType domain.BloodType
	Component domain.Component
	Urgency   domain.Urgency
	Units     int
	Remainder int
	Status    txlog.RequestStatus
	CreatedAt time.Time

	// Drive announcements carry a location and date instead of units.
	Location  string
	DriveDate time.Time

	// DonorResponses maps donor ID to whether they accepted. A donor who
	// declined is excluded from later eligibility sets for this request.
	DonorResponses map[string]bool

	// DeclinedBanks records banks that refused to serve this request. When
	// every known bank has declined, the request closes.
	DeclinedBanks map[string]bool
}

// Outcome is the lifecycle state of one allocation.
type Outcome string

const (
	OutcomeReserved  Outcome = "reserved"
	OutcomeFulfilled Outcome = "fulfilled"
	OutcomeReleased  Outcome = "released"
	OutcomeExpired   Outcome = "expired"
)

// Allocation binds reserved units from one inventory cell to one request.
// CellVersion is the ledger version produced by the reserving append, which
// ties the allocation to the exact inventory movement.
type Allocation struct {
	ID          string
	RequestID   domain.RequestID
	Cell        ledger.CellKey
	Units       int
	Substituted bool
	CellVersion uint64
	Outcome     Outcome
	ReservedAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether a still-reserved allocation has passed its
// deadline.
func (a *Allocation) Expired(now time.Time) bool {
	return a.Outcome == OutcomeReserved && !a.ExpiresAt.After(now)
}
