package txlog

import (
	"time"

	"bloodbridge/pkg/domain"
)

// EntityType classifies what a log entry is about. The log is the single
// source of truth for these entities; request and ledger stores are caches
// rebuilt by replay.
type EntityType string

const (
	EntityRequest       EntityType = "request"
	EntityInventoryCell EntityType = "inventory_cell"
)

// Action names every state-changing operation the engine records. Corrections
// are compensating entries (release, expiry), never edits.
type Action string

const (
	ActionRequestCreated      Action = "request_created"
	ActionUnitsReserved       Action = "units_reserved"
	ActionReservationReleased Action = "reservation_released"
	ActionReservationExpired  Action = "reservation_expired"
	ActionRequestFulfilled    Action = "request_fulfilled"
	ActionRequestCancelled    Action = "request_cancelled"
	ActionRequestExpired      Action = "request_expired"
	ActionShortfallDetected   Action = "shortfall_detected"
	ActionDonorResponded      Action = "donor_responded"
	ActionBankDeclined        Action = "bank_declined"
	ActionDonationRecorded    Action = "donation_recorded"
	ActionDriveAnnounced      Action = "drive_announced"
)

// creatingActions introduce their entity; every other action must reference
// an entity the log already knows.
var creatingActions = map[Action]bool{
	ActionRequestCreated:   true,
	ActionDonationRecorded: true,
	ActionDriveAnnounced:   true,
}

// RequestStatus is the request state machine as the log sees it.
type RequestStatus string

const (
	StatusOpen              RequestStatus = "open"
	StatusPartiallyReserved RequestStatus = "partially_reserved"
	StatusFulfilled         RequestStatus = "fulfilled"
	StatusCancelled         RequestStatus = "cancelled"
	StatusExpired           RequestStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusFulfilled || s == StatusCancelled || s == StatusExpired
}

// Payload carries the new state recorded by an entry. Which fields are set
// depends on the action; the service validates the domain-typed ones.
type Payload struct {
	Hospital  string           `json:"hospital,omitempty"`
	Bank      string           `json:"bank,omitempty"`
	BloodType domain.BloodType `json:"blood_type,omitempty"`
	Component domain.Component `json:"component,omitempty"`
	Urgency   domain.Urgency   `json:"urgency,omitempty"`
	Units     int              `json:"units,omitempty"`
	Delta     int              `json:"delta,omitempty"`
	Status    RequestStatus    `json:"status,omitempty"`
	Remainder int              `json:"remainder,omitempty"`
	DonorID   string           `json:"donor_id,omitempty"`
	Accepted  bool             `json:"accepted,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CellVer   uint64           `json:"cell_version,omitempty"`
	AllocID   string           `json:"allocation_id,omitempty"`
	Subst     bool             `json:"substituted,omitempty"`
	Location  string           `json:"location,omitempty"`
	DriveDate time.Time        `json:"drive_date,omitzero"`
}

// Entry is one append-only record. Seq is assigned by the store: strictly
// increasing, gap-free, never reused. The ID is minted from the actor at
// append time ("<actor>-<6 hex>") so log lines stay greppable by cause.
// Refs lists secondary entities touched by the operation (e.g. the inventory
// cell consumed by a reservation) so audit trails can be cut per entity.
type Entry struct {
	ID           domain.TransactionID
	Seq          uint64
	EntityType   EntityType
	EntityID     string
	Action       Action
	PriorVersion uint64
	Payload      Payload
	Refs         []string
	Actor        string
	At           time.Time
}

// allowedPrior maps each request action to the statuses it may follow.
// A nil set means the action creates the entity.
var allowedPrior = map[Action][]RequestStatus{
	ActionUnitsReserved:       {StatusOpen, StatusPartiallyReserved},
	ActionReservationReleased: {StatusPartiallyReserved},
	ActionReservationExpired:  {StatusPartiallyReserved},
	ActionRequestFulfilled:    {StatusPartiallyReserved},
	ActionRequestCancelled:    {StatusOpen, StatusPartiallyReserved},
	ActionRequestExpired:      {StatusOpen, StatusPartiallyReserved},
	ActionShortfallDetected:   {StatusOpen, StatusPartiallyReserved},
	ActionDonorResponded:      {StatusOpen, StatusPartiallyReserved},
	ActionBankDeclined:        {StatusOpen, StatusPartiallyReserved},
}
