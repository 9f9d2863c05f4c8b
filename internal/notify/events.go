package notify

import (
	"time"

	"bloodbridge/pkg/domain"
)

// ShortfallEvent is emitted when the allocator exhausts every candidate cell
// and a remainder is left unmet. The delivery system decides how to reach
// the listed donors; this engine only guarantees the set is correct.
type ShortfallEvent struct {
	RequestID      string           `json:"request_id"`
	Hospital       string           `json:"hospital"`
	BloodType      domain.BloodType `json:"blood_type"`
	Component      domain.Component `json:"component"`
	Urgency        domain.Urgency   `json:"urgency"`
	UnitsShort     int              `json:"units_short"`
	EligibleDonors []string         `json:"eligible_donors"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// DriveEvent announces a scheduled blood drive to consenting volunteers.
type DriveEvent struct {
	RequestID  string    `json:"request_id"`
	Organizer  string    `json:"organizer"`
	Location   string    `json:"location"`
	DriveDate  time.Time `json:"drive_date"`
	Volunteers []string  `json:"volunteers"`
	OccurredAt time.Time `json:"occurred_at"`
}
