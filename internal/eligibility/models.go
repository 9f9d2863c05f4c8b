package eligibility

import "bloodbridge/pkg/domain"

// DonorProfile is the slice of a donor record this engine reads: identity,
// blood type, and notification consent. Profiles are consumed, never mutated,
// here; registration and edits belong to the surrounding system.
type DonorProfile struct {
	ID        string
	BloodType domain.BloodType
	Consent   domain.ConsentLevel
}
