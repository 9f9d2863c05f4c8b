package eligibility

import (
	"context"

	"bloodbridge/pkg/domain"
)

// Store reads donor profiles. The filter never writes donor data, so the
// interface is read-only.
type Store interface {
	// ListByBloodTypes returns donors whose blood type is in the given set.
	ListByBloodTypes(ctx context.Context, types []domain.BloodType) ([]DonorProfile, error)

	// ListAll returns every donor profile.
	ListAll(ctx context.Context) ([]DonorProfile, error)
}
