// Package eligibility computes which donors may be notified for a shortfall
// or a blood drive. The computation is pure over a donor snapshot: the same
// snapshot and the same request always produce the same set, which audit
// replay depends on.
package eligibility

import (
	"context"
	"sort"

	"bloodbridge/internal/compat"
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// Filter applies compatibility and consent rules to donor profiles.
type Filter struct {
	donors   Store
	resolver *compat.Resolver
}

func New(donors Store, resolver *compat.Resolver) *Filter {
	return &Filter{donors: donors, resolver: resolver}
}

// EligibleDonors returns the sorted donor IDs that may be notified for a
// shortfall of the given blood type and component at the given urgency.
// A donor qualifies when their blood type can serve the recipient and their
// consent level covers the urgency tier.
//
// Errors are surfaced immediately; they indicate caller misuse, never a
// recoverable condition.
func (f *Filter) EligibleDonors(ctx context.Context, needed domain.BloodType, c domain.Component, u domain.Urgency) ([]string, error) {
	if !u.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid urgency %q", u)
	}
	donorTypes, err := f.resolver.AcceptableDonorTypes(needed, c)
	if err != nil {
		return nil, err
	}
	donors, err := f.donors.ListByBloodTypes(ctx, donorTypes)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list donors")
	}
	return collectConsenting(donors, u), nil
}

// DriveVolunteers returns the sorted donor IDs that may be notified of a
// blood drive announcement. Drives carry no blood type, so only consent
// applies.
func (f *Filter) DriveVolunteers(ctx context.Context) ([]string, error) {
	donors, err := f.donors.ListAll(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "list donors")
	}
	return collectConsenting(donors, domain.UrgencyDrive), nil
}

func collectConsenting(donors []DonorProfile, u domain.Urgency) []string {
	var ids []string
	for _, d := range donors {
		if d.Consent.Covers(u) {
			ids = append(ids, d.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
