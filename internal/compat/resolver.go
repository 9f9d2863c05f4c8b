// Package compat encodes ABO/Rh compatibility and the substitution policy.
// Everything here is pure and deterministic: the allocator and the
// eligibility filter both depend on getting bit-for-bit identical sets for
// identical inputs, which is what makes audit replay possible.
package compat

import (
	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// Policy configures which substitutions outside the strict ABO/Rh matrix are
// allowed, and under which urgency tier.
type Policy struct {
	// EmergencyRhSubstitution permits Rh-positive units for Rh-negative
	// recipients of red-cell components when the request is an emergency.
	// Substituted types are reported separately and never mixed into the
	// strict matrix.
	EmergencyRhSubstitution bool
}

// DefaultPolicy mirrors standing transfusion practice: Rh substitution is
// available for emergencies and nothing else.
func DefaultPolicy() Policy {
	return Policy{EmergencyRhSubstitution: true}
}

// Resolver answers compatibility questions for the allocator and the
// eligibility filter. A zero Resolver uses the strict matrix with no
// substitutions.
type Resolver struct {
	policy Policy
}

func New(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// AcceptableDonorTypes returns, in fixed order, the blood types whose donors
// may give the requested component to a recipient of the given type.
//
// Errors: CodeInvalidBloodType / CodeInvalidComponent on malformed values.
func (r *Resolver) AcceptableDonorTypes(recipient domain.BloodType, c domain.Component) ([]domain.BloodType, error) {
	if err := checkDomain(recipient, c); err != nil {
		return nil, err
	}
	return acceptable(recipient, c), nil
}

// AcceptableInventoryTypes returns, in fixed order, the blood types of
// stocked units that may satisfy a request for the given recipient type and
// component. Stocked units carry their donor's type, so the matrix is the
// same as for donors.
func (r *Resolver) AcceptableInventoryTypes(requested domain.BloodType, c domain.Component) ([]domain.BloodType, error) {
	return r.AcceptableDonorTypes(requested, c)
}

// Substitutions returns the blood types acceptable only under the configured
// substitution policy for the given urgency. The result is disjoint from
// AcceptableInventoryTypes; callers must flag any allocation drawn from it.
func (r *Resolver) Substitutions(requested domain.BloodType, c domain.Component, u domain.Urgency) ([]domain.BloodType, error) {
	if err := checkDomain(requested, c); err != nil {
		return nil, err
	}
	if !u.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid urgency %q", u)
	}
	if !r.policy.EmergencyRhSubstitution || u != domain.UrgencyEmergency {
		return nil, nil
	}
	if !c.CarriesRedCells() || requested.RhPositive() {
		return nil, nil
	}
	strict := toSet(acceptable(requested, c))
	var subs []domain.BloodType
	for _, donor := range domain.AllBloodTypes {
		if strict[donor] || !donor.RhPositive() {
			continue
		}
		if aboSubset(donor, requested) {
			subs = append(subs, donor)
		}
	}
	return subs, nil
}

func checkDomain(bt domain.BloodType, c domain.Component) error {
	if !bt.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidBloodType, "invalid blood type %q", bt)
	}
	if !c.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInvalidComponent, "invalid component %q", c)
	}
	return nil
}

// acceptable walks AllBloodTypes in order so the result is deterministic.
func acceptable(recipient domain.BloodType, c domain.Component) []domain.BloodType {
	var out []domain.BloodType
	for _, donor := range domain.AllBloodTypes {
		if compatible(donor, recipient, c) {
			out = append(out, donor)
		}
	}
	return out
}

// compatible implements the standard matrices. Red-cell-bearing components
// follow antigen-subset plus the Rh rule; plasma inverts the ABO relation
// (AB plasma is the universal donor) and ignores Rh.
func compatible(donor, recipient domain.BloodType, c domain.Component) bool {
	if c.CarriesRedCells() {
		if donor.RhPositive() && !recipient.RhPositive() {
			return false
		}
		return aboSubset(donor, recipient)
	}
	return aboSubset(recipient, donor)
}

// aboSubset reports whether every antigen of a is present in b. O has no
// antigens, AB has both.
func aboSubset(a, b domain.BloodType) bool {
	for _, antigen := range antigens(a) {
		found := false
		for _, have := range antigens(b) {
			if antigen == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// antigens maps the ABO group to its antigen set; group O carries none.
func antigens(bt domain.BloodType) string {
	abo := bt.ABO()
	if abo == "O" {
		return ""
	}
	return abo
}

func toSet(types []domain.BloodType) map[domain.BloodType]bool {
	set := make(map[domain.BloodType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
