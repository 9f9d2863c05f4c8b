package domain

import (
	"strings"

	pkgerrors "bloodbridge/pkg/errors"
)

// BloodType is a domain value for an ABO group plus Rh factor. It is used as a
// value, never as an identity.
//
// Usage: construct via ParseBloodType at trust boundaries to enforce the
// eight-variant allowlist; direct casting bypasses validation.
type BloodType string

// The eight supported ABO/Rh variants.
const (
	ONeg  BloodType = "O-"
	OPos  BloodType = "O+"
	ANeg  BloodType = "A-"
	APos  BloodType = "A+"
	BNeg  BloodType = "B-"
	BPos  BloodType = "B+"
	ABNeg BloodType = "AB-"
	ABPos BloodType = "AB+"
)

// AllBloodTypes lists the variants in a fixed order so derived sets stay
// deterministic across replays.
var AllBloodTypes = []BloodType{ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos}

var validBloodTypes = map[BloodType]bool{
	ONeg: true, OPos: true,
	ANeg: true, APos: true,
	BNeg: true, BPos: true,
	ABNeg: true, ABPos: true,
}

// ParseBloodType constructs a BloodType from external input. Input is
// normalized to uppercase before validation, matching intake forms that
// accept "a-" or "ab+".
//
// Errors: CodeInvalidBloodType when the value is empty or not one of the
// eight variants.
func ParseBloodType(s string) (BloodType, error) {
	bt := BloodType(strings.ToUpper(strings.TrimSpace(s)))
	if !bt.IsValid() {
		return "", pkgerrors.Newf(pkgerrors.CodeInvalidBloodType, "invalid blood type %q", s)
	}
	return bt, nil
}

// IsValid checks the value against the eight-variant allowlist.
func (b BloodType) IsValid() bool {
	return validBloodTypes[b]
}

// ABO returns the ABO group without the Rh factor.
func (b BloodType) ABO() string {
	return strings.TrimRight(string(b), "+-")
}

// RhPositive reports whether the Rh factor is positive.
func (b BloodType) RhPositive() bool {
	return strings.HasSuffix(string(b), "+")
}

func (b BloodType) String() string {
	return string(b)
}
