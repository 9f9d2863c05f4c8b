package domain

import (
	"strings"

	pkgerrors "bloodbridge/pkg/errors"
)

// Urgency is a domain value for a request's urgency tier.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyDrive     Urgency = "scheduled_drive"
)

var validUrgencies = map[Urgency]bool{
	UrgencyEmergency: true,
	UrgencyDrive:     true,
}

// ParseUrgency constructs an Urgency from external input.
//
// Errors: CodeInvalidRequest when the value is empty or unsupported.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if !u.IsValid() {
		return "", pkgerrors.Newf(pkgerrors.CodeInvalidRequest, "invalid urgency %q", s)
	}
	return u, nil
}

// IsValid checks the urgency against the supported tiers.
func (u Urgency) IsValid() bool {
	return validUrgencies[u]
}

func (u Urgency) String() string {
	return string(u)
}

// ConsentLevel encodes a donor's notification consent the way intake records
// it: 1 = emergency only, 2 = scheduled drives only, 3 = both.
type ConsentLevel int

const (
	ConsentEmergency ConsentLevel = 1
	ConsentDrive     ConsentLevel = 2
	ConsentBoth      ConsentLevel = 3
)

// IsValid checks the level against the supported encodings.
func (l ConsentLevel) IsValid() bool {
	return l >= ConsentEmergency && l <= ConsentBoth
}

// Covers reports whether this consent level permits notification for the
// given urgency tier.
func (l ConsentLevel) Covers(u Urgency) bool {
	switch u {
	case UrgencyEmergency:
		return l == ConsentEmergency || l == ConsentBoth
	case UrgencyDrive:
		return l == ConsentDrive || l == ConsentBoth
	default:
		return false
	}
}
