package domain

import (
	"strings"

	pkgerrors "bloodbridge/pkg/errors"
)

// Component is a domain value for the kind of blood product tracked in an
// inventory cell.
type Component string

// Supported component kinds.
const (
	ComponentWhole     Component = "whole"
	ComponentRBC       Component = "rbc"
	ComponentPlasma    Component = "plasma"
	ComponentPlatelets Component = "platelets"
)

// AllComponents lists the kinds in a fixed order for deterministic iteration.
var AllComponents = []Component{ComponentWhole, ComponentRBC, ComponentPlasma, ComponentPlatelets}

var validComponents = map[Component]bool{
	ComponentWhole:     true,
	ComponentRBC:       true,
	ComponentPlasma:    true,
	ComponentPlatelets: true,
}

// ParseComponent constructs a Component from external input. Accepts the
// canonical lowercase names case-insensitively.
//
// Errors: CodeInvalidComponent when the value is empty or unsupported.
func ParseComponent(s string) (Component, error) {
	c := Component(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", pkgerrors.Newf(pkgerrors.CodeInvalidComponent, "invalid component %q", s)
	}
	return c, nil
}

// IsValid checks the component against the supported kinds.
func (c Component) IsValid() bool {
	return validComponents[c]
}

// CarriesRedCells reports whether compatibility for this component follows
// the red-cell ABO/Rh matrix rather than the inverted plasma matrix.
func (c Component) CarriesRedCells() bool {
	return c != ComponentPlasma
}

func (c Component) String() string {
	return string(c)
}
