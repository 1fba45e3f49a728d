// Package operator defines the named operators used by device requirements
// and scoring criteria.
package operator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
)

// String compares a target string with a match string. All string operators
// ignore case, and an empty target or match never matches.
type String string

// String operators
const (
	Equals     String = "equals"
	Contains   String = "contains"
	BeginsWith String = "begins_with"
	EndsWith   String = "ends_with"
	NotEquals  String = "not_equals"
)

var stringOperators = map[String]func(target, match string) bool{
	Equals:     strings.EqualFold,
	Contains:   func(t, m string) bool { return strings.Contains(strings.ToLower(t), strings.ToLower(m)) },
	BeginsWith: func(t, m string) bool { return strings.HasPrefix(strings.ToLower(t), strings.ToLower(m)) },
	EndsWith:   func(t, m string) bool { return strings.HasSuffix(strings.ToLower(t), strings.ToLower(m)) },
	NotEquals:  func(t, m string) bool { return !strings.EqualFold(t, m) },
}

// ParseString resolves a string operator by name, ignoring case.
func ParseString(name string) (String, error) {
	op := String(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := stringOperators[op]; !ok {
		return "", fmt.Errorf("%w: string operator %q", errors.ErrUnknownType, name)
	}
	return op, nil
}

// Valid reports whether op is a known string operator.
func (op String) Valid() bool {
	_, ok := stringOperators[op]
	return ok
}

// Apply evaluates the operator. Unknown operators never match.
func (op String) Apply(target, match string) bool {
	if target == "" || match == "" {
		return false
	}
	fn, ok := stringOperators[op]
	if !ok {
		return false
	}
	return fn(target, match)
}

// UnmarshalText rejects unknown operator names.
func (op *String) UnmarshalText(text []byte) error {
	parsed, err := ParseString(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Location relates a device location to a location template.
type Location string

// Location operators
const (
	DescribedBy Location = "described_by"
	AtLocation  Location = "at_location"
	InArea      Location = "in_area"
)

var locationShapes = map[Location][]location.Shape{
	DescribedBy: {location.ShapeInformal},
	AtLocation:  {location.ShapePoint},
	InArea:      {location.ShapeCircle, location.ShapePolygon},
}

// ParseLocation resolves a location operator by name, ignoring case.
func ParseLocation(name string) (Location, error) {
	op := Location(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := locationShapes[op]; !ok {
		return "", fmt.Errorf("%w: location operator %q", errors.ErrUnknownType, name)
	}
	return op, nil
}

// Valid reports whether op is a known location operator.
func (op Location) Valid() bool {
	_, ok := locationShapes[op]
	return ok
}

// Shapes returns the template shapes the operator applies to.
func (op Location) Shapes() []location.Shape {
	return slices.Clone(locationShapes[op])
}

// Accepts reports whether the operator may be paired with a template of shape s.
func (op Location) Accepts(s location.Shape) bool {
	return slices.Contains(locationShapes[op], s)
}

// CheckCompatibility returns an invalid error when op cannot be paired with t.
// A missing operator or template is left to field validation.
func CheckCompatibility(op Location, t *location.Template) error {
	if op == "" || t == nil {
		return nil
	}
	if !op.Accepts(t.Shape) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: operator %q is not compatible with %s location template %q",
				errors.ErrValidation, op, t.Shape, t.ID),
			"operator", "CheckCompatibility", "pair operator with location template")
	}
	return nil
}

// Matches evaluates a device against the template: informal templates match
// the device's free-text location information, the others its coordinates.
func (op Location) Matches(t *location.Template, coords *location.Coordinates, information string) bool {
	if t == nil || !op.Accepts(t.Shape) {
		return false
	}
	switch op {
	case DescribedBy:
		return Contains.Apply(information, t.Description)
	case AtLocation, InArea:
		return coords != nil && t.Contains(*coords)
	}
	return false
}

// UnmarshalText rejects unknown operator names.
func (op *Location) UnmarshalText(text []byte) error {
	parsed, err := ParseLocation(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
