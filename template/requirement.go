package template

import (
	"strings"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/operator"
	"github.com/c360/mbp/pkg/typereg"
)

// Requirement is a hard condition a candidate device has to satisfy.
type Requirement interface {
	Type() string
	// Validate adds field errors under prefix.
	Validate(v *errors.ValidationError, prefix string, locs location.Lookup)
	// QueryRequirement renders the requirement for discovery repositories.
	QueryRequirement(locs location.Lookup) (map[string]any, error)
	// Matches evaluates the requirement against a description locally.
	Matches(d *device.Description, locs location.Lookup) bool
}

// Requirements is the registry of requirement types.
var Requirements = typereg.New[Requirement]("requirement")

// Requirement type names
const (
	TypeNameRequirement        = "name"
	TypeDescriptionRequirement = "description"
	TypeLocationRequirement    = "location"
)

func init() {
	Requirements.MustRegister(TypeNameRequirement, func() Requirement { return &NameRequirement{} })
	Requirements.MustRegister(TypeDescriptionRequirement, func() Requirement { return &DescriptionRequirement{} })
	Requirements.MustRegister(TypeLocationRequirement, func() Requirement { return &LocationRequirement{} })
}

// textRequirement compares one text attribute of a device with a match string.
type textRequirement struct {
	Operator operator.String `json:"operator"`
	Match    string          `json:"match"`
}

func (r *textRequirement) validate(v *errors.ValidationError, prefix string) {
	if r.Operator == "" {
		v.Add(prefix+".operator", "An operator must be selected.")
	}
	if strings.TrimSpace(r.Match) == "" {
		v.Add(prefix+".match", "The match string must not be empty.")
	}
}

func (r *textRequirement) query(typeName string) map[string]any {
	return map[string]any{
		"type":     typeName,
		"operator": string(r.Operator),
		"match":    r.Match,
	}
}

// NameRequirement matches the device name.
type NameRequirement struct {
	textRequirement
}

// NewNameRequirement creates a name requirement.
func NewNameRequirement(op operator.String, match string) *NameRequirement {
	return &NameRequirement{textRequirement{Operator: op, Match: match}}
}

func (*NameRequirement) Type() string { return TypeNameRequirement }

func (r *NameRequirement) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	r.validate(v, prefix)
}

func (r *NameRequirement) QueryRequirement(location.Lookup) (map[string]any, error) {
	return r.query(TypeNameRequirement), nil
}

func (r *NameRequirement) Matches(d *device.Description, _ location.Lookup) bool {
	return d != nil && r.Operator.Apply(d.Name, r.Match)
}

// DescriptionRequirement matches the free-text device description.
type DescriptionRequirement struct {
	textRequirement
}

// NewDescriptionRequirement creates a description requirement.
func NewDescriptionRequirement(op operator.String, match string) *DescriptionRequirement {
	return &DescriptionRequirement{textRequirement{Operator: op, Match: match}}
}

func (*DescriptionRequirement) Type() string { return TypeDescriptionRequirement }

func (r *DescriptionRequirement) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	r.validate(v, prefix)
}

func (r *DescriptionRequirement) QueryRequirement(location.Lookup) (map[string]any, error) {
	return r.query(TypeDescriptionRequirement), nil
}

func (r *DescriptionRequirement) Matches(d *device.Description, _ location.Lookup) bool {
	return d != nil && r.Operator.Apply(d.Description, r.Match)
}

// LocationRequirement restricts the device location relative to a location
// template. The operator must accept the template's shape.
type LocationRequirement struct {
	Operator           operator.Location `json:"operator"`
	LocationTemplateID string            `json:"locationTemplateId"`
}

// NewLocationRequirement pairs op with tpl and fails if they are incompatible.
func NewLocationRequirement(op operator.Location, tpl *location.Template) (*LocationRequirement, error) {
	if tpl == nil {
		return nil, errors.WrapInvalid(errors.ErrNilArgument, "LocationRequirement", "New", "resolve location template")
	}
	if err := operator.CheckCompatibility(op, tpl); err != nil {
		return nil, err
	}
	return &LocationRequirement{Operator: op, LocationTemplateID: tpl.ID}, nil
}

func (*LocationRequirement) Type() string { return TypeLocationRequirement }

func (r *LocationRequirement) Validate(v *errors.ValidationError, prefix string, locs location.Lookup) {
	if r.Operator == "" {
		v.Add(prefix+".operator", "An operator must be selected.")
	}
	tpl, ok := lookupTemplate(locs, r.LocationTemplateID)
	if !ok {
		v.Add(prefix+".locationTemplateId", "The referenced location template does not exist.")
		return
	}
	if r.Operator != "" && !r.Operator.Accepts(tpl.Shape) {
		v.Addf(prefix+".operator", "The operator cannot be used with location templates of type '%s'.", tpl.Shape)
	}
}

func (r *LocationRequirement) QueryRequirement(locs location.Lookup) (map[string]any, error) {
	tpl, ok := lookupTemplate(locs, r.LocationTemplateID)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "LocationRequirement", "QueryRequirement", "resolve location template")
	}
	if err := operator.CheckCompatibility(r.Operator, tpl); err != nil {
		return nil, err
	}
	return map[string]any{
		"type":     TypeLocationRequirement,
		"operator": string(r.Operator),
		"details":  tpl.QueryDetails(),
	}, nil
}

func (r *LocationRequirement) Matches(d *device.Description, locs location.Lookup) bool {
	tpl, ok := lookupTemplate(locs, r.LocationTemplateID)
	if !ok || d == nil {
		return false
	}
	var coords *location.Coordinates
	if c, ok := d.Coordinates(); ok {
		coords = &c
	}
	return r.Operator.Matches(tpl, coords, d.LocationInformation())
}

func lookupTemplate(locs location.Lookup, id string) (*location.Template, bool) {
	if locs == nil || id == "" {
		return nil, false
	}
	tpl, ok := locs.LocationTemplate(id)
	return tpl, ok && tpl != nil
}
