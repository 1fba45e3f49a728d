package template

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/operator"
	"github.com/c360/mbp/pkg/typereg"
)

// Criterion contributes a score increment (or decrement) for a candidate.
// Criteria that cannot compute a score for a description contribute 0.
type Criterion interface {
	Type() string
	// Validate adds field errors under prefix.
	Validate(v *errors.ValidationError, prefix string, locs location.Lookup)
	ScoreIncrement(d *device.Description, sc *ScoringContext) float64
}

// ScoringContext carries what criteria need beyond the description itself:
// the location templates and the corpus of all descriptions being scored
// together, which allows relative scores.
type ScoringContext struct {
	Locations location.Lookup
	Corpus    *Corpus
}

// Criteria is the registry of scoring criterion types.
var Criteria = typereg.New[Criterion]("scoring criterion")

// Criterion type names
const (
	TypeProximity         = "proximity"
	TypeDescription       = "description"
	TypeTerm              = "term"
	TypeStringCapability  = "string_capability"
	TypeNumberCapability  = "number_capability"
	TypeBooleanCapability = "boolean_capability"
)

func init() {
	Criteria.MustRegister(TypeProximity, func() Criterion { return &ProximityCriterion{} })
	Criteria.MustRegister(TypeDescription, func() Criterion { return &DescriptionCriterion{} })
	Criteria.MustRegister(TypeTerm, func() Criterion { return &TermCriterion{} })
	Criteria.MustRegister(TypeStringCapability, func() Criterion { return &StringCapabilityCriterion{} })
	Criteria.MustRegister(TypeNumberCapability, func() Criterion { return &NumberCapabilityCriterion{} })
	Criteria.MustRegister(TypeBooleanCapability, func() Criterion { return &BooleanCapabilityCriterion{} })
}

// ProximityCriterion scores devices by their distance d to a point location
// template: MaximumScore * 2^(-d/HalfScoreDistance).
type ProximityCriterion struct {
	LocationTemplateID string  `json:"locationTemplateId"`
	MaximumScore       float64 `json:"maximumScore"`
	// meters
	HalfScoreDistance float64 `json:"halfScoreDistance"`
}

func (*ProximityCriterion) Type() string { return TypeProximity }

func (c *ProximityCriterion) Validate(v *errors.ValidationError, prefix string, locs location.Lookup) {
	if tpl, ok := lookupTemplate(locs, c.LocationTemplateID); !ok || tpl.Shape != location.ShapePoint {
		v.Add(prefix+".locationTemplateId", "The referenced location template does not exist or is not of type 'point'.")
	}
	if c.MaximumScore == 0 || math.IsNaN(c.MaximumScore) {
		v.Add(prefix+".maximumScore", "The maximum score must not be zero.")
	}
	if !(c.HalfScoreDistance > 0) {
		v.Add(prefix+".halfScoreDistance", "The half score distance must be greater than zero.")
	}
}

// Score returns the score for a distance in meters.
func (c *ProximityCriterion) Score(distance float64) float64 {
	if !(c.HalfScoreDistance > 0) || distance < 0 {
		return 0
	}
	return c.MaximumScore * math.Exp2(-distance/c.HalfScoreDistance)
}

func (c *ProximityCriterion) ScoreIncrement(d *device.Description, sc *ScoringContext) float64 {
	coords, ok := d.Coordinates()
	if !ok || sc == nil {
		return 0
	}
	tpl, ok := lookupTemplate(sc.Locations, c.LocationTemplateID)
	if !ok || tpl.Shape != location.ShapePoint {
		return 0
	}
	return c.Score(location.Distance(tpl.Center(), coords))
}

// TermField selects the device attribute a term criterion is applied to.
type TermField string

// Term fields
const (
	FieldName         TermField = "name"
	FieldDescription  TermField = "description"
	FieldType         TermField = "type"
	FieldModel        TermField = "model"
	FieldManufacturer TermField = "manufacturer"
)

var termFields = map[TermField]func(d *device.Description) string{
	FieldName:        func(d *device.Description) string { return d.Name },
	FieldDescription: func(d *device.Description) string { return d.Description },
	FieldType: func(d *device.Description) string {
		if d.Identifiers == nil {
			return ""
		}
		return d.Identifiers.Type
	},
	FieldModel: func(d *device.Description) string {
		if d.Identifiers == nil {
			return ""
		}
		return d.Identifiers.ModelName
	},
	FieldManufacturer: func(d *device.Description) string {
		if d.Identifiers == nil {
			return ""
		}
		return d.Identifiers.Manufacturer
	},
}

// UnmarshalText accepts field names regardless of case.
func (f *TermField) UnmarshalText(text []byte) error {
	field := TermField(strings.ToLower(strings.TrimSpace(string(text))))
	if _, ok := termFields[field]; !ok {
		return fmt.Errorf("%w: term field %q", errors.ErrUnknownType, text)
	}
	*f = field
	return nil
}

// Retrieve returns the field value of d.
func (f TermField) Retrieve(d *device.Description) string {
	get, ok := termFields[f]
	if !ok || d == nil {
		return ""
	}
	return get(d)
}

// TermCriterion adds Increment if a device attribute matches.
type TermCriterion struct {
	Field          TermField       `json:"field"`
	Operator       operator.String `json:"operator"`
	Match          string          `json:"match"`
	Increment      float64         `json:"scoreIncrement"`
}

func (*TermCriterion) Type() string { return TypeTerm }

func (c *TermCriterion) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	if c.Field == "" {
		v.Add(prefix+".field", "A device description field must be selected.")
	}
	validateMatch(v, prefix, c.Operator, c.Match, c.Increment)
}

func (c *TermCriterion) ScoreIncrement(d *device.Description, _ *ScoringContext) float64 {
	if c.Operator.Apply(c.Field.Retrieve(d), c.Match) {
		return c.Increment
	}
	return 0
}

func validateMatch(v *errors.ValidationError, prefix string, op operator.String, match string, increment float64) {
	if op == "" {
		v.Add(prefix+".operator", "An operator must be selected.")
	}
	if match == "" {
		v.Add(prefix+".match", "The match string must not be empty.")
	}
	if increment == 0 {
		v.Add(prefix+".scoreIncrement", "The score increment must not be zero.")
	}
}

func validateCapabilityName(v *errors.ValidationError, prefix, name string) {
	if strings.TrimSpace(name) == "" {
		v.Add(prefix+".capabilityName", "The capability name must not be empty.")
	}
}

// StringCapabilityCriterion adds Increment if a string capability matches.
type StringCapabilityCriterion struct {
	CapabilityName string          `json:"capabilityName"`
	Operator       operator.String `json:"operator"`
	Match          string          `json:"match"`
	Increment      float64         `json:"scoreIncrement"`
}

func (*StringCapabilityCriterion) Type() string { return TypeStringCapability }

func (c *StringCapabilityCriterion) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	validateCapabilityName(v, prefix, c.CapabilityName)
	validateMatch(v, prefix, c.Operator, c.Match, c.Increment)
}

func (c *StringCapabilityCriterion) ScoreIncrement(d *device.Description, _ *ScoringContext) float64 {
	capability, ok := d.Capability(c.CapabilityName)
	if !ok {
		return 0
	}
	value, ok := capability.String()
	if ok && c.Operator.Apply(value, c.Match) {
		return c.Increment
	}
	return 0
}

// BooleanCapabilityCriterion scores a boolean capability.
type BooleanCapabilityCriterion struct {
	CapabilityName      string  `json:"capabilityName"`
	TrueScoreIncrement  float64 `json:"trueScoreIncrement"`
	FalseScoreIncrement float64 `json:"falseScoreIncrement"`
}

func (*BooleanCapabilityCriterion) Type() string { return TypeBooleanCapability }

func (c *BooleanCapabilityCriterion) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	validateCapabilityName(v, prefix, c.CapabilityName)
}

func (c *BooleanCapabilityCriterion) ScoreIncrement(d *device.Description, _ *ScoringContext) float64 {
	capability, ok := d.Capability(c.CapabilityName)
	if !ok {
		return 0
	}
	value, ok := capability.Bool()
	switch {
	case !ok:
		return 0
	case value:
		return c.TrueScoreIncrement
	default:
		return c.FalseScoreIncrement
	}
}

// NumberCapabilityCriterion transforms a numeric capability x into a score
// with an expression such as "x * 2" or "min(x, 8) * 10".
type NumberCapabilityCriterion struct {
	CapabilityName           string `json:"capabilityName"`
	TransformationExpression string `json:"transformationFunction"`

	mu       sync.Mutex
	compiled string
	program  *vm.Program
}

func (*NumberCapabilityCriterion) Type() string { return TypeNumberCapability }

func (c *NumberCapabilityCriterion) Validate(v *errors.ValidationError, prefix string, _ location.Lookup) {
	validateCapabilityName(v, prefix, c.CapabilityName)
	if strings.TrimSpace(c.TransformationExpression) == "" {
		v.Add(prefix+".transformationFunction", "The transformation expression must not be empty.")
		return
	}
	if _, err := c.evaluate(1); err != nil {
		v.Add(prefix+".transformationFunction", "The expression is invalid: "+err.Error())
	}
}

func (c *NumberCapabilityCriterion) ScoreIncrement(d *device.Description, _ *ScoringContext) float64 {
	capability, ok := d.Capability(c.CapabilityName)
	if !ok {
		return 0
	}
	x, ok := capability.Number()
	if !ok {
		return 0
	}
	score, err := c.evaluate(x)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

func (c *NumberCapabilityCriterion) evaluate(x float64) (float64, error) {
	program, err := c.compile()
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(program, map[string]any{"x": x})
	if err != nil {
		return 0, err
	}
	switch n := out.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expression result %v is not a number", out)
}

func (c *NumberCapabilityCriterion) compile() (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.program != nil && c.compiled == c.TransformationExpression {
		return c.program, nil
	}
	program, err := expr.Compile(c.TransformationExpression,
		expr.Env(map[string]any{"x": 0.0}),
		expr.AsFloat64(),
	)
	if err != nil {
		return nil, err
	}
	c.program = program
	c.compiled = c.TransformationExpression
	return program, nil
}
