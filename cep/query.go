package cep

import (
	"regexp"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/c360/mbp/deploy"
	"github.com/c360/mbp/errors"
)

// Event is one component value as seen by trigger conditions.
type Event struct {
	Value     float64 `expr:"value" json:"value"`
	Time      int64   `expr:"time" json:"time"`
	ID        string  `expr:"id" json:"id"`
	Component string  `expr:"component" json:"component"`
}

// Source returns the query source name of the event.
func (e Event) Source() string {
	return e.Component + "_" + e.ID
}

func (e Event) field(name string) any {
	switch name {
	case "value":
		return e.Value
	case "time":
		return e.Time
	case "id":
		return e.ID
	case "component":
		return e.Component
	}
	return nil
}

// Event fields available to projections and conditions
var eventFields = []string{"value", "time", "id", "component"}

// Component types a source may name, longest first so that
// "dynamic_deployment_x" is not read as type "dynamic".
var sourceTypes = []string{deploy.TypeDynamicDeployment, deploy.TypeActuator, deploy.TypeSensor}

// AnySource matches events of every component.
const AnySource = "*"

var queryPattern = regexp.MustCompile(`(?is)^SELECT\s+(.+?)\s+FROM\s+(\S+)(?:\s+WHERE\s+(.+))?$`)

// Query is a parsed trigger query.
type Query struct {
	Fields        []string
	ComponentType string
	ComponentID   string
	Condition     string

	program *vm.Program
}

// ParseQuery parses and compiles a trigger query.
func ParseQuery(query string) (*Query, error) {
	query = strings.TrimSpace(query)
	if !strings.HasPrefix(query, "SELECT") {
		return nil, errors.WrapInvalid(ErrInvalidQuery, "cep", "ParseQuery", `query must start with a "SELECT" clause`)
	}
	m := queryPattern.FindStringSubmatch(query)
	if m == nil {
		return nil, errors.WrapInvalid(ErrInvalidQuery, "cep", "ParseQuery", "query must have the form SELECT <fields> FROM <source> [WHERE <condition>]")
	}

	q := &Query{Condition: strings.TrimSpace(m[3])}
	if err := q.parseFields(m[1]); err != nil {
		return nil, err
	}
	if err := q.parseSource(m[2]); err != nil {
		return nil, err
	}
	if q.Condition != "" {
		program, err := expr.Compile(q.Condition, expr.Env(Event{}), expr.AsBool())
		if err != nil {
			return nil, errors.WrapInvalid(errors.Join(ErrInvalidQuery, err), "cep", "ParseQuery", "compile condition")
		}
		q.program = program
	}
	return q, nil
}

func (q *Query) parseFields(projection string) error {
	projection = strings.TrimSpace(projection)
	if projection == "*" {
		return nil
	}
	for _, f := range strings.Split(projection, ",") {
		f = strings.TrimSpace(f)
		if !slices.Contains(eventFields, f) {
			return errors.WrapInvalid(ErrInvalidQuery, "cep", "ParseQuery", "unknown field "+f)
		}
		q.Fields = append(q.Fields, f)
	}
	return nil
}

func (q *Query) parseSource(source string) error {
	if source == AnySource {
		return nil
	}
	for _, t := range sourceTypes {
		if id, ok := strings.CutPrefix(source, t+"_"); ok && id != "" {
			q.ComponentType, q.ComponentID = t, id
			return nil
		}
	}
	return errors.WrapInvalid(ErrInvalidQuery, "cep", "ParseQuery", "unknown source "+source)
}

// AnySource reports whether the query selects events of every component.
func (q *Query) AnySource() bool {
	return q.ComponentType == ""
}

// Matches reports whether ev passes the source and the condition.
func (q *Query) Matches(ev Event) (bool, error) {
	if !q.AnySource() && (ev.Component != q.ComponentType || ev.ID != q.ComponentID) {
		return false, nil
	}
	if q.program == nil {
		return true, nil
	}
	out, err := expr.Run(q.program, ev)
	if err != nil {
		return false, errors.WrapInvalid(err, "cep", "Matches", "evaluate condition")
	}
	matched, _ := out.(bool)
	return matched, nil
}

// Output is what a firing trigger hands to its callback: the projected
// event fields keyed by "<source>.<field>".
type Output map[string]any

// Project builds the output of ev.
func (q *Query) Project(ev Event) Output {
	fields := q.Fields
	if len(fields) == 0 {
		fields = eventFields
	}
	out := make(Output, len(fields))
	for _, f := range fields {
		out[ev.Source()+"."+f] = ev.field(f)
	}
	return out
}
