// Package template defines device templates: the requirements a candidate
// device must satisfy and the scoring criteria that rank the candidates.
//
// Requirements and criteria are polymorphic JSON values tagged with a
// "type" field and decoded through the Requirements and Criteria registries.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/location"
	"github.com/c360/mbp/pkg/typereg"
)

// DeviceTemplate describes which devices are acceptable candidates for a
// deployment and how to rank them.
type DeviceTemplate struct {
	ID              string
	Name            string
	Owner           string
	Requirements    []Requirement
	ScoringCriteria []Criterion
	LastUpdate      time.Time
}

type templateJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Owner           string          `json:"owner,omitempty"`
	Requirements    json.RawMessage `json:"requirements"`
	ScoringCriteria json.RawMessage `json:"scoringCriteria"`
	LastUpdate      time.Time       `json:"lastUpdate,omitzero"`
}

// MarshalJSON writes requirements and criteria with their type names.
func (t DeviceTemplate) MarshalJSON() ([]byte, error) {
	reqs, err := typereg.EncodeList(t.Requirements)
	if err != nil {
		return nil, err
	}
	criteria, err := typereg.EncodeList(t.ScoringCriteria)
	if err != nil {
		return nil, err
	}
	return json.Marshal(templateJSON{
		ID:              t.ID,
		Name:            t.Name,
		Owner:           t.Owner,
		Requirements:    reqs,
		ScoringCriteria: criteria,
		LastUpdate:      t.LastUpdate,
	})
}

// UnmarshalJSON decodes requirements and criteria through their registries.
// Unknown type names are rejected.
func (t *DeviceTemplate) UnmarshalJSON(data []byte) error {
	var raw templateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	reqs, err := Requirements.DecodeList(raw.Requirements)
	if err != nil {
		return err
	}
	criteria, err := Criteria.DecodeList(raw.ScoringCriteria)
	if err != nil {
		return err
	}
	*t = DeviceTemplate{
		ID:              raw.ID,
		Name:            raw.Name,
		Owner:           raw.Owner,
		Requirements:    reqs,
		ScoringCriteria: criteria,
		LastUpdate:      raw.LastUpdate,
	}
	return nil
}

// Validate checks the template and all its requirements and criteria against
// the known location templates.
func (t *DeviceTemplate) Validate(locs location.Lookup) error {
	v := errors.NewValidationError("invalid device template")
	if strings.TrimSpace(t.Name) == "" {
		v.Add("name", "The name must not be empty.")
	}
	for i, r := range t.Requirements {
		prefix := fmt.Sprintf("requirements[%d]", i)
		if r == nil {
			v.Add(prefix, "The requirement must not be null.")
			continue
		}
		r.Validate(v, prefix, locs)
	}
	for i, c := range t.ScoringCriteria {
		prefix := fmt.Sprintf("scoringCriteria[%d]", i)
		if c == nil {
			v.Add(prefix, "The scoring criterion must not be null.")
			continue
		}
		c.Validate(v, prefix, locs)
	}
	return v.OrNil()
}

// QueryRequirements renders the requirements in the form sent to discovery
// repositories.
func (t *DeviceTemplate) QueryRequirements(locs location.Lookup) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(t.Requirements))
	for _, r := range t.Requirements {
		q, err := r.QueryRequirement(locs)
		if err != nil {
			return nil, errors.Wrap(err, "DeviceTemplate", "QueryRequirements", "render "+r.Type()+" requirement")
		}
		out = append(out, q)
	}
	return out, nil
}

// UsesLocationTemplate reports whether any requirement or criterion references
// the location template id. Referenced location templates cannot be deleted.
func (t *DeviceTemplate) UsesLocationTemplate(id string) bool {
	for _, r := range t.Requirements {
		if lr, ok := r.(*LocationRequirement); ok && lr.LocationTemplateID == id {
			return true
		}
	}
	for _, c := range t.ScoringCriteria {
		if pc, ok := c.(*ProximityCriterion); ok && pc.LocationTemplateID == id {
			return true
		}
	}
	return false
}
