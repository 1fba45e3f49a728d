package candidate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/pkg/typereg"
)

// Operation is one incremental change to a candidate collection.
type Operation interface {
	Type() string
	Apply(c *Collection)
	// Describe returns a short human-readable summary for discovery logs.
	Describe() string
}

// Operations is the registry of revision operation types.
var Operations = typereg.New[Operation]("revision operation")

// Operation type names
const (
	TypeUpsert  = "upsert"
	TypeDelete  = "delete"
	TypeReplace = "replace"
)

func init() {
	Operations.MustRegister(TypeUpsert, func() Operation { return &UpsertOperation{} })
	Operations.MustRegister(TypeDelete, func() Operation { return &DeleteOperation{} })
	Operations.MustRegister(TypeReplace, func() Operation { return &ReplaceOperation{} })
}

// UpsertOperation adds devices or updates those already present.
type UpsertOperation struct {
	DeviceDescriptions []*device.Description `json:"deviceDescriptions"`
}

func (*UpsertOperation) Type() string { return TypeUpsert }

func (o *UpsertOperation) Apply(c *Collection) { c.Upsert(o.DeviceDescriptions...) }

func (o *UpsertOperation) Describe() string {
	return fmt.Sprintf("Upsert %s", describeDevices(o.DeviceDescriptions))
}

// DeleteOperation removes devices by MAC address.
type DeleteOperation struct {
	MACAddresses []string `json:"macAddresses"`
}

func (*DeleteOperation) Type() string { return TypeDelete }

func (o *DeleteOperation) Apply(c *Collection) { c.Remove(o.MACAddresses...) }

func (o *DeleteOperation) Describe() string {
	return fmt.Sprintf("Delete devices with MAC addresses %s", strings.Join(o.MACAddresses, ", "))
}

// ReplaceOperation replaces the whole collection.
type ReplaceOperation struct {
	DeviceDescriptions []*device.Description `json:"deviceDescriptions"`
}

func (*ReplaceOperation) Type() string { return TypeReplace }

func (o *ReplaceOperation) Apply(c *Collection) { c.Replace(o.DeviceDescriptions...) }

func (o *ReplaceOperation) Describe() string {
	return fmt.Sprintf("Replace all devices with %s", describeDevices(o.DeviceDescriptions))
}

func describeDevices(ds []*device.Description) string {
	if len(ds) == 0 {
		return "no devices"
	}
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		if d == nil {
			continue
		}
		names = append(names, fmt.Sprintf("%s (%s)", d.Name, d.Identity()))
	}
	return strings.Join(names, ", ")
}

// Revision is an ordered batch of operations for the candidate collections
// of the device templates listed in ReferenceIDs.
type Revision struct {
	ReferenceIDs []string
	Operations   []Operation
}

type revisionJSON struct {
	ReferenceIDs []string        `json:"referenceIds"`
	Operations   json.RawMessage `json:"operations"`
}

// MarshalJSON writes the operations with their type names.
func (r Revision) MarshalJSON() ([]byte, error) {
	ops, err := typereg.EncodeList(r.Operations)
	if err != nil {
		return nil, err
	}
	return json.Marshal(revisionJSON{ReferenceIDs: r.ReferenceIDs, Operations: ops})
}

// UnmarshalJSON decodes operations through the Operations registry.
func (r *Revision) UnmarshalJSON(data []byte) error {
	var raw revisionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ops, err := Operations.DecodeList(raw.Operations)
	if err != nil {
		return err
	}
	r.ReferenceIDs = raw.ReferenceIDs
	r.Operations = ops
	return nil
}

// References reports whether the revision concerns the reference id.
func (r *Revision) References(referenceID string) bool {
	for _, id := range r.ReferenceIDs {
		if id == referenceID {
			return true
		}
	}
	return false
}

// Apply applies all operations in order.
func (r *Revision) Apply(c *Collection) {
	if r == nil || c == nil {
		return
	}
	for _, op := range r.Operations {
		if op != nil {
			op.Apply(c)
		}
	}
}

// Describe lists the operation summaries, one per line.
func (r *Revision) Describe() string {
	lines := make([]string, 0, len(r.Operations))
	for _, op := range r.Operations {
		lines = append(lines, "- "+op.Describe())
	}
	return strings.Join(lines, "\n")
}

// InitialDevices returns the devices of the first replace operation, which
// repositories use to answer the initial query.
func (r *Revision) InitialDevices() ([]*device.Description, bool) {
	for _, op := range r.Operations {
		if rep, ok := op.(*ReplaceOperation); ok {
			return rep.DeviceDescriptions, true
		}
	}
	return nil, false
}
