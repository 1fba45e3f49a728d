// Package device models the device descriptions that discovery repositories
// return for candidate queries.
package device

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/c360/mbp/location"
)

// Description holds the attributes of one candidate device as reported by a
// discovery repository.
type Description struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Keywords     []string     `json:"keywords,omitempty"`
	Location     *Location    `json:"location,omitempty"`
	Identifiers  *Identifiers `json:"identifiers,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	SSH          *SSHDetails  `json:"ssh,omitempty"`
	LastUpdate   Timestamp    `json:"last_update"`
}

// Location is the optional position of a device.
type Location struct {
	Coordinates *location.Coordinates `json:"coordinates,omitempty"`
	Information string                `json:"information,omitempty"`
}

// Identifiers are the hardware and network identifiers of a device.
type Identifiers struct {
	MACAddress   string `json:"mac_address"`
	IPAddress    string `json:"ip_address,omitempty"`
	Type         string `json:"type,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// AttachmentType distinguishes sensors from actuators.
type AttachmentType string

// Attachment types
const (
	AttachmentSensor   AttachmentType = "sensor"
	AttachmentActuator AttachmentType = "actuator"
)

// Attachment is a sensor or actuator connected to the device.
type Attachment struct {
	Type   AttachmentType  `json:"type"`
	Name   string          `json:"name,omitempty"`
	Model  string          `json:"model,omitempty"`
	Object json.RawMessage `json:"object,omitempty"`
	Port   int             `json:"port,omitempty"`
}

// SSHDetails are the credentials the SSH deployer uses to reach the device.
type SSHDetails struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	PrivateKey string `json:"private_key,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Identity returns the lowercased MAC address, or "" if the description has
// none. Two descriptions denote the same device iff their identities match.
func (d *Description) Identity() string {
	if d == nil || d.Identifiers == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(d.Identifiers.MACAddress))
}

// SameDevice reports whether both descriptions carry the same MAC address.
func (d *Description) SameDevice(other *Description) bool {
	id := d.Identity()
	return id != "" && id == other.Identity()
}

// Valid reports whether the description is structurally usable: it carries a
// MAC address and, if coordinates are given, they are in range.
func (d *Description) Valid() bool {
	if d.Identity() == "" {
		return false
	}
	if d.Location != nil && d.Location.Coordinates != nil && !d.Location.Coordinates.Valid() {
		return false
	}
	return true
}

// Coordinates returns the device coordinates if present.
func (d *Description) Coordinates() (location.Coordinates, bool) {
	if d == nil || d.Location == nil || d.Location.Coordinates == nil {
		return location.Coordinates{}, false
	}
	return *d.Location.Coordinates, true
}

// LocationInformation returns the free-text location of the device.
func (d *Description) LocationInformation() string {
	if d == nil || d.Location == nil {
		return ""
	}
	return d.Location.Information
}

// Capability looks up a capability by name, ignoring case.
func (d *Description) Capability(name string) (Capability, bool) {
	if d == nil || name == "" {
		return Capability{}, false
	}
	for _, c := range d.Capabilities {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Capability{}, false
}

// Capability is a named property of a device. Value holds the decoded JSON
// value: a bool, a float64 or a string.
type Capability struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Bool returns the value if it is a boolean.
func (c Capability) Bool() (bool, bool) {
	b, ok := c.Value.(bool)
	return b, ok
}

// Number returns the value if it is numeric.
func (c Capability) Number() (float64, bool) {
	switch v := c.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String returns the value if it is a string.
func (c Capability) String() (string, bool) {
	s, ok := c.Value.(string)
	return s, ok
}

// Timestamp is the last update time of a description. Repositories send epoch
// milliseconds; RFC 3339 strings are accepted as well. It is written back as
// an RFC 3339 string.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON writes the timestamp as RFC 3339 with milliseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// UnmarshalJSON accepts epoch milliseconds, RFC 3339 strings and null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if ms, err := strconv.ParseInt(str, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}
