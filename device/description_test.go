package device

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mbp/location"
)

const sample = `{
	"name": "sensor-1",
	"description": "Temperature sensor in the lab",
	"keywords": ["temperature", "lab"],
	"location": {"coordinates": {"latitude": 48.7, "longitude": 9.1}, "information": "Room 1.003"},
	"identifiers": {"mac_address": "AA:BB:CC:DD:EE:FF", "type": "raspberry_pi", "manufacturer": "RPi"},
	"capabilities": [
		{"name": "battery", "value": true},
		{"name": "cpu_cores", "value": 4},
		{"name": "os", "value": "Raspbian"}
	],
	"attachments": [{"type": "sensor", "name": "dht22", "port": 4}],
	"ssh": {"ip": "10.0.0.5", "port": 22, "username": "pi"},
	"last_update": 1700000000000
}`

func TestDescription_Decode(t *testing.T) {
	var d Description
	require.NoError(t, json.Unmarshal([]byte(sample), &d))

	assert.Equal(t, "sensor-1", d.Name)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", d.Identity())
	assert.True(t, d.Valid())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), d.LastUpdate.Time)

	coords, ok := d.Coordinates()
	require.True(t, ok)
	assert.Equal(t, location.Coordinates{Latitude: 48.7, Longitude: 9.1}, coords)
	assert.Equal(t, "Room 1.003", d.LocationInformation())

	battery, ok := d.Capability("Battery")
	require.True(t, ok)
	b, ok := battery.Bool()
	assert.True(t, ok)
	assert.True(t, b)

	cores, _ := d.Capability("cpu_cores")
	n, ok := cores.Number()
	assert.True(t, ok)
	assert.Equal(t, 4.0, n)
	_, ok = cores.String()
	assert.False(t, ok)

	_, ok = d.Capability("gpu")
	assert.False(t, ok)
}

func TestDescription_Valid(t *testing.T) {
	tests := []struct {
		name string
		desc *Description
		want bool
	}{
		{"nil", nil, false},
		{"no identifiers", &Description{Name: "x"}, false},
		{"blank mac", &Description{Identifiers: &Identifiers{MACAddress: "  "}}, false},
		{"mac only", &Description{Identifiers: &Identifiers{MACAddress: "aa"}}, true},
		{"bad latitude", &Description{
			Identifiers: &Identifiers{MACAddress: "aa"},
			Location:    &Location{Coordinates: &location.Coordinates{Latitude: 91}},
		}, false},
		{"informal location", &Description{
			Identifiers: &Identifiers{MACAddress: "aa"},
			Location:    &Location{Information: "kitchen"},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.Valid())
		})
	}
}

func TestDescription_SameDevice(t *testing.T) {
	a := &Description{Identifiers: &Identifiers{MACAddress: "AA:BB"}}
	b := &Description{Identifiers: &Identifiers{MACAddress: "aa:bb"}}
	c := &Description{}

	assert.True(t, a.SameDevice(b))
	assert.False(t, a.SameDevice(c))
	assert.False(t, c.SameDevice(&Description{}))
}

func TestTimestamp(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-01T10:00:00.250Z"`), &ts))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 250_000_000, time.UTC), ts.UTC())

	out, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.JSONEq(t, `"2024-03-01T10:00:00.250Z"`, string(out))

	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}
