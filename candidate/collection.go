// Package candidate holds the candidate device collections returned by
// discovery repositories, the revision operations that keep them current,
// and the ranking derived from them.
package candidate

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
)

// Collection is the set of candidate devices one repository reported for one
// device template. Devices are unique by identity.
type Collection struct {
	RepositoryName string                `json:"repositoryName"`
	Devices        []*device.Description `json:"candidateDevices"`
}

// NewCollection creates a collection. When devices contain the same device
// twice the later entry wins.
func NewCollection(repositoryName string, devices ...*device.Description) (*Collection, error) {
	if strings.TrimSpace(repositoryName) == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyArgument, "Collection", "New", "check repository name")
	}
	c := &Collection{RepositoryName: repositoryName}
	c.Upsert(devices...)
	return c, nil
}

// Upsert adds descriptions or replaces those of the same device in place.
// Descriptions without identity are skipped.
func (c *Collection) Upsert(ds ...*device.Description) {
	for _, d := range ds {
		id := d.Identity()
		if id == "" {
			continue
		}
		if i := c.index(id); i >= 0 {
			c.Devices[i] = d
			continue
		}
		c.Devices = append(c.Devices, d)
	}
}

// Remove deletes the devices with the given MAC addresses.
func (c *Collection) Remove(macAddresses ...string) {
	drop := make(map[string]struct{}, len(macAddresses))
	for _, mac := range macAddresses {
		drop[strings.ToLower(strings.TrimSpace(mac))] = struct{}{}
	}
	c.Devices = slices.DeleteFunc(c.Devices, func(d *device.Description) bool {
		_, ok := drop[d.Identity()]
		return ok
	})
}

// Replace clears the collection and adds ds.
func (c *Collection) Replace(ds ...*device.Description) {
	c.Devices = nil
	c.Upsert(ds...)
}

// Find returns the description of a device.
func (c *Collection) Find(identity string) (*device.Description, bool) {
	if i := c.index(strings.ToLower(identity)); i >= 0 {
		return c.Devices[i], true
	}
	return nil, false
}

// Len returns the number of devices.
func (c *Collection) Len() int {
	return len(c.Devices)
}

// Clone returns a shallow copy whose device list can be modified independently.
func (c *Collection) Clone() *Collection {
	return &Collection{RepositoryName: c.RepositoryName, Devices: slices.Clone(c.Devices)}
}

func (c *Collection) index(identity string) int {
	if identity == "" {
		return -1
	}
	return slices.IndexFunc(c.Devices, func(d *device.Description) bool {
		return d.Identity() == identity
	})
}

// Container is the result of a candidate query for one device template:
// one collection per repository.
type Container struct {
	DeviceTemplateID string                 `json:"deviceTemplateId"`
	Collections      map[string]*Collection `json:"candidateDevices"`
	LastUpdate       time.Time              `json:"lastUpdate"`
}

// NewContainer creates an empty container.
func NewContainer(deviceTemplateID string) *Container {
	return &Container{
		DeviceTemplateID: deviceTemplateID,
		Collections:      make(map[string]*Collection),
		LastUpdate:       time.Now().UTC(),
	}
}

// Put stores a collection, replacing the one of the same repository.
func (c *Container) Put(col *Collection) {
	if col == nil {
		return
	}
	if c.Collections == nil {
		c.Collections = make(map[string]*Collection)
	}
	c.Collections[col.RepositoryName] = col
	c.touch()
}

// Collection returns the collection of a repository, creating an empty one
// if needed.
func (c *Container) Collection(repositoryName string) *Collection {
	if c.Collections == nil {
		c.Collections = make(map[string]*Collection)
	}
	col, ok := c.Collections[repositoryName]
	if !ok {
		col = &Collection{RepositoryName: repositoryName}
		c.Collections[repositoryName] = col
	}
	return col
}

// RemoveRepository drops the collection of a repository.
func (c *Container) RemoveRepository(repositoryName string) {
	delete(c.Collections, repositoryName)
	c.touch()
}

// Repositories lists the repository names in sorted order.
func (c *Container) Repositories() []string {
	return slices.Sorted(maps.Keys(c.Collections))
}

// Devices returns all descriptions of all collections, ordered by
// repository name.
func (c *Container) Devices() []*device.Description {
	var out []*device.Description
	for _, name := range c.Repositories() {
		out = append(out, c.Collections[name].Devices...)
	}
	return out
}

// Apply applies a revision to the collection of a repository.
func (c *Container) Apply(repositoryName string, rev *Revision) {
	rev.Apply(c.Collection(repositoryName))
	c.touch()
}

// Clone returns a copy whose collections can be revised independently.
func (c *Container) Clone() *Container {
	out := &Container{
		DeviceTemplateID: c.DeviceTemplateID,
		Collections:      make(map[string]*Collection, len(c.Collections)),
		LastUpdate:       c.LastUpdate,
	}
	for name, col := range c.Collections {
		out.Collections[name] = col.Clone()
	}
	return out
}

func (c *Container) touch() {
	c.LastUpdate = time.Now().UTC()
}
