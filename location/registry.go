package location

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/c360/mbp/errors"
)

// Lookup resolves location templates by id.
type Lookup interface {
	LocationTemplate(id string) (*Template, bool)
}

// Registry is a concurrency-safe in-memory Lookup.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry holding the given templates.
func NewRegistry(templates ...*Template) *Registry {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range templates {
		r.templates[t.ID] = t
	}
	return r
}

// LocationTemplate implements Lookup.
func (r *Registry) LocationTemplate(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Put validates and stores a template, replacing one with the same id.
func (r *Registry) Put(t *Template) error {
	if t == nil || t.ID == "" {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "Registry", "Put", "store location template")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[t.ID] = t
	r.mu.Unlock()
	return nil
}

// Delete removes a template.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.templates, id)
	r.mu.Unlock()
}

// Load reads a JSON array of templates from r and stores each of them.
// Nothing is stored when one of them is invalid.
func (r *Registry) Load(src io.Reader) (int, error) {
	var templates []*Template
	if err := json.NewDecoder(src).Decode(&templates); err != nil {
		return 0, errors.WrapInvalid(err, "Registry", "Load", "decode location templates")
	}
	for _, t := range templates {
		if t == nil || t.ID == "" {
			return 0, errors.WrapInvalid(errors.ErrEmptyArgument, "Registry", "Load", "location template id check")
		}
		if err := t.Validate(); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	for _, t := range templates {
		r.templates[t.ID] = t
	}
	r.mu.Unlock()
	return len(templates), nil
}
