// Package typereg maps JSON type names to factories so that polymorphic
// values tagged with a "type" field can be decoded without reflection.
package typereg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/mbp/errors"
)

// Typed is implemented by every value stored in a registry.
type Typed interface {
	Type() string
}

// Factory creates a zero value for a type name, ready to be decoded into.
type Factory[T Typed] func() T

// Registry holds the factories of one polymorphic family, e.g. requirements
// or completeness conditions.
type Registry[T Typed] struct {
	family    string
	factories map[string]Factory[T]
	mu        sync.RWMutex
}

// New creates an empty registry. family names the values in error messages.
func New[T Typed](family string) *Registry[T] {
	return &Registry[T]{
		family:    family,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a factory. Type names must be unique within a registry.
func (r *Registry[T]) Register(name string, factory Factory[T]) error {
	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", r.family+" registration validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%s type '%s' is already registered", r.family, name),
			"Registry", "Register", "duplicate type check",
		)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for package init blocks.
func (r *Registry[T]) MustRegister(name string, factory Factory[T]) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Create returns a new value for the type name.
func (r *Registry[T]) Create(name string) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s type %q", errors.ErrUnknownType, r.family, name)
	}
	return factory(), nil
}

// Names lists the registered type names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode reads the "type" field of data, creates the matching value and
// decodes data into it. Factories must return pointers.
func (r *Registry[T]) Decode(data []byte) (T, error) {
	var zero T
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return zero, errors.WrapInvalid(err, "Registry", "Decode", "read "+r.family+" type")
	}
	if head.Type == "" {
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: %s without type", errors.ErrInvalidData, r.family),
			"Registry", "Decode", "read "+r.family+" type")
	}

	v, err := r.Create(head.Type)
	if err != nil {
		return zero, errors.WrapInvalid(err, "Registry", "Decode", "resolve "+r.family+" type")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return zero, errors.WrapInvalid(err, "Registry", "Decode", "decode "+r.family)
	}
	return v, nil
}

// DecodeList decodes a JSON array of typed values.
func (r *Registry[T]) DecodeList(data []byte) ([]T, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, errors.WrapInvalid(err, "Registry", "DecodeList", "read "+r.family+" list")
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		v, err := r.Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode marshals v and prepends its "type" field. v must marshal to a JSON
// object and must not emit "type" itself.
func Encode(v Typed) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	typeField, err := json.Marshal(v.Type())
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode to an object", errors.ErrInvalidData, v.Type())
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typeField)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeList marshals a list of typed values.
func EncodeList[T Typed](values []T) (json.RawMessage, error) {
	raws := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := Encode(v)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	return json.Marshal(raws)
}
