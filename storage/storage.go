// Package storage provides pluggable backend interfaces for storage operations.
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/c360/mbp/errors"
)

// Store is the pluggable backend interface for storage operations.
//
// The Store interface uses a simple key-value pattern where:
//   - Keys are strings made of letters, digits and "-_=." characters, so
//     that every backend can hold them (NATS KV keys are the narrowest)
//   - Values are binary data ([]byte), usually JSON documents
//   - Operations are context-aware for cancellation and timeouts
//
// Implementations:
//   - Memory: in-process map, for tests and single-node demo setups
//   - KV: NATS JetStream key-value bucket
//
// Thread Safety:
// All Store implementations must be safe for concurrent use from multiple goroutines.
type Store interface {
	// Put stores data at key, overwriting an existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data for key. A missing key yields an error
	// matching errors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the data at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is a Store kept in a map.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Memory", "Get", "lookup "+key)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Repository stores JSON documents of one entity kind in a Store under the
// keys "<kind>.<id>".
type Repository[T any] struct {
	store Store
	kind  string
	idOf  func(*T) string
}

// NewRepository creates a repository for entities of kind. idOf returns the
// id of an entity.
func NewRepository[T any](store Store, kind string, idOf func(*T) string) *Repository[T] {
	return &Repository[T]{store: store, kind: kind, idOf: idOf}
}

// Kind returns the entity kind.
func (r *Repository[T]) Kind() string { return r.kind }

func (r *Repository[T]) key(id string) string {
	return r.kind + "." + id
}

func (r *Repository[T]) checkID(id, method string) error {
	if id == "" || strings.ContainsAny(id, " */>.") {
		return errors.WrapInvalid(errors.ErrInvalidData, r.kind+"Repository", method, "id check: "+id)
	}
	return nil
}

// Save creates or replaces the entity.
func (r *Repository[T]) Save(ctx context.Context, entity *T) error {
	if entity == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, r.kind+"Repository", "Save", "entity check")
	}
	id := r.idOf(entity)
	if err := r.checkID(id, "Save"); err != nil {
		return err
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return errors.WrapInvalid(err, r.kind+"Repository", "Save", "encode entity")
	}
	if err := r.store.Put(ctx, r.key(id), data); err != nil {
		return errors.Wrap(err, r.kind+"Repository", "Save", "store entity")
	}
	return nil
}

// Get returns the entity with id or an error matching errors.ErrNotFound.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	if err := r.checkID(id, "Get"); err != nil {
		return nil, errors.WrapInvalid(errors.ErrNotFound, r.kind+"Repository", "Get", "id check")
	}
	data, err := r.store.Get(ctx, r.key(id))
	if err != nil {
		return nil, errors.Wrap(err, r.kind+"Repository", "Get", "load "+id)
	}
	return r.decode(data)
}

// Exists reports whether an entity with id is stored.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	if r.checkID(id, "Exists") != nil {
		return false, nil
	}
	_, err := r.store.Get(ctx, r.key(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errors.ErrNotFound):
		return false, nil
	default:
		return false, errors.Wrap(err, r.kind+"Repository", "Exists", "load "+id)
	}
}

// Delete removes the entity with id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.checkID(id, "Delete"); err != nil {
		return err
	}
	return r.store.Delete(ctx, r.key(id))
}

// List returns all entities ordered by id.
func (r *Repository[T]) List(ctx context.Context) ([]*T, error) {
	return r.FindBy(ctx, nil)
}

// FindBy returns the entities for which match reports true, ordered by id.
// A nil match selects all entities. Entities removed while listing are
// skipped.
func (r *Repository[T]) FindBy(ctx context.Context, match func(*T) bool) ([]*T, error) {
	keys, err := r.store.List(ctx, r.kind+".")
	if err != nil {
		return nil, errors.Wrap(err, r.kind+"Repository", "FindBy", "list keys")
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, r.kind+"Repository", "FindBy", "load "+key)
		}
		entity, err := r.decode(data)
		if err != nil {
			return nil, err
		}
		if match == nil || match(entity) {
			out = append(out, entity)
		}
	}
	return out, nil
}

func (r *Repository[T]) decode(data []byte) (*T, error) {
	entity := new(T)
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, errors.WrapInvalid(err, r.kind+"Repository", "decode", "decode entity")
	}
	return entity, nil
}
