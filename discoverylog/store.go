package discoverylog

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/natsclient"
)

// Store keeps log entries per dynamic deployment id.
type Store interface {
	// AddEntry adds e to the log of deploymentID unless an entry with the
	// same id is already there. Concurrent calls never lose entries.
	AddEntry(ctx context.Context, deploymentID string, e *Entry) error

	// Entries returns all entries ordered by start time.
	Entries(ctx context.Context, deploymentID string) ([]*Entry, error)

	// Page returns one zero-based page of the ordered entries and the total
	// number of entries.
	Page(ctx context.Context, deploymentID string, number, size int) ([]*Entry, int, error)

	// DeleteAll removes the log of deploymentID.
	DeleteAll(ctx context.Context, deploymentID string) error
}

// Store names used in metrics
const (
	StoreMemory = "memory"
	StoreNATSKV = "nats_kv"
	StoreRedis  = "redis"
)

// MemoryStore keeps logs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]*Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*Entry)}
}

func (s *MemoryStore) AddEntry(_ context.Context, deploymentID string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[deploymentID]
	if slices.ContainsFunc(log, func(x *Entry) bool { return x.ID == e.ID }) {
		return nil
	}
	log = append(log, clone(e))
	sortEntries(log)
	s.logs[deploymentID] = log
	return nil
}

func (s *MemoryStore) Entries(_ context.Context, deploymentID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.logs[deploymentID]))
	for _, e := range s.logs[deploymentID] {
		out = append(out, clone(e))
	}
	return out, nil
}

func (s *MemoryStore) Page(ctx context.Context, deploymentID string, number, size int) ([]*Entry, int, error) {
	all, _ := s.Entries(ctx, deploymentID)
	return page(all, number, size), len(all), nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, deploymentID)
	return nil
}

func clone(e *Entry) *Entry {
	c := *e
	c.Messages = slices.Clone(e.Messages)
	return &c
}

// KVStore keeps each log as one JSON array in a NATS KV bucket and adds
// entries with compare-and-set updates.
type KVStore struct {
	kv     *natsclient.KVStore
	prefix string
}

// NewKVStore creates a store writing keys "<prefix>.<deploymentID>".
func NewKVStore(kv *natsclient.KVStore, prefix string) *KVStore {
	return &KVStore{kv: kv, prefix: prefix}
}

func (s *KVStore) key(deploymentID string) string {
	return s.prefix + "." + deploymentID
}

func (s *KVStore) AddEntry(ctx context.Context, deploymentID string, e *Entry) error {
	err := s.kv.UpdateWithRetry(ctx, s.key(deploymentID), func(current []byte) ([]byte, error) {
		var log []*Entry
		if len(current) > 0 {
			if err := json.Unmarshal(current, &log); err != nil {
				return nil, errors.WrapFatal(errors.ErrDataCorrupted, "KVStore", "AddEntry", "decode log")
			}
		}
		if !slices.ContainsFunc(log, func(x *Entry) bool { return x.ID == e.ID }) {
			log = append(log, e)
			sortEntries(log)
		}
		return json.Marshal(log)
	})
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "AddEntry", "update log")
	}
	return nil
}

func (s *KVStore) Entries(ctx context.Context, deploymentID string) ([]*Entry, error) {
	entry, err := s.kv.Get(ctx, s.key(deploymentID))
	if natsclient.IsKVNotFoundError(err) {
		return []*Entry{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Entries", "read log")
	}
	var log []*Entry
	if err := json.Unmarshal(entry.Value, &log); err != nil {
		return nil, errors.WrapFatal(errors.ErrDataCorrupted, "KVStore", "Entries", "decode log")
	}
	return log, nil
}

func (s *KVStore) Page(ctx context.Context, deploymentID string, number, size int) ([]*Entry, int, error) {
	all, err := s.Entries(ctx, deploymentID)
	if err != nil {
		return nil, 0, err
	}
	return page(all, number, size), len(all), nil
}

func (s *KVStore) DeleteAll(ctx context.Context, deploymentID string) error {
	if err := s.kv.Delete(ctx, s.key(deploymentID)); err != nil {
		return errors.WrapTransient(err, "KVStore", "DeleteAll", "delete log")
	}
	return nil
}
