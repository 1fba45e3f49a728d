package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/natsclient"
)

// KV is a Store backed by a NATS JetStream key-value bucket.
type KV struct {
	kv *natsclient.KVStore
}

// NewKV creates a store over a bucket opened through natsclient.
func NewKV(kv *natsclient.KVStore) *KV {
	return &KV{kv: kv}
}

func (s *KV) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "KV", "Put", "write "+key)
	}
	return nil
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if natsclient.IsKVNotFoundError(err) {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "KV", "Get", "lookup "+key)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "Get", "read "+key)
	}
	return entry.Value, nil
}

func (s *KV) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KV", "List", "list keys")
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "KV", "Delete", "delete "+key)
	}
	return nil
}
