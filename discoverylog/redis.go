package discoverylog

import (
	"context"
	"encoding/json"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/c360/mbp/errors"
)

// addEntryScript stores the entry document unless its id is present and
// indexes it by start time, in one step.
var addEntryScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
end
return 0
`)

// RedisStore keeps each log as a hash of entry documents keyed by entry id
// plus a sorted set of entry ids scored by start time, which keeps pages
// stable while entries are added.
type RedisStore struct {
	rdb       redis.UniversalClient
	namespace string
}

// NewRedisStore creates a store writing keys "<namespace>:<deploymentID>:...".
func NewRedisStore(rdb redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "mbp:discovery_log"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) dataKey(deploymentID string) string {
	return s.namespace + ":" + deploymentID + ":entries"
}

func (s *RedisStore) indexKey(deploymentID string) string {
	return s.namespace + ":" + deploymentID + ":index"
}

func (s *RedisStore) AddEntry(ctx context.Context, deploymentID string, e *Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "RedisStore", "AddEntry", "encode entry")
	}
	keys := []string{s.dataKey(deploymentID), s.indexKey(deploymentID)}
	if err := addEntryScript.Run(ctx, s.rdb, keys, e.ID, doc, e.StartTime.UnixMilli()).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "AddEntry", "add entry")
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context, deploymentID string) ([]*Entry, error) {
	entries, _, err := s.rangeOf(ctx, deploymentID, 0, -1)
	return entries, err
}

func (s *RedisStore) Page(ctx context.Context, deploymentID string, number, size int) ([]*Entry, int, error) {
	start, ok := pageStart(number, size)
	if !ok || start > math.MaxInt-size {
		total, err := s.rdb.ZCard(ctx, s.indexKey(deploymentID)).Result()
		if err != nil {
			return nil, 0, errors.WrapTransient(err, "RedisStore", "Page", "read index")
		}
		return []*Entry{}, int(total), nil
	}
	return s.rangeOf(ctx, deploymentID, int64(start), int64(start+size-1))
}

func (s *RedisStore) rangeOf(ctx context.Context, deploymentID string, start, stop int64) ([]*Entry, int, error) {
	var ids *redis.StringSliceCmd
	var total *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ids = pipe.ZRange(ctx, s.indexKey(deploymentID), start, stop)
		total = pipe.ZCard(ctx, s.indexKey(deploymentID))
		return nil
	})
	if err != nil {
		return nil, 0, errors.WrapTransient(err, "RedisStore", "Entries", "read index")
	}
	if len(ids.Val()) == 0 {
		return []*Entry{}, int(total.Val()), nil
	}

	docs, err := s.rdb.HMGet(ctx, s.dataKey(deploymentID), ids.Val()...).Result()
	if err != nil {
		return nil, 0, errors.WrapTransient(err, "RedisStore", "Entries", "read entries")
	}
	out := make([]*Entry, 0, len(docs))
	for _, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			// Deleted between the two reads.
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, 0, errors.WrapFatal(errors.ErrDataCorrupted, "RedisStore", "Entries", "decode entry")
		}
		out = append(out, &e)
	}
	return out, int(total.Val()), nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, deploymentID string) error {
	if err := s.rdb.Del(ctx, s.dataKey(deploymentID), s.indexKey(deploymentID)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "DeleteAll", "delete log")
	}
	return nil
}
