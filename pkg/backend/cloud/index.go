package cloud

import (
	"context"
	"errors"
	"strconv"

	"github.com/agenthands/remotecache/pkg/core"
	"github.com/redis/go-redis/v9"
)

// metaIndex is the fast metadata tier in front of the object store. It only
// ever caches facts that are already durable in the object store, so a lost
// or flushed index degrades to slower lookups, never to wrong answers.
type metaIndex struct {
	rdb    redis.UniversalClient
	prefix string
}

func (m metaIndex) casKey(hash string) string { return m.prefix + "cas:" + hash }
func (m metaIndex) acKey(hash string) string  { return m.prefix + "ac:" + hash }
func (m metaIndex) kvKey(key []byte) string   { return m.prefix + "kv:" + string(key) }

func (m metaIndex) ping(ctx context.Context) error {
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return core.Unavailable("redis ping", err)
	}
	return nil
}

// blobSizes looks up many hashes in one round trip. Missing or unparsable
// entries are reported as -1.
func (m metaIndex) blobSizes(ctx context.Context, hashes []string) ([]int64, error) {
	sizes := make([]int64, len(hashes))
	if len(hashes) == 0 {
		return sizes, nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = m.casKey(h)
	}
	vals, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, core.Unavailable("redis mget", err)
	}
	for i, v := range vals {
		sizes[i] = -1
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			sizes[i] = n
		}
	}
	return sizes, nil
}

func (m metaIndex) setBlobSize(ctx context.Context, hash string, size int64) error {
	if err := m.rdb.Set(ctx, m.casKey(hash), strconv.FormatInt(size, 10), 0).Err(); err != nil {
		return core.Unavailable("redis set", err)
	}
	return nil
}

func (m metaIndex) dropBlob(ctx context.Context, hash string) error {
	if err := m.rdb.Del(ctx, m.casKey(hash)).Err(); err != nil {
		return core.Unavailable("redis del", err)
	}
	return nil
}

func (m metaIndex) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.Unavailable("redis get", err)
	}
	return v, true, nil
}

func (m metaIndex) set(ctx context.Context, key string, value []byte) error {
	if err := m.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return core.Unavailable("redis set", err)
	}
	return nil
}
