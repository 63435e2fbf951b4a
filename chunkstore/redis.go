package chunkstore

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store keeps chunk sets in Redis, to offload large responses from the process memory.
// The keys namespace is organized as follows:
// - `/<prefix>/chunks/<key>/list` for the ordered chunks
// - `/<prefix>/chunks/<key>/created` for the creation time, unix nanoseconds
//
// The prefix is expected to be unique per process, see InstancePrefix.

type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore returns Store backed by Redis.
// Sets expire after ttl, 0 means no expiry.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) Store {
	return &redisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// keys are not cleaned, so a cache key can not escape the prefix
func (m *redisStore) listKey(key string) string {
	return m.prefix + "/chunks/" + key + "/list"
}

func (m *redisStore) createdKey(key string) string {
	return m.prefix + "/chunks/" + key + "/created"
}

func (m *redisStore) Put(ctx context.Context, key string, chunks []string) error {
	if len(chunks) == 0 {
		return errors.New("chunks must not be empty")
	}

	listKey := m.listKey(key)
	createdKey := m.createdKey(key)

	values := make([]any, len(chunks))
	for i, c := range chunks {
		values[i] = c
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, listKey)
	pipe.RPush(ctx, listKey, values...)
	pipe.Set(ctx, createdKey, strconv.FormatInt(time.Now().UnixNano(), 10), m.ttl)
	if m.ttl > 0 {
		pipe.Expire(ctx, listKey, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store chunks in Redis")
	}
	return nil
}

func (m *redisStore) Get(ctx context.Context, key string) (*ChunkSet, error) {
	pipe := m.client.Pipeline()
	listCmd := pipe.LRange(ctx, m.listKey(key), 0, -1)
	createdCmd := pipe.Get(ctx, m.createdKey(key))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "failed to get chunks from Redis")
	}

	chunks := listCmd.Val()
	if len(chunks) == 0 {
		return nil, &NotFoundError{Key: key}
	}

	set := &ChunkSet{
		Key:    key,
		Chunks: chunks,
	}
	if created, err := createdCmd.Int64(); err == nil {
		set.CreatedAt = time.Unix(0, created)
	} else {
		logger.ContextKV(ctx, xlog.DEBUG, "reason", "created", "key", key, "err", err.Error())
	}
	return set, nil
}

func (m *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, m.listKey(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check key in Redis")
	}
	return n > 0, nil
}
