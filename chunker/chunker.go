// Package chunker splits large tool results into chunks kept in a chunkstore.Store,
// and serves them back by cache key and 1-based index.
package chunker

import (
	"context"
	"strconv"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/chunkstore"
	"github.com/effective-security/geminimcp/pkg/metricskey"
	"github.com/effective-security/xdb/pkg/flake"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "chunker")

// DefaultMaxChunkSize is the default chunk size, in characters
const DefaultMaxChunkSize = 20000

// KeyPrefix is the prefix of generated cache keys
const KeyPrefix = "change_"

const maxKeyAttempts = 5

// Chunk is one part of a result
type Chunk struct {
	Content string `json:"content"`
	// Index is 1-based
	Index int `json:"chunk"`
	Total int `json:"totalChunks"`
	// CacheKey is empty when the result fits in a single chunk
	CacheKey string `json:"cacheKey,omitempty"`
	HasMore  bool   `json:"hasMore"`
}

// Chunker splits results and stores the chunks
type Chunker struct {
	store        chunkstore.Store
	maxChunkSize int
	newKey       func() string
}

// New returns Chunker, maxChunkSize <= 0 uses DefaultMaxChunkSize
func New(store chunkstore.Store, maxChunkSize int) *Chunker {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	return &Chunker{
		store:        store,
		maxChunkSize: maxChunkSize,
		newKey:       NewKey,
	}
}

// WithKeyGenerator replaces the cache key generator
func (c *Chunker) WithKeyGenerator(fn func() string) *Chunker {
	c.newKey = fn
	return c
}

// MaxChunkSize returns the configured chunk size
func (c *Chunker) MaxChunkSize() int {
	return c.maxChunkSize
}

// NewKey returns a new cache key: flake IDs are unique within the process,
// the random suffix separates processes sharing a store.
func NewKey() string {
	return KeyPrefix + strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10) + "_" + uuid.NewString()[:8]
}

// Split returns ceil(n/size) parts of s, n counted in characters.
// Each part has at most size characters, and the concatenation of parts equals s.
// Boundaries may fall inside a word.
func Split(s string, size int) []string {
	if size <= 0 {
		size = DefaultMaxChunkSize
	}
	n := utf8.RuneCountInString(s)
	if n <= size {
		return []string{s}
	}

	parts := make([]string, 0, (n+size-1)/size)
	start, count := 0, 0
	for i := range s {
		if count == size {
			parts = append(parts, s[start:i])
			start, count = i, 0
		}
		count++
	}
	parts = append(parts, s[start:])
	return parts
}

// Chunk splits the result. A result that fits in one chunk is returned
// as is, without a cache key and without storing anything.
// Otherwise all chunks are stored under a new key and the first one is returned.
func (c *Chunker) Chunk(ctx context.Context, result string) (*Chunk, error) {
	parts := Split(result, c.maxChunkSize)
	if len(parts) == 1 {
		return &Chunk{
			Content: result,
			Index:   1,
			Total:   1,
		}, nil
	}

	key, err := c.reserveKey(ctx)
	if err != nil {
		return nil, err
	}

	if err = c.store.Put(ctx, key, parts); err != nil {
		metricskey.StatsChunkSetsStored.IncrCounter(1, "failed")
		return nil, errors.WithMessagef(err, "failed to store chunks")
	}
	metricskey.StatsChunkSetsStored.IncrCounter(1, "ok")

	logger.ContextKV(ctx, xlog.DEBUG,
		"key", key,
		"chunks", len(parts),
		"size", len(result),
	)

	return &Chunk{
		Content:  parts[0],
		Index:    1,
		Total:    len(parts),
		CacheKey: key,
		HasMore:  true,
	}, nil
}

func (c *Chunker) reserveKey(ctx context.Context) (string, error) {
	for i := 0; i < maxKeyAttempts; i++ {
		key := c.newKey()
		exists, err := c.store.Exists(ctx, key)
		if err != nil {
			return "", errors.WithMessagef(err, "failed to check cache key")
		}
		if !exists {
			return key, nil
		}
		logger.ContextKV(ctx, xlog.WARNING, "reason", "key_collision", "key", key, "attempt", i+1)
	}
	return "", errors.Errorf("failed to generate unique cache key after %d attempts", maxKeyAttempts)
}

// Fetch returns the chunk at 1-based index.
// Unknown key or index out of range returns chunkstore.NotFoundError.
func (c *Chunker) Fetch(ctx context.Context, key string, index int) (*Chunk, error) {
	set, err := c.store.Get(ctx, key)
	if err != nil {
		metricskey.StatsChunksFetched.IncrCounter(1, "not_found")
		return nil, err
	}

	total := len(set.Chunks)
	if index < 1 || index > total {
		metricskey.StatsChunksFetched.IncrCounter(1, "out_of_range")
		return nil, &chunkstore.NotFoundError{
			Key:   key,
			Index: index,
			Total: total,
		}
	}

	metricskey.StatsChunksFetched.IncrCounter(1, "ok")
	return &Chunk{
		Content:  set.Chunks[index-1],
		Index:    index,
		Total:    total,
		CacheKey: key,
		HasMore:  index < total,
	}, nil
}
