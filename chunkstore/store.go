// Package chunkstore keeps the chunked results of tool calls,
// so that a large response can be retrieved incrementally across calls.
package chunkstore

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "chunkstore")

// ErrNotFound is matched by every NotFoundError
var ErrNotFound = errors.New("not found")

// NotFoundError is returned when the cache key is unknown,
// or the chunk index is outside of the stored range
type NotFoundError struct {
	Key string
	// Index is the requested chunk, 0 if the key itself was not found
	Index int
	// Total is the number of stored chunks, 0 if the key was not found
	Total int
}

func (e *NotFoundError) Error() string {
	if e.Total == 0 {
		return fmt.Sprintf("no cached chunks found for cache key: %s", e.Key)
	}
	return fmt.Sprintf("chunk %d not found, available chunks: 1-%d", e.Index, e.Total)
}

// Is allows errors.Is(err, ErrNotFound)
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound returns true if the error is NotFoundError
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ChunkSet is the ordered list of chunks stored under a key
type ChunkSet struct {
	Key       string
	Chunks    []string
	CreatedAt time.Time
}

// Store holds chunk sets, it must be safe for concurrent use.
// Put overwrites an existing set, Get returns NotFoundError for an absent key.
type Store interface {
	Put(ctx context.Context, key string, chunks []string) error
	Get(ctx context.Context, key string) (*ChunkSet, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// InstancePrefix returns a key prefix unique to this process,
// so that sets stored by a previous process are not visible after restart.
func InstancePrefix(prefix string) string {
	return path.Join(prefix, uuid.NewString())
}
