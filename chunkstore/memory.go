package chunkstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

// inMemory keeps sets for the process lifetime, there is no eviction
type inMemory struct {
	mu      sync.RWMutex
	storage map[string]*ChunkSet
}

// NewMemoryStore returns Store backed by the process memory
func NewMemoryStore() Store {
	return &inMemory{}
}

func (m *inMemory) Put(_ context.Context, key string, chunks []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		// create on first use
		m.storage = make(map[string]*ChunkSet)
	}
	m.storage[key] = &ChunkSet{
		Key:       key,
		Chunks:    slices.Clone(chunks),
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *inMemory) Get(_ context.Context, key string) (*ChunkSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.storage[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	return &ChunkSet{
		Key:       set.Key,
		Chunks:    slices.Clone(set.Chunks),
		CreatedAt: set.CreatedAt,
	}, nil
}

func (m *inMemory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.storage[key]
	return ok, nil
}
