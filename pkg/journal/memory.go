package journal

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMemoryEntries bounds the in-memory journal before LRU eviction.
const DefaultMemoryEntries = 4096

// Memory is an in-process journal backed by an expiring LRU. Entries fall out
// of the cache once the TTL elapses; eviction before the TTL only happens
// under memory pressure, which weakens replay but never correctness (a miss
// just re-runs the pipeline).
type Memory struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemory creates an in-memory journal with the given TTL.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &Memory{
		cache: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

// Get implements Journal.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Put implements Journal.
func (m *Memory) Put(_ context.Context, key string, response []byte) error {
	val := make([]byte, len(response))
	copy(val, response)
	m.cache.Add(key, val)
	return nil
}

// Close implements Journal.
func (m *Memory) Close() error {
	m.cache.Purge()
	return nil
}
