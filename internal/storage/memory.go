package storage

import (
	"context"
	"sync"
)

// BucketCount is the fixed size of the in-memory table.
const BucketCount = 100

type entry struct {
	key   string
	value string
	next  *entry
}

// Memory is a fixed-size chained hash table. Put prepends to the bucket
// chain and never updates in place, so the newest entry for a key shadows
// older ones, which stay in the chain.
type Memory struct {
	mu      sync.RWMutex
	buckets [BucketCount]*entry
	entries int
	closed  bool
}

// NewMemory returns an empty table.
func NewMemory() *Memory {
	return &Memory{}
}

func hash(key string) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = (h << 5) + uint32(key[i])
	}
	return h % BucketCount
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	key, value = bound(key), bound(value)
	i := hash(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.buckets[i] = &entry{key: key, value: value, next: m.buckets[i]}
	m.entries++
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	key = bound(key)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	for e := m.buckets[hash(key)]; e != nil; e = e.next {
		if e.key == key {
			return e.value, true, nil
		}
	}
	return "", false, nil
}

// Versions returns how many entries are retained for key.
func (m *Memory) Versions(_ context.Context, key string) (int, error) {
	key = bound(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for e := m.buckets[hash(key)]; e != nil; e = e.next {
		if e.key == key {
			n++
		}
	}
	return n, nil
}

// Len returns the number of retained entries, shadowed ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries
}

// Close drops every entry.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = [BucketCount]*entry{}
	m.entries = 0
	m.closed = true
	return nil
}
