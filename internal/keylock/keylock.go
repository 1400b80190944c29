// Package keylock provides a sharded, non-blocking keyed lock.
//
// A Map serializes work per key without stalling unrelated keys. TryLock
// never waits: a held key is reported immediately so the caller can back
// off and retry.
package keylock

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

type shard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// Map is a set of held keys spread over shards. The zero value is not
// usable; create one with New.
type Map struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

// New creates an empty lock map.
func New() *Map {
	m := &Map{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].held = make(map[string]struct{})
	}
	return m
}

func (m *Map) shardFor(key string) *shard {
	return &m.shards[maphash.String(m.seed, key)%shardCount]
}

// TryLock acquires key if it is free and reports whether it did.
func (m *Map) TryLock(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key]; ok {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Unlock releases key. Unlocking a key that is not held panics, like
// sync.Mutex.
func (m *Map) Unlock(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key]; !ok {
		panic("keylock: unlock of unlocked key " + key)
	}
	delete(s.held, key)
}

// Held returns the number of keys currently held.
func (m *Map) Held() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.held)
		s.mu.Unlock()
	}
	return n
}
