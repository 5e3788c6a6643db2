// Package locking provides keyed mutexes used to serialize operations on a
// single pairwise or group session while unrelated sessions proceed in
// parallel.
package locking

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// KeyedMutex hands out one mutex per string key. Keys hash onto a fixed set
// of shards so the registry itself is not a point of contention.
type KeyedMutex struct {
	shards [shardCount]shard
}

// NewKeyedMutex returns an empty keyed mutex registry.
func NewKeyedMutex() *KeyedMutex {
	km := &KeyedMutex{}
	for i := range km.shards {
		km.shards[i].entries = make(map[string]*entry)
	}
	return km
}

// Lock acquires the mutex for key and returns its unlock function. The entry
// is dropped from the registry once the last holder releases it.
func (km *KeyedMutex) Lock(key string) func() {
	s := &km.shards[shardFor(key)]

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
