// Package shard provides string-keyed maps and mutexes split across a fixed
// number of independently locked shards, so callers touching unrelated keys
// never contend on a single global lock.
package shard

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 32

func index(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map is a concurrent map keyed by string.
type Map[V any] struct {
	buckets []*bucket[V]
}

func NewMap[V any]() *Map[V] {
	m := &Map[V]{buckets: make([]*bucket[V], defaultShards)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] { return m.buckets[index(key, len(m.buckets))] }

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.m[key] = v
	b.mu.Unlock()
}

func (m *Map[V]) Delete(key string) {
	b := m.bucket(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Update runs fn under the key's shard write lock. fn receives the current
// value (if any) and returns the value to store; keep=false deletes the key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else {
		delete(b.m, key)
	}
}

// View runs fn under the key's shard read lock.
func (m *Map[V]) View(key string, fn func(v V, ok bool)) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	fn(v, ok)
}

// Range calls fn for every entry, one shard at a time. fn must not call back
// into the map. Returning false stops the iteration.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Mutex hands out one lock per key. Locks are striped over a fixed pool so
// memory stays bounded; two keys may share a stripe.
type Mutex struct {
	stripes []sync.Mutex
}

func NewMutex() *Mutex { return &Mutex{stripes: make([]sync.Mutex, defaultShards*8)} }

// Lock locks key and returns the matching unlock func.
func (m *Mutex) Lock(key string) func() {
	mu := &m.stripes[index(key, len(m.stripes))]
	mu.Lock()
	return mu.Unlock
}
