package live

import (
	"hash/maphash"
	"sync"
)

const defaultShardCount = 32

// Registry maps subscription keys to the set of connections registered
// under them. Keys are spread over independently locked shards, so churn on
// one key never blocks lookups on keys in other shards.
type Registry[K comparable] struct {
	seed   maphash.Seed
	shards []registryShard[K]
}

type registryShard[K comparable] struct {
	mu      sync.RWMutex
	entries map[K]map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return NewRegistryWithShards[K](defaultShardCount)
}

// NewRegistryWithShards creates an empty registry with n lock shards.
func NewRegistryWithShards[K comparable](n int) *Registry[K] {
	if n <= 0 {
		n = defaultShardCount
	}
	r := &Registry[K]{
		seed:   maphash.MakeSeed(),
		shards: make([]registryShard[K], n),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[K]map[string]Conn)
	}
	return r
}

func (r *Registry[K]) shard(key K) *registryShard[K] {
	h := maphash.Comparable(r.seed, key)
	return &r.shards[h%uint64(len(r.shards))]
}

// Register adds conn to the set for key. It reports whether conn was newly
// added; registering the same connection twice is a no-op.
func (r *Registry[K]) Register(key K, conn Conn) bool {
	if conn == nil {
		return false
	}
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[key]
	if !ok {
		set = make(map[string]Conn)
		s.entries[key] = set
	}
	if _, exists := set[conn.ID()]; exists {
		return false
	}
	set[conn.ID()] = conn
	return true
}

// Deregister removes conn from the set for key and prunes the entry once it
// is empty. It reports whether conn was present.
func (r *Registry[K]) Deregister(key K, conn Conn) bool {
	if conn == nil {
		return false
	}
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.entries[key]
	if !ok {
		return false
	}
	if _, exists := set[conn.ID()]; !exists {
		return false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(s.entries, key)
	}
	return true
}

// Lookup returns a snapshot of the connections registered under key.
// The returned slice is owned by the caller.
func (r *Registry[K]) Lookup(key K) []Conn {
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.entries[key]
	if len(set) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Contains reports whether conn is registered under key.
func (r *Registry[K]) Contains(key K, conn Conn) bool {
	if conn == nil {
		return false
	}
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key][conn.ID()]
	return ok
}

// Count returns the number of connections registered under key.
func (r *Registry[K]) Count(key K) int {
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[key])
}

// Size returns the number of non-empty keys and the total number of
// registrations. Shards are visited one at a time, so the result is not an
// atomic snapshot across shards.
func (r *Registry[K]) Size() (keys, conns int) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		keys += len(s.entries)
		for _, set := range s.entries {
			conns += len(set)
		}
		s.mu.RUnlock()
	}
	return keys, conns
}
