// Package keylock provides mutual exclusion per string key. Locks for
// different keys never contend beyond a short shard lookup, and entries are
// dropped once no goroutine holds or waits on them.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

// Arena hands out per-key mutexes.
type Arena struct {
	shards []shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an arena with n shards; n <= 0 selects a default.
func New(n int) *Arena {
	if n <= 0 {
		n = defaultShards
	}
	a := &Arena{shards: make([]shard, n)}
	for i := range a.shards {
		a.shards[i].locks = make(map[string]*entry)
	}
	return a
}

func (a *Arena) shard(key string) *shard {
	return &a.shards[xxhash.Sum64String(key)%uint64(len(a.shards))]
}

// Lock blocks until key is held and returns the function that releases it.
func (a *Arena) Lock(key string) (unlock func()) {
	s := a.shard(key)

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Do runs fn while holding key.
func (a *Arena) Do(key string, fn func() error) error {
	unlock := a.Lock(key)
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (a *Arena) Len() int {
	n := 0
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
