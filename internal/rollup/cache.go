package rollup

import (
	"context"
	"sync"

	"github.com/matheus3301/courier/internal/delivery"
)

// Cache holds derived rollup statuses. It is never a source of truth: every
// write to a message's records invalidates its entry, and a value computed
// from a snapshot taken before an invalidation is refused.
type Cache struct {
	mu       sync.Mutex
	capacity int
	clock    uint64
	floor    uint64 // highest write stamp of any evicted entry
	entries  map[string]*cacheEntry
}

type cacheEntry struct {
	written uint64 // clock value of the last invalidation
	status  Status
	valid   bool
}

// NewCache creates a cache bounded to capacity messages.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Cache{capacity: capacity, entries: make(map[string]*cacheEntry)}
}

// Get returns the cached status for messageID.
func (c *Cache) Get(messageID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	if !ok || !e.valid {
		return "", false
	}
	return e.status, true
}

// Begin returns a token to pass to Put once the snapshot has been read.
func (c *Cache) Begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// Put stores status if no invalidation of messageID happened after token.
func (c *Cache) Put(messageID string, token uint64, status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[messageID]
	written := c.floor
	if ok {
		written = e.written
	}
	if written > token {
		return false
	}
	if !ok {
		c.evictLocked()
		e = &cacheEntry{written: written}
		c.entries[messageID] = e
	}
	e.status = status
	e.valid = true
	return true
}

// Invalidate drops the cached status of messageID.
func (c *Cache) Invalidate(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	e, ok := c.entries[messageID]
	if !ok {
		c.evictLocked()
		e = &cacheEntry{}
		c.entries[messageID] = e
	}
	e.written = c.clock
	e.valid = false
}

// Len returns the number of tracked messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictLocked() {
	for id, e := range c.entries {
		if len(c.entries) < c.capacity {
			return
		}
		c.floor = max(c.floor, e.written)
		delete(c.entries, id)
	}
}

// Snapshotter reads every recipient state of a message as of one instant.
type Snapshotter interface {
	SnapshotStates(ctx context.Context, messageID string) ([]delivery.State, error)
}

// Projector serves rollup statuses, recomputing from a consistent snapshot
// whenever the cache has no valid entry.
type Projector struct {
	src   Snapshotter
	cache *Cache
}

// NewProjector creates a projector over src.
func NewProjector(src Snapshotter, cache *Cache) *Projector {
	if cache == nil {
		cache = NewCache(0)
	}
	return &Projector{src: src, cache: cache}
}

// Status returns the rollup status of messageID.
func (p *Projector) Status(ctx context.Context, messageID string) (Status, error) {
	if st, ok := p.cache.Get(messageID); ok {
		return st, nil
	}
	return p.Refresh(ctx, messageID)
}

// Refresh recomputes the status from a fresh snapshot, bypassing the cache.
func (p *Projector) Refresh(ctx context.Context, messageID string) (Status, error) {
	token := p.cache.Begin()
	states, err := p.src.SnapshotStates(ctx, messageID)
	if err != nil {
		return "", err
	}
	st := Aggregate(states)
	p.cache.Put(messageID, token, st)
	return st, nil
}

// Invalidate must be called after every committed record change.
func (p *Projector) Invalidate(messageID string) {
	p.cache.Invalidate(messageID)
}
