// Package cache is a process-wide TTL cache keyed by string. It is an optimization only:
// under lock contention a Get may miss and an Insert may be dropped.
package cache

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds every lock acquisition when Options.LockTimeout is zero.
const DefaultLockTimeout = 250 * time.Millisecond

// maxReaders is the semaphore weight; a writer takes all of it, a reader takes one.
const maxReaders = 1 << 20

type entry[V any] struct {
	value    V
	inserted time.Time
}

// Options configures a Cache.
type Options struct {
	LockTimeout time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
	// OnContention is called when a lock could not be acquired in time. Op is "get",
	// "insert", "replace", "remove", "remove_where" or "len".
	OnContention func(op string)
}

// Cache maps keys to values with an insertion timestamp. Expiry is checked lazily on Get; stale
// entries stay until overwritten or removed.
type Cache[V any] struct {
	sem          *semaphore.Weighted
	entries      map[string]entry[V]
	lockTimeout  time.Duration
	now          func() time.Time
	onContention func(op string)
}

// New returns an empty cache.
func New[V any](opts Options) *Cache[V] {
	c := &Cache[V]{
		sem:          semaphore.NewWeighted(maxReaders),
		entries:      make(map[string]entry[V]),
		lockTimeout:  opts.LockTimeout,
		now:          opts.Now,
		onContention: opts.OnContention,
	}
	if c.lockTimeout <= 0 {
		c.lockTimeout = DefaultLockTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Cache[V]) acquire(ctx context.Context, weight int64, op string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	if err := c.sem.Acquire(ctx, weight); err != nil {
		if c.onContention != nil {
			c.onContention(op)
		}
		return false
	}
	return true
}

// Get returns the value for key if it was inserted less than ttl ago.
func (c *Cache[V]) Get(ctx context.Context, key string, ttl time.Duration) (V, bool) {
	var zero V
	if !c.acquire(ctx, 1, "get") {
		return zero, false
	}
	e, ok := c.entries[key]
	c.sem.Release(1)
	if !ok || c.now().Sub(e.inserted) >= ttl {
		return zero, false
	}
	return e.value, true
}

// Insert upserts key with a fresh timestamp. Returns false when the write was dropped.
func (c *Cache[V]) Insert(ctx context.Context, key string, value V) bool {
	if !c.acquire(ctx, maxReaders, "insert") {
		return false
	}
	defer c.sem.Release(maxReaders)
	c.entries[key] = entry[V]{value: value, inserted: c.now()}
	return true
}

// Replace overwrites key with a fresh timestamp only if key is present, stale or not. It
// returns false when key was absent or the lock could not be taken.
func (c *Cache[V]) Replace(ctx context.Context, key string, value V) bool {
	if !c.acquire(ctx, maxReaders, "replace") {
		return false
	}
	defer c.sem.Release(maxReaders)
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.entries[key] = entry[V]{value: value, inserted: c.now()}
	return true
}

// Remove deletes key. Returns false when the lock could not be taken.
func (c *Cache[V]) Remove(ctx context.Context, key string) bool {
	if !c.acquire(ctx, maxReaders, "remove") {
		return false
	}
	defer c.sem.Release(maxReaders)
	delete(c.entries, key)
	return true
}

// RemoveWhere deletes every entry for which match returns true, stale or not, and returns how
// many were removed. It returns -1 when the lock could not be taken.
func (c *Cache[V]) RemoveWhere(ctx context.Context, match func(key string, value V) bool) int {
	if !c.acquire(ctx, maxReaders, "remove_where") {
		return -1
	}
	defer c.sem.Release(maxReaders)
	n := 0
	for k, e := range c.entries {
		if match(k, e.value) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries including stale ones; -1 under contention.
func (c *Cache[V]) Len(ctx context.Context) int {
	if !c.acquire(ctx, 1, "len") {
		return -1
	}
	defer c.sem.Release(1)
	return len(c.entries)
}
