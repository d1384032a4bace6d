package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a TTL cache split across shards to reduce lock contention.
// Expired entries are invisible to readers and removed by Cleanup.
type ShardedCache[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration) *ShardedCache[V] {
	c := &ShardedCache[V]{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{
			items: make(map[string]entry[V]),
		}
	}
	return c
}

// WithClock replaces the time source. Intended for tests.
func (c *ShardedCache[V]) WithClock(now func() time.Time) *ShardedCache[V] {
	c.now = now
	return c
}

// TTL returns the configured entry lifetime.
func (c *ShardedCache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *ShardedCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *ShardedCache[V]) newEntry(v V) entry[V] {
	now := c.now()
	return entry[V]{value: v, storedAt: now, expiresAt: now.Add(c.ttl)}
}

// Set stores a value, replacing any previous one and resetting its TTL.
func (c *ShardedCache[V]) Set(key string, v V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = c.newEntry(v)
	s.mu.Unlock()
}

// Get returns a live value.
func (c *ShardedCache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetWithAge returns a live value and how long ago it was stored.
func (c *ShardedCache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	now := c.now()
	if !ok || !now.Before(e.expiresAt) {
		var zero V
		return zero, 0, false
	}
	return e.value, now.Sub(e.storedAt), true
}

// SetIfAbsent stores v unless a live value exists. It returns the live value
// and true when one was already present. The check and the store are atomic.
func (c *ShardedCache[V]) SetIfAbsent(key string, v V) (V, bool) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && c.now().Before(e.expiresAt) {
		return e.value, true
	}
	s.items[key] = c.newEntry(v)
	return v, false
}

// Delete removes a key.
func (c *ShardedCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *ShardedCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *ShardedCache[V]) Cleanup() int {
	removed := 0
	now := c.now()

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expiresAt) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (c *ShardedCache[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// Stats provides cache statistics.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCache[V]) Stats() Stats {
	stats := Stats{}
	var oldest time.Time

	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.storedAt.Before(oldest) {
				oldest = e.storedAt
			}
		}
		s.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
