// Package cache holds the short-lived, tag-invalidated read cache that sits in front of
// the queue view composer. It is process-local and best-effort: correctness never depends
// on it, it only bounds the load polling clients put on the store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// computeTimeout bounds a shared compute, which no longer follows any caller's deadline.
const computeTimeout = 10 * time.Second

// Observer receives cache statistics. The metrics adapter implements it.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheInvalidated(n int)
	CacheEvicted(n int)
	CacheSize(n int)
}

type entry struct {
	value     any
	expiresAt time.Time
	tags      []string
}

// StatusCache is a bounded LRU with per-entry TTL and tag-based invalidation.
type StatusCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	tags    map[string]map[string]struct{}

	// generation is bumped by every Invalidate; a value computed under an older
	// generation is handed to its caller but never stored.
	generation uint64

	ttl      time.Duration
	clock    clockwork.Clock
	group    singleflight.Group
	observer Observer
}

func New(size int, ttl time.Duration, clock clockwork.Clock) (*StatusCache, error) {
	c := &StatusCache{
		tags:  make(map[string]map[string]struct{}),
		ttl:   ttl,
		clock: clock,
	}

	// onEvict fires synchronously inside lru calls, which are only made with mu held.
	entries, err := lru.NewWithEvict(size, func(key string, e *entry) {
		c.untag(key, e.tags)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create status cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// WithObserver attaches a metrics observer. Call before the cache is shared.
func (c *StatusCache) WithObserver(o Observer) *StatusCache {
	c.observer = o
	return c
}

func (c *StatusCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		c.miss()
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.entries.Remove(key)
		c.miss()
		return nil, false
	}
	c.hit()
	return e.value, true
}

// Set stores value under key for ttl (the cache default when ttl <= 0) and indexes it
// under every tag.
func (c *StatusCache) Set(key string, value any, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, tags)
}

func (c *StatusCache) setLocked(key string, value any, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if old, ok := c.entries.Peek(key); ok {
		c.untag(key, old.tags)
	}

	c.entries.Add(key, &entry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
		tags:      tags,
	})
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.reportSize()
}

// Invalidate drops every entry carrying any of the tags and returns how many were removed.
func (c *StatusCache) Invalidate(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++

	removed := 0
	for _, tag := range tags {
		for key := range c.tags[tag] {
			if c.entries.Remove(key) {
				removed++
			}
		}
		delete(c.tags, tag)
	}

	if c.observer != nil && removed > 0 {
		c.observer.CacheInvalidated(removed)
	}
	c.reportSize()
	return removed
}

func (c *StatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// EvictExpired removes all expired entries and returns the count evicted.
func (c *StatusCache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.entries.Remove(key)
			evicted++
		}
	}

	if c.observer != nil && evicted > 0 {
		c.observer.CacheEvicted(evicted)
	}
	c.reportSize()
	return evicted
}

// StartEvictionTimer periodically evicts expired entries until the returned stop
// function is called.
func (c *StatusCache) StartEvictionTimer(interval time.Duration) func() {
	ticker := c.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if evicted := c.EvictExpired(); evicted > 0 {
					slog.Debug("Evicted expired status cache entries", "count", evicted, "remaining", c.Len())
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// GetOrCompute returns the cached value for key or computes it. Concurrent misses for the
// same key within one generation share a single compute call.
func GetOrCompute[V any](ctx context.Context, c *StatusCache, key string, ttl time.Duration, compute func(ctx context.Context) (V, error), tags ...string) (V, error) {
	return GetOrComputeTagged(ctx, c, key, ttl, func(ctx context.Context) (V, []string, error) {
		v, err := compute(ctx)
		return v, tags, err
	})
}

// GetOrComputeTagged is GetOrCompute for values whose tags are only known once computed.
func GetOrComputeTagged[V any](ctx context.Context, c *StatusCache, key string, ttl time.Duration, compute func(ctx context.Context) (V, []string, error)) (V, error) {
	if cached, ok := c.Get(key); ok {
		if v, ok := cached.(V); ok {
			return v, nil
		}
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	// The shared compute outlives any single caller: one waiter going away must not fail
	// the others. Each caller still stops waiting when its own ctx is done.
	flight := key + "#" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(flight, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		v, tags, err := compute(computeCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generation == gen {
			c.setLocked(key, v, ttl, tags)
		}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *StatusCache) untag(key string, tags []string) {
	for _, tag := range tags {
		keys := c.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tags, tag)
		}
	}
}

func (c *StatusCache) hit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}

func (c *StatusCache) miss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

func (c *StatusCache) reportSize() {
	if c.observer != nil {
		c.observer.CacheSize(c.entries.Len())
	}
}
