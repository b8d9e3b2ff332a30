package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, size int) (*StatusCache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c, err := New(size, time.Minute, clock)
	require.NoError(t, err)
	return c, clock
}

func TestStatusCache_Miss(t *testing.T) {
	c, _ := newCache(t, 10)

	v, ok := c.Get("view:missing")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestStatusCache_HitAndExpiry(t *testing.T) {
	c, clock := newCache(t, 10)

	c.Set("view:a", "queue-a", 0, "provider:a")

	v, ok := c.Get("view:a")
	require.True(t, ok)
	assert.Equal(t, "queue-a", v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("view:a")
	assert.True(t, ok, "entry should survive until the TTL elapses")

	clock.Advance(time.Second)
	_, ok = c.Get("view:a")
	assert.False(t, ok, "entry should expire at the TTL")
	assert.Equal(t, 0, c.Len())
}

func TestStatusCache_PerEntryTTL(t *testing.T) {
	c, clock := newCache(t, 10)

	c.Set("short", 1, 5*time.Second)
	c.Set("long", 2, 0)

	clock.Advance(6 * time.Second)

	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestStatusCache_InvalidateByTag(t *testing.T) {
	c, _ := newCache(t, 10)

	c.Set("view:a", "a", 0, "provider:a")
	c.Set("patron:p", "p", 0, "patron:p", "provider:a", "provider:b")
	c.Set("view:b", "b", 0, "provider:b")

	removed := c.Invalidate("provider:a")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("view:a")
	assert.False(t, ok)
	_, ok = c.Get("patron:p")
	assert.False(t, ok)
	_, ok = c.Get("view:b")
	assert.True(t, ok, "entries with unrelated tags survive")

	assert.Equal(t, 1, c.Invalidate("provider:b"))
	assert.Equal(t, 0, c.Invalidate("provider:b"), "tag index is cleared after invalidation")
}

func TestStatusCache_OverwriteRetagsEntry(t *testing.T) {
	c, _ := newCache(t, 10)

	c.Set("patron:p", 1, 0, "provider:a")
	c.Set("patron:p", 2, 0, "provider:b")

	assert.Equal(t, 0, c.Invalidate("provider:a"))

	v, ok := c.Get("patron:p")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestStatusCache_LRUBound(t *testing.T) {
	c, _ := newCache(t, 2)

	c.Set("a", 1, 0, "t")
	c.Set("b", 2, 0, "t")
	c.Set("c", 3, 0, "t")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry is evicted")

	assert.Equal(t, 2, c.Invalidate("t"), "evicted keys are dropped from the tag index")
}

func TestStatusCache_EvictExpired(t *testing.T) {
	c, clock := newCache(t, 10)

	c.Set("a", 1, 10*time.Second)
	c.Set("b", 2, 0)

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
}

func TestStatusCache_EvictionTimer(t *testing.T) {
	c, clock := newCache(t, 10)
	c.Set("a", 1, time.Second)

	stop := c.StartEvictionTimer(time.Minute)
	defer stop()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
	stop()
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	c, _ := newCache(t, 10)
	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, err := GetOrCompute(context.Background(), c, "k", 0, compute, "tag")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = GetOrCompute(context.Background(), c, "k", 0, compute, "tag")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	c.Invalidate("tag")
	_, err = GetOrCompute(context.Background(), c, "k", 0, compute, "tag")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c, _ := newCache(t, 10)
	boom := errors.New("store down")

	_, err := GetOrCompute(context.Background(), c, "k", 0, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompute_CollapsesConcurrentMisses(t *testing.T) {
	c, _ := newCache(t, 10)

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "view", nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrCompute(context.Background(), c, "k", 0, compute)
			assert.NoError(t, err)
			assert.Equal(t, "view", v)
		}()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_CancelledCallerDoesNotFailOthers(t *testing.T) {
	c, _ := newCache(t, 10)

	started := make(chan struct{})
	release := make(chan struct{})
	var computeErr atomic.Value
	compute := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			computeErr.Store(ctx.Err())
			return "", ctx.Err()
		}
		return "view", nil
	}

	pollerCtx, cancel := context.WithCancel(context.Background())
	pollerDone := make(chan error, 1)
	go func() {
		_, err := GetOrCompute(pollerCtx, c, "k", 0, compute)
		pollerDone <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	mutationDone := make(chan result, 1)
	go func() {
		v, err := GetOrCompute(context.Background(), c, "k", 0, func(context.Context) (string, error) {
			return "", errors.New("second compute must not run")
		})
		mutationDone <- result{v, err}
	}()

	cancel()
	select {
	case err := <-pollerDone:
		assert.ErrorIs(t, err, context.Canceled, "the caller that left sees its own cancellation")
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case r := <-mutationDone:
		require.NoError(t, r.err)
		assert.Equal(t, "view", r.v)
	case <-time.After(time.Second):
		t.Fatal("remaining caller never got the shared result")
	}
	assert.Nil(t, computeErr.Load(), "shared compute ran to completion")

	cached, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "view", cached)
}

func TestGetOrCompute_StaleResultNotStored(t *testing.T) {
	c, _ := newCache(t, 10)

	v, err := GetOrCompute(context.Background(), c, "k", 0, func(context.Context) (string, error) {
		// A mutation lands while the view is being built.
		c.Invalidate("provider:a")
		return "stale", nil
	}, "provider:a")
	require.NoError(t, err)
	assert.Equal(t, "stale", v, "caller still receives its result")

	_, ok := c.Get("k")
	assert.False(t, ok, "result computed before the invalidation must not be cached")
}

type countingObserver struct {
	hits, misses, invalidated, evicted, size int
}

func (o *countingObserver) CacheHit()              { o.hits++ }
func (o *countingObserver) CacheMiss()             { o.misses++ }
func (o *countingObserver) CacheInvalidated(n int) { o.invalidated += n }
func (o *countingObserver) CacheEvicted(n int)     { o.evicted += n }
func (o *countingObserver) CacheSize(n int)        { o.size = n }

func TestStatusCache_Observer(t *testing.T) {
	c, _ := newCache(t, 10)
	obs := &countingObserver{}
	c.WithObserver(obs)

	c.Get("k")
	c.Set("k", 1, 0, "t")
	c.Get("k")
	c.Invalidate("t")

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 1, obs.invalidated)
	assert.Equal(t, 0, obs.size)
}

func TestGetOrComputeTagged_UsesComputedTags(t *testing.T) {
	c, _ := newCache(t, 10)

	_, err := GetOrComputeTagged(context.Background(), c, "patron:p", 0, func(context.Context) ([]string, []string, error) {
		return []string{"entry"}, []string{"patron:p", "provider:x"}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, c.Invalidate("provider:x"))
}
