// Package cache memoises upstream results and coalesces concurrent identical
// lookups so one key costs at most one outbound fetch at a time.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Group is a bounded, expiring memo in front of a loader. A nil *Group is
// valid and just calls the loader.
type Group[V any] struct {
	lru    *expirable.LRU[string, V]
	flight singleflight.Group
}

// New creates a Group holding at most size entries for ttl each.
// A non-positive size disables memoisation but keeps coalescing.
func New[V any](size int, ttl time.Duration) *Group[V] {
	g := &Group[V]{}
	if size > 0 {
		g.lru = expirable.NewLRU[string, V](size, nil, ttl)
	}
	return g
}

// Loader produces a value for a key. keep reports whether the value may be memoised.
type Loader[V any] func(ctx context.Context) (v V, keep bool, err error)

// Get returns the memoised value for key or runs load. Concurrent callers for
// the same key share one load. hit is true only for memo hits.
//
// A shared load is not cancelled when the caller that started it goes away:
// it sees ctx's values but not its deadline or cancellation, so the loader
// must bound itself. A caller whose ctx ends while waiting returns ctx.Err()
// and leaves the load running for the others.
func (g *Group[V]) Get(ctx context.Context, key string, load Loader[V]) (v V, hit bool, err error) {
	if g == nil {
		v, _, err = load(ctx)
		return v, false, err
	}
	if g.lru != nil {
		if cached, ok := g.lru.Get(key); ok {
			return cached, true, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		val, keep, err := load(shared)
		if err == nil && keep && g.lru != nil {
			g.lru.Add(key, val)
		}
		return val, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, false, res.Err
		}
		return res.Val.(V), false, nil
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// Len reports the number of memoised entries.
func (g *Group[V]) Len() int {
	if g == nil || g.lru == nil {
		return 0
	}
	return g.lru.Len()
}
