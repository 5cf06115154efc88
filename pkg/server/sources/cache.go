package sources

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/june-upside/Oracle/pkg/metrics"
)

const defaultCacheSize = 256

type cacheEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Lookup is the outcome of a cache read.
type Lookup[T any] struct {
	Value     T
	Freshness Freshness
	FetchedAt time.Time
	// FetchErr is set when the network call failed and a stale value was served.
	FetchErr error
}

// TTLCache fronts REST fetches. Values younger than ttl are served without a call.
// After a failed fetch the last value is served while younger than maxStale, never older.
type TTLCache[T any] struct {
	venue    string
	ttl      time.Duration
	maxStale time.Duration
	entries  *expirable.LRU[string, cacheEntry[T]]
	group    singleflight.Group
	now      func() time.Time
}

// NewTTLCache creates a cache for one venue.
func NewTTLCache[T any](venue string, ttl, maxStale time.Duration) *TTLCache[T] {
	if maxStale < ttl {
		maxStale = ttl
	}
	return &TTLCache[T]{
		venue:    venue,
		ttl:      ttl,
		maxStale: maxStale,
		entries:  expirable.NewLRU[string, cacheEntry[T]](defaultCacheSize, nil, maxStale),
		now:      time.Now,
	}
}

// Get returns the cached value for key or fetches it. Concurrent misses share one fetch.
func (c *TTLCache[T]) Get(ctx context.Context, key string, fetch func(context.Context) (T, error)) (Lookup[T], bool) {
	if e, ok := c.entries.Get(key); ok && c.now().Sub(e.fetchedAt) < c.ttl {
		metrics.RecordCacheOutcome(c.venue, "hit")
		return Lookup[T]{Value: e.value, Freshness: FreshnessCached, FetchedAt: e.fetchedAt}, true
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fetch(ctx)
	})
	if err == nil {
		value := v.(T)
		fetchedAt := c.now()
		c.entries.Add(key, cacheEntry[T]{value: value, fetchedAt: fetchedAt})
		metrics.RecordCacheOutcome(c.venue, "miss")
		return Lookup[T]{Value: value, Freshness: FreshnessLive, FetchedAt: fetchedAt}, true
	}

	if e, ok := c.entries.Peek(key); ok && c.now().Sub(e.fetchedAt) <= c.maxStale {
		metrics.RecordCacheOutcome(c.venue, "stale")
		return Lookup[T]{Value: e.value, Freshness: FreshnessCached, FetchedAt: e.fetchedAt, FetchErr: err}, true
	}

	metrics.RecordCacheOutcome(c.venue, "absent")
	var zero T
	return Lookup[T]{Value: zero, FetchErr: err}, false
}
