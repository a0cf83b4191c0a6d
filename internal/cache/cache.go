// Package cache implements a bounded TTL+LRU cache with in-flight call
// coalescing. It backs upstream response caching, embedding storage, and
// chat-call de-duplication.
//
// The structure is a doubly-linked list (recency order) plus a hash index,
// giving O(1) get, set, move-to-front, and tail eviction. An entry past its
// expiry is treated as absent and removed on access. While a producer started
// by [Cache.GetOrCompute] is running, a placeholder entry with no expiry
// occupies the key so concurrent callers coalesce onto the same computation.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NoExpiry is the TTL sentinel for entries that never expire.
const NoExpiry time.Duration = -1

// Config holds the cache construction parameters.
type Config struct {
	// MaxSize is the maximum number of resident entries. Exceeding it evicts
	// from the least-recently-used end. Defaults to 1024 if zero.
	MaxSize int

	// DefaultTTL is applied by Set and by GetOrCompute on success when the
	// caller does not override. Defaults to 5 minutes if zero.
	DefaultTTL time.Duration

	// Registerer receives the cache's Prometheus metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// Name labels this cache instance in metrics (e.g. "upstream", "embeddings").
	Name string

	// Now overrides the clock for tests. Defaults to time.Now.
	Now func() time.Time
}

// Cache is a bounded TTL+LRU mapping. All methods are safe for concurrent
// use and linearizable with respect to one another.
type Cache struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration
	// ll holds *entry values, most recently used at the front.
	ll    *list.List
	items map[string]*list.Element
	now   func() time.Time

	metrics *metrics
}

// entry is a single cache slot.
type entry struct {
	key   string
	value any
	// expiresAt is the absolute expiry; zero means the entry never expires.
	expiresAt time.Time
	// inflight is non-nil while a GetOrCompute producer for this key runs.
	inflight *inflight
}

// inflight represents one running producer. Waiters block on done; after it
// closes, val and err hold the producer's outcome.
type inflight struct {
	done chan struct{}
	val  any
	err  error
}

// metrics holds the Prometheus instruments for one cache instance.
type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	coalesced prometheus.Counter
	size      prometheus.Gauge
}

// newMetrics registers the cache metrics against reg under the given
// instance name label.
func newMetrics(reg prometheus.Registerer, name string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"cache": name}

	return &metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "cache", Name: "hits_total",
			Help:        "Total cache lookups that returned a live entry.",
			ConstLabels: labels,
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "cache", Name: "misses_total",
			Help:        "Total cache lookups that found no live entry.",
			ConstLabels: labels,
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "cache", Name: "evictions_total",
			Help:        "Total entries evicted from the LRU tail.",
			ConstLabels: labels,
		}),
		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "cache", Name: "coalesced_total",
			Help:        "Total GetOrCompute callers served by another caller's producer.",
			ConstLabels: labels,
		}),
		size: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw", Subsystem: "cache", Name: "entries",
			Help:        "Current number of resident entries.",
			ConstLabels: labels,
		}),
	}
}

// New constructs a Cache from cfg.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1024
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        cfg.Now,
	}
	if cfg.Registerer != nil {
		name := cfg.Name
		if name == "" {
			name = "default"
		}
		c.metrics = newMetrics(cfg.Registerer, name)
	}
	return c
}

// Get returns the live value for key and moves it to most-recently-used.
// Expired entries are removed and reported as absent. An in-flight
// placeholder is reported as absent; only GetOrCompute joins producers.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.miss()
		return nil, false
	}
	e := el.Value.(*entry)
	if e.inflight != nil {
		c.miss()
		return nil, false
	}
	if c.expired(e) {
		c.removeElement(el)
		c.miss()
		return nil, false
	}
	c.ll.MoveToFront(el)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return e.value, true
}

// Set inserts or updates key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL inserts or updates key with an explicit TTL. Pass [NoExpiry] for an
// entry that never expires. After insertion, LRU-tail entries are evicted
// until the size bound holds.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// setLocked performs the insert/update under c.mu.
func (c *Cache) setLocked(key string, value any, ttl time.Duration) {
	var expiresAt time.Time
	if ttl != NoExpiry {
		expiresAt = c.now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		e.inflight = nil
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el
	c.evictOverflow()
	c.updateSize()
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.updateSize()
}

// Len returns the number of resident entries, including expired entries not
// yet collected and in-flight placeholders.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrCompute is [Cache.GetOrComputeTTL] with the default TTL.
func (c *Cache) GetOrCompute(ctx context.Context, key string, producer func(ctx context.Context) (any, error)) (any, error) {
	return c.GetOrComputeTTL(ctx, key, c.defaultTTL, producer)
}

// GetOrComputeTTL returns the cached value for key, or runs producer to
// compute it. At most one producer runs per key at a time: concurrent callers
// block until the running producer resolves and then share its outcome. On
// success the value is stored with ttl; a later hit serves the entry without
// extending its lifetime. On failure the placeholder is removed so a later
// caller may retry, and the error propagates to every coalesced waiter. ctx
// cancellation releases a waiting caller without affecting the producer.
func (c *Cache) GetOrComputeTTL(ctx context.Context, key string, ttl time.Duration, producer func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if e.inflight != nil {
			fl := e.inflight
			if c.metrics != nil {
				c.metrics.coalesced.Inc()
			}
			c.mu.Unlock()
			select {
			case <-fl.done:
				return fl.val, fl.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if !c.expired(e) {
			c.ll.MoveToFront(el)
			if c.metrics != nil {
				c.metrics.hits.Inc()
			}
			val := e.value
			c.mu.Unlock()
			return val, nil
		}
		c.removeElement(el)
	}
	c.miss()

	// Install the in-flight placeholder with no expiry, then run the
	// producer outside the lock.
	fl := &inflight{done: make(chan struct{})}
	el := c.ll.PushFront(&entry{key: key, inflight: fl})
	c.items[key] = el
	c.updateSize()
	c.mu.Unlock()

	val, err := producer(ctx)

	c.mu.Lock()
	fl.val, fl.err = val, err
	if cur, ok := c.items[key]; ok && cur == el {
		if err != nil {
			// No negative memoization: forget the key entirely.
			c.removeElement(cur)
		} else {
			c.setLocked(key, val, ttl)
		}
	}
	close(fl.done)
	c.mu.Unlock()

	return val, err
}

// expired reports whether e is past its expiry. Zero expiry never expires.
func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}

// evictOverflow removes LRU-tail entries until the size bound holds.
// In-flight placeholders are skipped: evicting one would orphan its waiters.
func (c *Cache) evictOverflow() {
	for len(c.items) > c.maxSize {
		el := c.ll.Back()
		for el != nil && el.Value.(*entry).inflight != nil {
			el = el.Prev()
		}
		if el == nil {
			return
		}
		c.removeElement(el)
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
}

// removeElement unlinks el from the list and index. Caller holds c.mu.
func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
	c.updateSize()
}

// miss records a lookup miss. Caller holds c.mu.
func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

// updateSize refreshes the size gauge. Caller holds c.mu.
func (c *Cache) updateSize() {
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}
