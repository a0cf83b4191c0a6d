package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is an adjustable clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(maxSize int, ttl time.Duration, clk *fakeClock) *Cache {
	cfg := Config{MaxSize: maxSize, DefaultTTL: ttl}
	if clk != nil {
		cfg.Now = clk.Now
	}
	return New(cfg)
}

// ---------------------------------------------------------------------------
// Get / Set / TTL
// ---------------------------------------------------------------------------

func TestCache_SetGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	c.Set("a", 1)

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("expected hit for key a")
	}
	if got.(int) != 1 {
		t.Errorf("expected 1, got %v", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(10, time.Minute, clk)

	c.Set("a", "v")
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit before expiry")
	}

	clk.Advance(time.Minute + time.Second)
	if _, ok := c.Get("a"); ok {
		t.Error("expected miss after expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be removed, len=%d", c.Len())
	}
}

func TestCache_NoExpirySentinel(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(10, time.Minute, clk)

	c.SetTTL("forever", "v", NoExpiry)
	clk.Advance(1000 * time.Hour)

	if _, ok := c.Get("forever"); !ok {
		t.Error("NoExpiry entry must never expire")
	}
}

// TestCache_LRUEviction verifies that resident keys are always a subset of
// the last maxSize distinct keys touched.
func TestCache_LRUEviction(t *testing.T) {
	t.Parallel()

	c := newTestCache(3, time.Minute, nil)
	for i := range 5 {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	if c.Len() != 3 {
		t.Fatalf("expected 3 resident entries, got %d", c.Len())
	}
	// k0 and k1 are the least recently used and must be gone.
	for _, k := range []string{"k0", "k1"} {
		if _, ok := c.Get(k); ok {
			t.Errorf("expected %s to be evicted", k)
		}
	}
	for _, k := range []string{"k2", "k3", "k4"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s to be resident", k)
		}
	}
}

// TestCache_GetRefreshesRecency verifies that a Get moves the entry to the
// most-recently-used position, protecting it from the next eviction.
func TestCache_GetRefreshesRecency(t *testing.T) {
	t.Parallel()

	c := newTestCache(2, time.Minute, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the LRU entry.
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted after a was touched")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to survive eviction")
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be deleted")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, len=%d", c.Len())
	}
}

// ---------------------------------------------------------------------------
// GetOrCompute — coalescing
// ---------------------------------------------------------------------------

// TestCache_CoalesceSingleProducer verifies that N concurrent callers for the
// same key invoke the producer exactly once and all observe the same result.
func TestCache_CoalesceSingleProducer(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), "k", producer)
		}()
	}

	// Give all goroutines time to join the in-flight call, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 producer invocation, got %d", got)
	}
	for i := range n {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i] != "result" {
			t.Errorf("caller %d: expected %q, got %v", i, "result", results[i])
		}
	}
}

// TestCache_CoalesceFailurePropagates verifies that a producer failure is
// delivered to every waiter and that the key is forgotten so the next caller
// retries.
func TestCache_CoalesceFailurePropagates(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	boom := errors.New("upstream down")

	var calls atomic.Int32
	release := make(chan struct{})
	failing := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), "k", failing)
			errsCh <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		if !errors.Is(err, boom) {
			t.Errorf("expected producer error, got %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 producer invocation, got %d", got)
	}

	// No negative memoization: a new call runs the producer again.
	val, err := c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (any, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if val != "recovered" {
		t.Errorf("expected recovered value, got %v", val)
	}
}

// TestCache_GetOrComputeCachesResult verifies the second call is served from
// cache without invoking the producer again.
func TestCache_GetOrComputeCachesResult(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	var calls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return 42, nil
	}

	for range 3 {
		val, err := c.GetOrCompute(context.Background(), "k", producer)
		if err != nil {
			t.Fatal(err)
		}
		if val.(int) != 42 {
			t.Fatalf("expected 42, got %v", val)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 producer invocation across 3 calls, got %d", got)
	}
}

// TestCache_GetOrComputeTTLHitsDoNotExtendExpiry verifies a hit serves the
// entry without pushing out its expiry: the entry still dies at the TTL set
// when it was produced.
func TestCache_GetOrComputeTTLHitsDoNotExtendExpiry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCache(10, time.Hour, clk)

	var calls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	if _, err := c.GetOrComputeTTL(context.Background(), "k", time.Minute, producer); err != nil {
		t.Fatal(err)
	}

	clk.Advance(40 * time.Second)
	if _, err := c.GetOrComputeTTL(context.Background(), "k", time.Minute, producer); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected the 40s call to hit, got %d producer runs", got)
	}

	// 80s after production: past the original expiry despite the hit at 40s.
	clk.Advance(40 * time.Second)
	if _, err := c.GetOrComputeTTL(context.Background(), "k", time.Minute, producer); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected a recompute after expiry, got %d producer runs", got)
	}
}

// TestCache_GetIgnoresInflight verifies a plain Get does not observe the
// in-flight placeholder.
func TestCache_GetIgnoresInflight(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "v", nil
		})
	}()

	<-started
	if _, ok := c.Get("k"); ok {
		t.Error("Get must treat an in-flight placeholder as absent")
	}
	close(release)
}

// TestCache_WaiterContextCancel verifies a waiting caller is released by its
// own context without disturbing the producer.
func TestCache_WaiterContextCancel(t *testing.T) {
	t.Parallel()

	c := newTestCache(10, time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = c.GetOrCompute(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "v", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, "k", func(ctx context.Context) (any, error) {
		t.Error("second producer must not run while first is in flight")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	close(release)
}
