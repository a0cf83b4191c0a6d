package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// breakerClock is an adjustable clock for breaker tests.
type breakerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, reset time.Duration, clk *breakerClock) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		Now:              clk.Now,
	})
}

var errBoom = errors.New("boom")

// TestBreaker_OpensAtThreshold verifies the CLOSED → OPEN transition after
// exactly threshold consecutive failures, each surfacing the underlying error.
func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	clk := &breakerClock{now: time.Unix(0, 0)}
	b := newTestBreaker(3, time.Minute, clk)

	for i := range 3 {
		err := b.Exec(func() error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: expected underlying error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	// While open, calls reject without invoking the thunk.
	invoked := false
	err := b.Exec(func() error { invoked = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("thunk must not run while the circuit is open")
	}
}

// TestBreaker_ProbeAfterCooldown verifies OPEN → CLOSED through a successful
// probe once the cooldown has elapsed.
func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	t.Parallel()

	clk := &breakerClock{now: time.Unix(0, 0)}
	b := newTestBreaker(2, time.Minute, clk)

	for range 2 {
		_ = b.Exec(func() error { return errBoom })
	}
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	clk.Advance(time.Minute + time.Second)

	invoked := false
	if err := b.Exec(func() error { invoked = true; return nil }); err != nil {
		t.Fatalf("probe: unexpected error %v", err)
	}
	if !invoked {
		t.Fatal("expected probe to invoke the thunk")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %v", b.State())
	}
}

// TestBreaker_FailedProbeRenewsWindow verifies a failed probe re-opens the
// cooldown window.
func TestBreaker_FailedProbeRenewsWindow(t *testing.T) {
	t.Parallel()

	clk := &breakerClock{now: time.Unix(0, 0)}
	b := newTestBreaker(2, time.Minute, clk)

	for range 2 {
		_ = b.Exec(func() error { return errBoom })
	}
	clk.Advance(time.Minute + time.Second)

	// Probe fails — window renews.
	if err := b.Exec(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe failure to surface, got %v", err)
	}

	// Still inside the renewed window: reject without invoking.
	clk.Advance(30 * time.Second)
	if err := b.Exec(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen inside renewed window, got %v", err)
	}
}

// TestBreaker_SuccessResetsCounter verifies that a success zeroes the
// consecutive-failure count.
func TestBreaker_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	clk := &breakerClock{now: time.Unix(0, 0)}
	b := newTestBreaker(3, time.Minute, clk)

	_ = b.Exec(func() error { return errBoom })
	_ = b.Exec(func() error { return errBoom })
	_ = b.Exec(func() error { return nil }) // resets the counter
	_ = b.Exec(func() error { return errBoom })
	_ = b.Exec(func() error { return errBoom })

	if b.State() != StateClosed {
		t.Errorf("expected closed (failures never consecutive ≥3), got %v", b.State())
	}
}

// TestBreaker_ConcurrentFailures verifies counter updates under concurrency:
// the circuit must end up open after far more than threshold failures.
func TestBreaker_ConcurrentFailures(t *testing.T) {
	t.Parallel()

	clk := &breakerClock{now: time.Unix(0, 0)}
	b := newTestBreaker(5, time.Minute, clk)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Exec(func() error { return errBoom })
		}()
	}
	wg.Wait()

	if b.State() != StateOpen {
		t.Errorf("expected open after concurrent failures, got %v", b.State())
	}
}
