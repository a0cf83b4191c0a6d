package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrCircuitOpen is returned by [Breaker.Exec] while the circuit is open and
// the cooldown window has not elapsed. The guarded function is not invoked.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the circuit state.
type BreakerState int

const (
	// StateClosed allows executions; failures are counted.
	StateClosed BreakerState = iota
	// StateOpen rejects executions until the cooldown elapses, after which
	// probe executions are allowed through.
	StateOpen
)

// String returns the lowercase state name.
func (s BreakerState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// BreakerConfig holds the circuit breaker construction parameters.
type BreakerConfig struct {
	// Name labels this breaker in metrics (one instance per upstream).
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Defaults to 5 if zero.
	FailureThreshold int

	// ResetTimeout is the cooldown window after the circuit opens.
	// Defaults to 30s if zero.
	ResetTimeout time.Duration

	// Registerer receives the breaker's Prometheus metrics. Nil disables them.
	Registerer prometheus.Registerer

	// Now overrides the clock for tests. Defaults to time.Now.
	Now func() time.Time
}

// Breaker is a two-state circuit breaker. Counter updates are atomic with
// respect to concurrent executions; an over-count past the threshold is
// harmless.
type Breaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration
	failures     int
	state        BreakerState
	nextAttempt  time.Time
	now          func() time.Time

	metrics *breakerMetrics
}

// breakerMetrics holds the Prometheus instruments for one breaker instance.
type breakerMetrics struct {
	opens    prometheus.Counter
	failures prometheus.Counter
	resets   prometheus.Counter
	state    prometheus.Gauge
}

// newBreakerMetrics registers the breaker metrics against reg under the
// given instance name label.
func newBreakerMetrics(reg prometheus.Registerer, name string) *breakerMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"breaker": name}

	return &breakerMetrics{
		opens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "breaker", Name: "opens_total",
			Help:        "Total transitions from closed to open.",
			ConstLabels: labels,
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "breaker", Name: "failures_total",
			Help:        "Total counted execution failures.",
			ConstLabels: labels,
		}),
		resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aigw", Subsystem: "breaker", Name: "resets_total",
			Help:        "Total transitions back to closed after a successful execution.",
			ConstLabels: labels,
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aigw", Subsystem: "breaker", Name: "open",
			Help:        "1 while the circuit is open, 0 while closed.",
			ConstLabels: labels,
		}),
	}
}

// NewBreaker constructs a Breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &Breaker{
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		now:          cfg.Now,
	}
	if cfg.Registerer != nil {
		name := cfg.Name
		if name == "" {
			name = "default"
		}
		b.metrics = newBreakerMetrics(cfg.Registerer, name)
	}
	return b
}

// Exec runs fn under the breaker. While the circuit is open and the cooldown
// has not elapsed, Exec rejects with [ErrCircuitOpen] without invoking fn.
// Once the cooldown elapses a probe execution is allowed through; its outcome
// closes the circuit (success) or renews the open window (failure).
func (b *Breaker) Exec(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides whether an execution may proceed right now.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Before(b.nextAttempt) {
		return ErrCircuitOpen
	}
	return nil
}

// recordSuccess resets the failure count and closes the circuit.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.metrics != nil {
		b.metrics.resets.Inc()
	}
	b.failures = 0
	b.state = StateClosed
	if b.metrics != nil {
		b.metrics.state.Set(0)
	}
}

// recordFailure increments the failure count and opens the circuit at the
// threshold. A failed probe while open renews the cooldown window.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.metrics != nil {
		b.metrics.failures.Inc()
	}

	if b.failures >= b.threshold {
		if b.state != StateOpen && b.metrics != nil {
			b.metrics.opens.Inc()
		}
		b.state = StateOpen
		b.nextAttempt = b.now().Add(b.resetTimeout)
		if b.metrics != nil {
			b.metrics.state.Set(1)
		}
	}
}
