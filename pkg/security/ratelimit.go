package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the circuit is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RateLimiter applies a token bucket per key, for example per provider or
// per client address.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	perSecond float64
	burst     int
}

// NewRateLimiter creates a limiter that grants perSecond events per key with
// the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

// Allow reports whether an event for key may happen now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Wait blocks until an event for key is permitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if err := rl.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for %s: %w", key, err)
	}
	return nil
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.limiters[key]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst)
	rl.limiters[key] = l
	return l
}

// ToolRateLimiter limits individual tools. Tools without a configured limit
// are unrestricted.
type ToolRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewToolRateLimiter creates an empty per-tool limiter.
func NewToolRateLimiter() *ToolRateLimiter {
	return &ToolRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// SetToolLimit configures the limit for tool.
func (t *ToolRateLimiter) SetToolLimit(tool string, perSecond float64, burst int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiters[tool] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Allow reports whether tool may run now.
func (t *ToolRateLimiter) Allow(tool string) bool {
	t.mu.RLock()
	l, ok := t.limiters[tool]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow()
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a failing dependency for resetTimeout after
// maxFailures consecutive failures. The call itself runs outside the lock.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs fn unless the circuit is open. Errors for which counts
// returns false do not trip the breaker; a nil counts counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
	}
	if cb.state == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && (counts == nil || counts(err)) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}
	cb.failures = 0
	cb.state = CircuitClosed
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// TimeoutManager holds a default deadline and per-tool overrides.
type TimeoutManager struct {
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	mu             sync.RWMutex
}

// NewTimeoutManager creates a manager with defaultTimeout.
func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	return &TimeoutManager{
		defaultTimeout: defaultTimeout,
		timeouts:       make(map[string]time.Duration),
	}
}

// SetToolTimeout overrides the timeout for tool.
func (tm *TimeoutManager) SetToolTimeout(tool string, timeout time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.timeouts[tool] = timeout
}

// Timeout returns the timeout for tool.
func (tm *TimeoutManager) Timeout(tool string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if d, ok := tm.timeouts[tool]; ok {
		return d
	}
	return tm.defaultTimeout
}

// WithTimeout derives a context bounded by tool's timeout.
func (tm *TimeoutManager) WithTimeout(ctx context.Context, tool string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Timeout(tool))
}
