package activities

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for activity calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	// OnRetry is called before sleeping with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// Do executes fn until it succeeds, returns a non-retryable error or the
// attempt ceiling is reached. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransport
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(last) {
			return last
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, last)
		}

		delay := p.Backoff(attempt)
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return last
}

// Backoff is the un-jittered delay after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 || attempt < 1 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay <<= 1
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
		if delay <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls to an executor after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      circuitClosed,
	}
}

// Execute runs fn while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
		c.halfOpenFlight = true
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	wasHalfOpen := c.state == circuitHalfOpen
	c.halfOpenFlight = false

	switch {
	case err == nil:
		c.state = circuitClosed
		c.failures = 0
	case wasHalfOpen:
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
	default:
		c.failures++
		if c.failures >= c.maxFails {
			c.state = circuitOpen
			c.openedAt = now
		}
	}
	return err
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// OnWait registers a hook called with each wait the limiter imposes.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	if r != nil {
		r.onWait = fn
	}
	return r
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// Invoker is the call surface shared by every activity client.
type Invoker interface {
	Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error)
}

// ReliableClient guards an Invoker with a shared rate limiter and one
// circuit breaker per activity. Retries are left to the caller.
type ReliableClient struct {
	base    Invoker
	limiter *RateLimiter

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	breaker  CircuitBreakerConfig
	guard    bool
}

// NewReliableClient wraps base. A nil limiter disables rate limiting and a
// zero breaker config with guard=false disables circuit breaking.
func NewReliableClient(base Invoker, limiter *RateLimiter, breaker CircuitBreakerConfig, guard bool) *ReliableClient {
	return &ReliableClient{
		base:     base,
		limiter:  limiter,
		breakers: make(map[string]*CircuitBreaker),
		breaker:  breaker,
		guard:    guard,
	}
}

func (c *ReliableClient) Invoke(ctx context.Context, activity string, input json.RawMessage) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Activity: activity, Err: err}
	}

	var out json.RawMessage
	call := func() error {
		var err error
		out, err = c.base.Invoke(ctx, activity, input)
		return err
	}
	var err error
	if c.guard {
		err = c.breakerFor(activity).Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		if !IsTransport(err) {
			err = &TransportError{Activity: activity, Err: err}
		}
		return nil, err
	}
	return out, nil
}

func (c *ReliableClient) breakerFor(activity string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[activity]
	if !ok {
		b = NewCircuitBreaker(c.breaker)
		c.breakers[activity] = b
	}
	return b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
