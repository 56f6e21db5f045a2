package authclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the defaults used against the authority.
// Authentication rejections (401/403/4xx) are never in the retryable set.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		},
	}
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	backoff := float64(rc.InitialBackoff) * math.Pow(rc.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(rc.MaxBackoff) {
		backoff = float64(rc.MaxBackoff)
	}
	if rc.Jitter > 0 {
		backoff += backoff * rc.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (rc RetryConfig) retryableStatus(code int) bool {
	for _, c := range rc.RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state to close
	SuccessThreshold int
	// Timeout is how long the circuit stays open before transitioning to half-open
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker stops calling an authority that keeps failing at the
// transport level.
type CircuitBreaker struct {
	mu sync.Mutex

	config CircuitBreakerConfig
	state  CircuitState

	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow returns CIRCUIT_OPEN while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) > cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return svcerrors.CircuitOpen()
	}
	return nil
}

// RecordSuccess records a request that reached the authority.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a transport-level failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	cb.state = newState
	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// =============================================================================
// Resilient doer
// =============================================================================

// RequestFunc builds a fresh request for each attempt so bodies can be resent.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// ResilientDoer executes requests with rate limiting, retry and a circuit breaker.
type ResilientDoer struct {
	client  *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter

	totalRequests   int64
	retriedRequests int64
	failedRequests  int64
}

// NewResilientDoer creates a doer. A nil limiter disables client-side rate limiting.
func NewResilientDoer(client *http.Client, retry RetryConfig, breaker *CircuitBreaker, limiter *rate.Limiter) *ResilientDoer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	return &ResilientDoer{client: client, retry: retry, breaker: breaker, limiter: limiter}
}

// Do runs build until a non-retryable response arrives or retries are
// exhausted. Transport failures are returned as NETWORK_ERROR; a response
// with a retryable status on the last attempt is returned as-is so the
// caller can map its payload.
func (d *ResilientDoer) Do(ctx context.Context, build RequestFunc) (*http.Response, error) {
	atomic.AddInt64(&d.totalRequests, 1)

	if err := d.breaker.Allow(); err != nil {
		atomic.AddInt64(&d.failedRequests, 1)
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&d.retriedRequests, 1)
			select {
			case <-ctx.Done():
				return nil, svcerrors.Network(ctx.Err())
			case <-time.After(d.retry.backoff(attempt)):
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, svcerrors.RateLimitExceeded(int(d.limiter.Limit()), "1s").WithDetails("cause", err.Error())
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, svcerrors.Internal("build request", err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil, svcerrors.Network(err)
			}
			lastErr = err
			continue
		}

		if d.retry.retryableStatus(resp.StatusCode) && attempt < d.retry.MaxRetries {
			resp.Body.Close()
			lastErr = svcerrors.HTTPStatusToError(resp.StatusCode, http.StatusText(resp.StatusCode))
			continue
		}

		if resp.StatusCode >= 500 {
			d.breaker.RecordFailure()
		} else {
			d.breaker.RecordSuccess()
		}
		return resp, nil
	}

	d.breaker.RecordFailure()
	atomic.AddInt64(&d.failedRequests, 1)
	return nil, svcerrors.Network(lastErr)
}

// Metrics returns request counters.
func (d *ResilientDoer) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&d.totalRequests),
		"retried_requests": atomic.LoadInt64(&d.retriedRequests),
		"failed_requests":  atomic.LoadInt64(&d.failedRequests),
	}
}

// CircuitState returns the current circuit breaker state.
func (d *ResilientDoer) CircuitState() CircuitState {
	return d.breaker.State()
}
