// Package circuitbreaker keeps one breaker per upstream provider so a failing
// upstream is answered with 503 instead of being hammered.
//
// States:
//   - Closed: requests pass through
//   - Open: the upstream is unhealthy, requests fail immediately
//   - Half-Open: probing recovery
//
// InMemoryCircuitBreaker serves a single instance; RedisCircuitBreaker shares
// state between gateway instances through Lua scripts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/metrics"
)

type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context) State
	RecordFailure(ctx context.Context) State
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open time before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// IsFailure reports whether err should count against the upstream. Upstream
// 5xx and transport errors do; client errors, malformed payloads and caller
// cancellation do not.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	var formatErr *domain.UpstreamFormatError
	if errors.As(err, &formatErr) {
		return false
	}
	return !errors.Is(err, domain.ErrInvalidRequest)
}

type InMemoryCircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateListener is told when a provider's breaker opens or closes.
type StateListener func(ctx context.Context, provider string, from, to State)

// Manager owns the breaker of every provider.
type Manager struct {
	mu        sync.Mutex
	breakers  map[string]CircuitBreaker
	last      map[string]State
	config    Config
	factory   func(provider string) CircuitBreaker
	listeners []StateListener
}

type ManagerOption func(*Manager)

// WithFactory swaps the breaker implementation, e.g. for Redis.
func WithFactory(f func(provider string, cfg Config) CircuitBreaker) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker { return f(provider, m.config) }
	}
}

func WithStateListener(l StateListener) ManagerOption {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		last:     make(map[string]State),
		config:   cfg,
		factory: func(string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the breaker for a provider, creating it on first use.
func (m *Manager) Get(provider string) CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[provider]
	if !ok {
		cb = m.factory(provider)
		m.breakers[provider] = cb
		m.last[provider] = StateClosed
		metrics.SetCircuitBreakerState(provider, int(StateClosed))
	}
	return cb
}

// Allow gates a call to provider.
func (m *Manager) Allow(ctx context.Context, provider string) error {
	return m.Get(provider).Allow(ctx)
}

// Record classifies the outcome of a call and updates the breaker.
func (m *Manager) Record(ctx context.Context, provider string, err error) {
	cb := m.Get(provider)
	var state State
	switch {
	case err == nil:
		state = cb.RecordSuccess(ctx)
	case IsFailure(err):
		state = cb.RecordFailure(ctx)
	default:
		return
	}
	m.transition(ctx, provider, state)
}

func (m *Manager) transition(ctx context.Context, provider string, to State) {
	m.mu.Lock()
	from := m.last[provider]
	m.last[provider] = to
	listeners := m.listeners
	m.mu.Unlock()

	if from == to {
		return
	}
	metrics.SetCircuitBreakerState(provider, int(to))
	for _, l := range listeners {
		l(ctx, provider, from, to)
	}
}

// States returns the current state of every known breaker.
func (m *Manager) States(ctx context.Context) map[string]string {
	m.mu.Lock()
	breakers := make(map[string]CircuitBreaker, len(m.breakers))
	for id, cb := range m.breakers {
		breakers[id] = cb
	}
	m.mu.Unlock()

	states := make(map[string]string, len(breakers))
	for id, cb := range breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
