// Package ratelimit enforces the per-caller requests-per-minute ceiling.
// It uses a rolling 60 second window per caller key and endpoint, with the
// ceiling taken from the caller's tier scaled by an endpoint multiplier.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/tiergate/internal/tier"
)

// Window is the length of the rolling window.
const Window = time.Minute

// RateLimiter defines the interface for rate limiting backends.
// Returns whether the request is allowed, remaining quota, and the instant
// the oldest counted request leaves the window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// Result is what the HTTP layer turns into X-RateLimit-* headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter applies tier and endpoint policy on top of a backend.
type Limiter struct {
	backend RateLimiter
	now     func() time.Time
}

func NewLimiter(backend RateLimiter) *Limiter {
	return &Limiter{backend: backend, now: time.Now}
}

// Key scopes a caller's window to one endpoint.
func Key(callerKey string, e tier.Endpoint) string {
	return string(e) + ":" + callerKey
}

func (l *Limiter) Check(ctx context.Context, callerKey string, t tier.Tier, e tier.Endpoint) (Result, error) {
	limit := tier.RequestsPerMinute(t, e)
	allowed, remaining, resetAt, err := l.backend.Allow(ctx, Key(callerKey, e), limit)
	if err != nil {
		return Result{}, err
	}

	res := Result{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		res.RetryAfter = resetAt.Sub(l.now())
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	return res, nil
}

// InMemoryRateLimiter keeps request timestamps per key.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-Window)

	hits := r.windows[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	resetAt := now.Add(Window)
	if len(hits) > 0 {
		resetAt = hits[0].Add(Window)
	}

	if len(hits) >= limit {
		if len(hits) == 0 {
			delete(r.windows, key)
		} else {
			r.windows[key] = hits
		}
		return false, 0, resetAt, nil
	}

	hits = append(hits, now)
	r.windows[key] = hits
	return true, limit - len(hits), resetAt, nil
}
