package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tiergate/internal/domain"
)

// Every breaker lives in one hash: state, failures, successes, opened_at (ms).
// Idle breakers expire so retired providers do not linger.
const redisBreakerTTL = 24 * time.Hour

// KEYS[1]=hash  ARGV: now_ms, timeout_ms, ttl_ms
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
if tonumber(ARGV[1]) - opened < tonumber(ARGV[2]) then
    return 'open'
end
redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 'half-open'
`)

// KEYS[1]=hash  ARGV: success_threshold, ttl_ms
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' then
    if redis.call('HINCRBY', KEYS[1], 'successes', 1) < tonumber(ARGV[1]) then
        redis.call('PEXPIRE', KEYS[1], ARGV[2])
        return 'half-open'
    end
    state = 'closed'
end
if state == 'closed' then
    redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return state
`)

// KEYS[1]=hash  ARGV: failure_threshold, now_ms, ttl_ms
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'closed' then
    if redis.call('HINCRBY', KEYS[1], 'failures', 1) < tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed')
        redis.call('PEXPIRE', KEYS[1], ARGV[3])
        return 'closed'
    end
    state = 'half-open'
end
if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[2], 'successes', 0)
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
    return 'open'
end
return state
`)

// RedisCircuitBreaker shares one provider's breaker between gateway
// instances. Redis errors fail open: a broken Redis must not take every
// upstream down with it.
type RedisCircuitBreaker struct {
	client *redis.Client
	config Config
	key    string
	now    func() time.Time
}

func NewRedis(client *redis.Client, provider string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client: client,
		config: cfg,
		key:    "tiergate:cb:" + provider,
		now:    time.Now,
	}
}

func (cb *RedisCircuitBreaker) run(ctx context.Context, s *redis.Script, args ...any) (State, error) {
	out, err := s.Run(ctx, cb.client, []string{cb.key}, args...).Text()
	if err != nil {
		return StateClosed, err
	}
	return parseState(out), nil
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	st, err := cb.run(ctx, allowScript,
		cb.now().UnixMilli(), cb.config.Timeout.Milliseconds(), redisBreakerTTL.Milliseconds())
	if err == nil && st == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) State {
	st, _ := cb.run(ctx, successScript, cb.config.SuccessThreshold, redisBreakerTTL.Milliseconds())
	return st
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) State {
	st, _ := cb.run(ctx, failureScript,
		cb.config.FailureThreshold, cb.now().UnixMilli(), redisBreakerTTL.Milliseconds())
	return st
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	s, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

// Reset forces the breaker closed.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
