// Package ratelimit implements the distributed token bucket that bounds the
// aggregate rate of upstream provider calls across all streamer instances
// sharing one Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketlens/portfolio-stream/pkg/config"
)

// ErrAcquireTimeout is returned when tokens could not be obtained before the
// caller's deadline. Callers treat the guarded upstream call as unavailable
// for this cycle rather than failing.
var ErrAcquireTimeout = errors.New("ratelimit: acquire timed out")

// Policy selects the degraded mode used while the shared store is unreachable.
type Policy int

const (
	// PolicyDeny keeps retrying the store until the caller's deadline and
	// then reports a timeout. Throttles hard, never over-admits.
	PolicyDeny Policy = iota
	// PolicyLocal falls back to an in-process bucket with the same capacity
	// and refill rate. Available but imprecise across instances.
	PolicyLocal
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "deny":
		return PolicyDeny, nil
	case "local":
		return PolicyLocal, nil
	}
	return PolicyDeny, fmt.Errorf("ratelimit: unknown policy %q", s)
}

// Refill and consume must happen in one indivisible operation; two separate
// round-trips would let concurrent callers both observe "enough tokens" and
// both deduct. The script stores the token count and last-refill timestamp
// (microseconds) in a hash and refills continuously, capped at capacity.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill rate (tokens/sec),
// ARGV[3] now (micros), ARGV[4] cost, ARGV[5] key TTL (millis)
//
// Returns {allowed, tokens-after} with tokens as a string to keep precision.
var consumeScript = redis.NewScript(`
local tokens, ts
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

tokens = tonumber(state[1])
ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000000
if elapsed > 0 then
  tokens = tokens + elapsed * rate
  if tokens > capacity then
    tokens = capacity
  end
end

local allowed = 0
if cost > 0 and tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, tostring(tokens)}
`)

const (
	// Lower bound on retry sleeps; sub-10ms waits just burn CPU on lock and
	// timer churn.
	minWait = 10 * time.Millisecond
	// Retry cadence against an unreachable store under PolicyDeny.
	storeRetryWait = 100 * time.Millisecond
)

// Stats is the read-only diagnostic view of the bucket.
type Stats struct {
	CurrentTokens      float64 `json:"current_tokens"`
	Capacity           float64 `json:"capacity"`
	RefillRate         float64 `json:"refill_rate"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Limiter is a token bucket whose state lives in a shared Redis hash, so any
// number of processes consume from the same budget.
type Limiter struct {
	rdb      redis.Scripter
	key      string
	capacity float64
	rate     float64
	policy   Policy
	keyTTL   time.Duration
	local    *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

func New(rdb redis.Scripter, cfg config.RateLimitConfig, policy Policy, logger *zap.Logger) *Limiter {
	l := &Limiter{
		rdb:      rdb,
		key:      "ratelimit:" + cfg.Key,
		capacity: cfg.Capacity,
		rate:     cfg.RefillRate,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}

	// The key only needs to outlive the longest possible drain; twice the
	// full-refill time keeps idle buckets from lingering forever.
	l.keyTTL = time.Duration(2*cfg.Capacity/cfg.RefillRate*float64(time.Second)) + time.Minute

	if policy == PolicyLocal {
		l.local = rate.NewLimiter(rate.Limit(cfg.RefillRate), int(cfg.Capacity))
	}
	return l
}

// Acquire obtains cost tokens, sleeping between attempts while the bucket
// refills. The context deadline bounds the whole wait; expiry yields
// ErrAcquireTimeout. A store outage is resolved per the configured policy and
// is never treated as an implicit grant.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}

	for {
		allowed, tokens, err := l.consume(ctx, float64(cost))

		var wait time.Duration
		switch {
		case err != nil:
			if l.policy == PolicyLocal {
				l.logger.Warn("ratelimit store unreachable, falling back to local bucket", zap.Error(err))
				if lerr := l.local.WaitN(ctx, cost); lerr != nil {
					return ErrAcquireTimeout
				}
				return nil
			}
			l.logger.Warn("ratelimit store unreachable, denying until deadline", zap.Error(err))
			wait = storeRetryWait
		case allowed:
			return nil
		default:
			wait = time.Duration((float64(cost) - tokens) / l.rate * float64(time.Second))
			if wait < minWait {
				wait = minWait
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrAcquireTimeout
		case <-timer.C:
		}
	}
}

// Stats refills-on-read without consuming, so the reported token count is
// current even for an idle bucket.
func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	_, tokens, err := l.consume(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		CurrentTokens:      tokens,
		Capacity:           l.capacity,
		RefillRate:         l.rate,
		UtilizationPercent: (l.capacity - tokens) / l.capacity * 100,
	}, nil
}

func (l *Limiter) consume(ctx context.Context, cost float64) (bool, float64, error) {
	res, err := consumeScript.Run(ctx, l.rdb,
		[]string{l.key},
		l.capacity,
		l.rate,
		l.now().UnixMicro(),
		cost,
		l.keyTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit script: bad token count %q: %w", raw, err)
	}
	return allowed == 1, tokens, nil
}
