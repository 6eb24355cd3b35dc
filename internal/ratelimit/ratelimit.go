// Package ratelimit throttles repeated governance actions, such as resending an invitation,
// per key. The production limiter is shared across processes through Redis (redis_rate's
// GCRA implementation); MemoryLimiter is a token bucket for tests and single-process
// deployments without Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Rate is the number of events allowed per Period.
type Rate struct {
	Events int
	Period time.Duration
}

// PerHour returns a Rate of n events per hour.
func PerHour(n int) Rate {
	return Rate{Events: n, Period: time.Hour}
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects an event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// RedisLimiter is a Limiter backed by redis_rate.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisLimiter creates a limiter storing its state under prefix in rdb.
func NewRedisLimiter(rdb redis.UniversalClient, prefix string, rate Rate) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit: redis_rate.Limit{
			Rate:   rate.Events,
			Burst:  rate.Events,
			Period: rate.Period,
		},
		prefix: prefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: max(res.RetryAfter, 0),
	}, nil
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter is an in-process token bucket refilled continuously at Rate.
type MemoryLimiter struct {
	rate    Rate
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(rate Rate) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    rate,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.rate.Events)
	period := float64(l.rate.Period)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, lastUpdate: now}
		l.buckets[key] = b
	} else {
		elapsed := float64(now.Sub(b.lastUpdate))
		b.tokens = min(burst, b.tokens+elapsed/period*burst)
		b.lastUpdate = now
	}

	// Buckets that have refilled completely carry no state worth keeping.
	for k, other := range l.buckets {
		if k != key && now.Sub(other.lastUpdate) >= l.rate.Period {
			delete(l.buckets, k)
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Remaining: int(b.tokens)}, nil
	}
	wait := time.Duration((1 - b.tokens) * period / burst)
	return Result{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}
