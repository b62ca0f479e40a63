package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"market_sync_backend/models"
)

const bucketKeyPrefix = "marketsync:bucket:"

// bucketScript refills and decrements a source's token bucket in a single
// atomic round trip. Refill is computed from the bucket's own last-refill
// timestamp against the Redis server clock, so worker clock skew never
// inflates the rate. Returns {granted, wait_ms}.
var bucketScript = redis.NewScript(`
	local capacity = tonumber(ARGV[1])
	local refill = tonumber(ARGV[2])
	local weight = tonumber(ARGV[3])

	local t = redis.call('TIME')
	local now_ms = t[1] * 1000 + math.floor(t[2] / 1000)

	local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill_ms')
	local tokens = tonumber(bucket[1])
	local last = tonumber(bucket[2])
	if tokens == nil or last == nil then
		tokens = capacity
		last = now_ms
	end

	local elapsed = now_ms - last
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + elapsed * refill / 1000)
		last = now_ms
	end

	local granted = 0
	local wait_ms = 0
	if tokens >= weight then
		tokens = tokens - weight
		granted = 1
	else
		wait_ms = math.ceil((weight - tokens) * 1000 / refill)
	end

	redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill_ms', last)
	redis.call('PEXPIRE', KEYS[1], 3600000)
	return {granted, wait_ms}
`)

// Limiter is a token-bucket rate limiter whose state is shared by every
// worker process through Redis. When Redis is unreachable it degrades to a
// process-local bucket with the same parameters, which still never exceeds
// the configured rate.
type Limiter struct {
	client *redis.Client

	mu    sync.Mutex
	local map[uint]*localBucket
}

// NewLimiter creates a limiter over the shared Redis client. A nil client
// runs purely on local buckets (used in tests and single-worker setups).
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		local:  make(map[uint]*localBucket),
	}
}

// Acquire blocks until weight tokens are granted for the source, or the
// context is done.
func (l *Limiter) Acquire(ctx context.Context, source *models.DataSource, weight int) error {
	for {
		granted, wait, err := l.tryOnce(ctx, source, weight)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAcquire attempts a non-blocking grant.
func (l *Limiter) TryAcquire(ctx context.Context, source *models.DataSource, weight int) (bool, error) {
	granted, _, err := l.tryOnce(ctx, source, weight)
	return granted, err
}

// tryOnce performs one atomic check-and-decrement, preferring the shared
// bucket and falling back to the local one on Redis failure.
func (l *Limiter) tryOnce(ctx context.Context, source *models.DataSource, weight int) (bool, time.Duration, error) {
	if weight <= 0 {
		return false, 0, fmt.Errorf("rate limit weight must be positive, got %d", weight)
	}
	if weight > source.RateCapacity {
		return false, 0, fmt.Errorf("rate limit weight %d exceeds bucket capacity %d", weight, source.RateCapacity)
	}
	// A zero refill would divide by zero in the wait computation
	if source.RateRefillPerSec <= 0 {
		return false, 0, fmt.Errorf("rate refill for source %s must be positive, got %g", source.Code, source.RateRefillPerSec)
	}

	if l.client != nil {
		granted, wait, err := l.trySharedBucket(ctx, source, weight)
		if err == nil {
			return granted, wait, nil
		}
		log.Printf("Rate limiter falling back to local bucket for source %s: %v", source.Code, err)
	}

	granted, wait := l.localBucket(source).tryAcquire(weight)
	return granted, wait, nil
}

// trySharedBucket runs the Lua script against Redis.
func (l *Limiter) trySharedBucket(ctx context.Context, source *models.DataSource, weight int) (bool, time.Duration, error) {
	key := fmt.Sprintf("%s%d", bucketKeyPrefix, source.ID)
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		source.RateCapacity, source.RateRefillPerSec, weight).Result()
	if err != nil {
		return false, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected bucket script result: %v", res)
	}
	granted, _ := vals[0].(int64)
	waitMs, _ := vals[1].(int64)
	return granted == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// localBucket returns the process-local fallback bucket for a source.
func (l *Limiter) localBucket(source *models.DataSource) *localBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.local[source.ID]
	if !ok {
		b = newLocalBucket(source.RateCapacity, source.RateRefillPerSec)
		l.local[source.ID] = b
	}
	return b
}

// localBucket is an in-process token bucket with the same refill semantics
// as the shared one.
type localBucket struct {
	mu         sync.Mutex
	capacity   float64
	refill     float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func newLocalBucket(capacity int, refillPerSec float64) *localBucket {
	return &localBucket{
		capacity:   float64(capacity),
		refill:     refillPerSec,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// tryAcquire refills from elapsed time, then attempts the decrement.
// Returns the wait needed for the next grant when the bucket is empty.
func (b *localBucket) tryAcquire(weight int) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = minFloat(b.capacity, b.tokens+elapsed*b.refill)
		b.lastRefill = now
	}

	w := float64(weight)
	if b.tokens >= w {
		b.tokens -= w
		return true, 0
	}
	waitSec := (w - b.tokens) / b.refill
	return false, time.Duration(waitSec * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
