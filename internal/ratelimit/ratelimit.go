// Package ratelimit caps requests per device per calendar minute. The check
// runs only after authentication, validation, sanitization, and
// pseudonymization succeed, so rejected requests never consume quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Window is the fixed rate-limit window.
const Window = time.Minute

// ErrRateLimited is returned when a device exceeds its per-window cap.
var ErrRateLimited = errors.New("rate_limited")

// Counter increments a windowed per-device counter and returns the new count.
type Counter interface {
	Incr(ctx context.Context, pseudoID string, windowIndex int64) (int64, error)
}

// Limiter enforces the per-device cap over a Counter.
type Limiter struct {
	counter Counter
	limit   int64
	now     func() time.Time
}

// NewLimiter returns a Limiter allowing limit requests per device per minute.
func NewLimiter(counter Counter, limit int) *Limiter {
	return &Limiter{counter: counter, limit: int64(limit), now: time.Now}
}

// Consume takes one token for the device in the current window.
func (l *Limiter) Consume(ctx context.Context, pseudoID string) error {
	windowIndex := l.now().Unix() / int64(Window.Seconds())
	count, err := l.counter.Incr(ctx, pseudoID, windowIndex)
	if err != nil {
		return fmt.Errorf("rate limit counter: %w", err)
	}
	if count > l.limit {
		return ErrRateLimited
	}
	return nil
}

// SetNow overrides the clock, for tests.
func (l *Limiter) SetNow(now func() time.Time) {
	l.now = now
}

// MemoryCounter is the in-process Counter. Each device holds its current
// window and count behind its own lock; a rolled-over window resets the count
// implicitly.
type MemoryCounter struct {
	buckets sync.Map // pseudoID -> *memoryBucket
}

type memoryBucket struct {
	mu     sync.Mutex
	window int64
	count  int64
}

// NewMemoryCounter returns an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, pseudoID string, windowIndex int64) (int64, error) {
	entry, _ := c.buckets.LoadOrStore(pseudoID, &memoryBucket{})
	b := entry.(*memoryBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.window != windowIndex {
		b.window = windowIndex
		b.count = 0
	}
	b.count++
	return b.count, nil
}

// RedisCounter is the shared Counter: INCR with a window-scoped key plus an
// expiry slightly past the window, so limits hold across gateway instances.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter returns a counter on the given client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, pseudoID string, windowIndex int64) (int64, error) {
	key := "rl:" + pseudoID + ":" + strconv.FormatInt(windowIndex, 10)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// First hit in this window owns the expiry.
		if err := c.client.Expire(ctx, key, Window+10*time.Second).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}
